package pushclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/kanban/pkg/event"
)

// testBackoff はテスト用の短い再接続設定。
var testBackoff = Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}

// streamConn はフェイクサーバーが受け付けた1本のストリーム。
type streamConn struct {
	frames chan string
	close  chan struct{}
}

// send はエンベロープをdata行として送る。
func (s *streamConn) send(data string) { s.frames <- "data: " + data + "\n\n" }

// ping はキープアライブのコメントを送る。
func (s *streamConn) ping() { s.frames <- ": ping\n\n" }

// fakeServer は通知サービスのストリームと未読一覧を模したテスト用サーバー。
type fakeServer struct {
	*httptest.Server

	conns chan *streamConn

	mu          sync.Mutex
	status      int
	unread      []event.Notification
	lastAuth    string
	streamCalls int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{conns: make(chan *streamConn, 16), status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/stream/{user_id}", f.handleStream)
	mux.HandleFunc("GET /api/v1/notifications/unread", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.unread)
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeServer) setStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

func (f *fakeServer) setUnread(list []event.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = list
}

func (f *fakeServer) handleStream(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	status := f.status
	f.lastAuth = r.Header.Get("Authorization")
	f.streamCalls++
	f.mu.Unlock()

	if status != http.StatusOK {
		http.Error(w, `{"error":"rejected"}`, status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	w.(http.Flusher).Flush()

	sc := &streamConn{frames: make(chan string, 64), close: make(chan struct{})}
	f.conns <- sc

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sc.close:
			return
		case frame := <-sc.frames:
			fmt.Fprint(w, frame)
			w.(http.Flusher).Flush()
		}
	}
}

// accept は次に受け付けたストリームを返す。
func (f *fakeServer) accept(t *testing.T) *streamConn {
	t.Helper()
	select {
	case sc := <-f.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("ストリームへの接続が来なかった")
		return nil
	}
}

// statusRecorder は接続状態の遷移を記録する。
type statusRecorder struct {
	ch chan Status
}

func recordStatuses(c *Client) *statusRecorder {
	r := &statusRecorder{ch: make(chan Status, 128)}
	c.OnConnectionStatus(func(s Status) { r.ch <- s })
	return r
}

// waitFor は指定した状態への遷移を待ち、その遷移を返す。
func (r *statusRecorder) waitFor(t *testing.T, state State) Status {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s.State == state {
				return s
			}
		case <-deadline:
			t.Fatalf("状態 %s に遷移しなかった", state)
			return Status{}
		}
	}
}

// receive はチャネルから1件受け取る。
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("イベントが届かなかった")
		var zero T
		return zero
	}
}

// TestClientDispatch はエンベロープの振り分けを検証する。
func TestClientDispatch(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	core, logs := observer.New(zap.WarnLevel)
	c := New(srv.URL, "token-7", WithBackoff(testBackoff), WithLogger(zap.New(core)))
	t.Cleanup(c.Disconnect)

	notifications := make(chan event.Notification, 16)
	activities := make(chan event.Activity, 16)
	c.OnNotification(func(n event.Notification) { notifications <- n })
	c.OnActivityUpdate(func(a event.Activity) { activities <- a })
	statuses := recordStatuses(c)

	if err := c.Connect(context.Background(), "7"); err != nil {
		t.Fatalf("Connect()でエラーが発生: %v", err)
	}
	sc := srv.accept(t)
	statuses.waitFor(t, StateConnected)

	srv.mu.Lock()
	auth := srv.lastAuth
	srv.mu.Unlock()
	if auth != "Bearer token-7" {
		t.Errorf("Authorization = %q", auth)
	}

	sc.send(`{"type":"notification","id":"42","user_id":"7","notification_type":"task_assigned","title":"X","status":"unread"}`)
	sc.send(`{not json`)
	sc.send(`{"type":"presence","user_id":"7"}`)
	sc.send(`{"type":"activity","id":"a1","project_id":"p1","actor_id":"3","action":"task.moved","entity_type":"task"}`)
	sc.send(`{"type":"notification","id":"43","user_id":"7","notification_type":"task_moved","title":"Y","status":"unread"}`)

	if n := receive(t, notifications); n.ID != "42" || n.Title != "X" {
		t.Errorf("1件目の通知 = %+v", n)
	}
	if a := receive(t, activities); a.ID != "a1" || a.Action != "task.moved" {
		t.Errorf("アクティビティ = %+v", a)
	}
	if n := receive(t, notifications); n.ID != "43" {
		t.Errorf("2件目の通知 = %+v", n)
	}
	if logs.FilterMessage("malformed push envelope dropped").Len() != 1 {
		t.Error("壊れたエンベロープがログに記録されていない")
	}
	if !c.IsConnected() {
		t.Error("壊れたエンベロープの後に切断された")
	}
}

// TestClientReconnect は予期しない切断からの再接続を検証する。
func TestClientReconnect(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := New(srv.URL, "token", WithBackoff(testBackoff))
	t.Cleanup(c.Disconnect)

	var mu sync.Mutex
	var connectedDuringBackoff []bool
	c.OnConnectionStatus(func(s Status) {
		if s.State == StateBackoff {
			mu.Lock()
			connectedDuringBackoff = append(connectedDuringBackoff, c.IsConnected())
			mu.Unlock()
		}
	})
	statuses := recordStatuses(c)

	if err := c.Connect(context.Background(), "1"); err != nil {
		t.Fatalf("Connect()でエラーが発生: %v", err)
	}
	first := srv.accept(t)
	statuses.waitFor(t, StateConnected)
	if !c.IsConnected() {
		t.Fatal("接続後にIsConnected() = false")
	}

	close(first.close)

	backoff := statuses.waitFor(t, StateBackoff)
	if backoff.Err == nil || backoff.Attempt != 1 {
		t.Errorf("Backoff = %+v", backoff)
	}

	srv.accept(t)
	statuses.waitFor(t, StateConnected)
	if !c.IsConnected() {
		t.Error("再接続後にIsConnected() = false")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(connectedDuringBackoff) == 0 || slices.Contains(connectedDuringBackoff, true) {
		t.Errorf("切断から再接続までの間のIsConnected() = %v, want すべてfalse", connectedDuringBackoff)
	}
}

// TestClientRejected は認証エラーでも再接続を続けることを検証する。
func TestClientRejected(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	srv.setStatus(http.StatusUnauthorized)

	core, logs := observer.New(zap.ErrorLevel)
	c := New(srv.URL, "expired", WithBackoff(testBackoff), WithLogger(zap.New(core)))
	t.Cleanup(c.Disconnect)
	statuses := recordStatuses(c)

	if err := c.Connect(context.Background(), "7"); err != nil {
		t.Fatalf("Connect()が認証エラーを返した: %v", err)
	}

	first := statuses.waitFor(t, StateBackoff)
	if first.Err == nil {
		t.Error("BackoffにErrが設定されていない")
	}
	second := statuses.waitFor(t, StateBackoff)
	if second.Attempt <= first.Attempt {
		t.Errorf("Attemptが増えていない: %d → %d", first.Attempt, second.Attempt)
	}
	if logs.FilterMessage("push stream rejected").Len() == 0 {
		t.Error("認証エラーがエラーレベルで記録されていない")
	}

	// 復旧すれば接続できる
	srv.setStatus(http.StatusOK)
	srv.accept(t)
	statuses.waitFor(t, StateConnected)
}

// TestClientDisconnect は切断の冪等性と再接続待ちの取り消しを検証する。
func TestClientDisconnect(t *testing.T) {
	t.Parallel()

	t.Run("何度呼んでも1回だけDisconnectedになること", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		c := New(srv.URL, "token", WithBackoff(testBackoff))
		statuses := recordStatuses(c)

		// 接続前の切断は何もしない
		c.Disconnect()

		if err := c.Connect(context.Background(), "7"); err != nil {
			t.Fatalf("Connect()でエラーが発生: %v", err)
		}
		srv.accept(t)
		statuses.waitFor(t, StateConnected)

		c.Disconnect()
		c.Disconnect()
		c.Wait()

		if c.IsConnected() || c.State() != StateDisconnected {
			t.Errorf("State() = %s, want disconnected", c.State())
		}

		disconnected := 0
		for len(statuses.ch) > 0 {
			if (<-statuses.ch).State == StateDisconnected {
				disconnected++
			}
		}
		if disconnected != 1 {
			t.Errorf("Disconnectedの通知回数 = %d, want 1", disconnected)
		}
	})

	t.Run("再接続待ちの間に切断すると再接続しないこと", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		srv.setStatus(http.StatusInternalServerError)
		c := New(srv.URL, "token", WithBackoff(Backoff{Initial: time.Hour, Max: time.Hour, Factor: 2}))
		statuses := recordStatuses(c)

		if err := c.Connect(context.Background(), "7"); err != nil {
			t.Fatalf("Connect()でエラーが発生: %v", err)
		}
		statuses.waitFor(t, StateBackoff)

		done := make(chan struct{})
		go func() {
			c.Disconnect()
			c.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("再接続待ちが取り消されなかった")
		}

		srv.mu.Lock()
		calls := srv.streamCalls
		srv.mu.Unlock()
		if calls != 1 {
			t.Errorf("接続試行回数 = %d, want 1", calls)
		}
	})

	t.Run("切断してもリスナーの登録は残ること", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		c := New(srv.URL, "token", WithBackoff(testBackoff))
		t.Cleanup(c.Disconnect)

		notifications := make(chan event.Notification, 4)
		c.OnNotification(func(n event.Notification) { notifications <- n })
		statuses := recordStatuses(c)

		_ = c.Connect(context.Background(), "7")
		srv.accept(t)
		statuses.waitFor(t, StateConnected)
		c.Disconnect()
		c.Wait()

		_ = c.Connect(context.Background(), "7")
		sc := srv.accept(t)
		statuses.waitFor(t, StateConnected)
		sc.send(`{"type":"notification","id":"n1","user_id":"7","notification_type":"task_assigned","title":"X","status":"unread"}`)

		if n := receive(t, notifications); n.ID != "n1" {
			t.Errorf("通知 = %+v", n)
		}
	})

	t.Run("親コンテキストのキャンセルで停止すること", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		c := New(srv.URL, "token", WithBackoff(testBackoff))
		statuses := recordStatuses(c)

		ctx, cancel := context.WithCancel(context.Background())
		_ = c.Connect(ctx, "7")
		srv.accept(t)
		statuses.waitFor(t, StateConnected)

		cancel()
		statuses.waitFor(t, StateDisconnected)
		if c.IsConnected() {
			t.Error("キャンセル後もIsConnected() = true")
		}
	})

	t.Run("空のユーザーIDは拒否されること", func(t *testing.T) {
		t.Parallel()

		c := New("http://127.0.0.1:1", "token")
		if err := c.Connect(context.Background(), ""); !errors.Is(err, ErrEmptyUserID) {
			t.Errorf("err = %v, want ErrEmptyUserID", err)
		}
	})
}

// TestClientCatchUp は再接続後の取りこぼし取得を検証する。
func TestClientCatchUp(t *testing.T) {
	t.Parallel()

	base := time.Now().UTC().Add(time.Hour)
	notification := func(id string, at time.Time) event.Notification {
		return event.Notification{
			ID: id, UserID: "7", Type: event.NotificationTaskAssigned,
			Status: event.StatusUnread, Title: id, CreatedAt: at,
		}
	}
	envelope := func(t *testing.T, n event.Notification) string {
		t.Helper()
		raw, err := event.Encode(event.KindNotification, n)
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		return string(raw)
	}

	t.Run("切断中の通知が古い順に1回ずつ届くこと", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		c := New(srv.URL, "token", WithBackoff(testBackoff), WithCatchUp(true))
		t.Cleanup(c.Disconnect)

		var mu sync.Mutex
		var got []string
		c.OnNotification(func(n event.Notification) {
			mu.Lock()
			got = append(got, n.ID)
			mu.Unlock()
		})
		statuses := recordStatuses(c)

		_ = c.Connect(context.Background(), "7")
		first := srv.accept(t)
		statuses.waitFor(t, StateConnected)

		n1 := notification("n1", base)
		n2 := notification("n2", base.Add(time.Second))
		n3 := notification("n3", base.Add(2*time.Second))
		first.send(envelope(t, n1))

		// n1が配信されてから切断する
		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			n := len(got)
			mu.Unlock()
			if n == 1 || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		srv.setUnread([]event.Notification{n3, n2, n1})
		close(first.close)

		second := srv.accept(t)
		statuses.waitFor(t, StateConnected)
		// 取得済みのn3がストリームでも届いた場合は重複させない
		second.send(envelope(t, n3))
		second.send(envelope(t, notification("n4", base.Add(3*time.Second))))

		deadline = time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			n := len(got)
			mu.Unlock()
			if n >= 4 || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}

		mu.Lock()
		defer mu.Unlock()
		if want := []string{"n1", "n2", "n3", "n4"}; !slices.Equal(got, want) {
			t.Errorf("配信順 = %v, want %v", got, want)
		}
	})

	t.Run("既定では取得しないこと", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		srv.setUnread([]event.Notification{notification("old", base)})
		c := New(srv.URL, "token", WithBackoff(testBackoff))
		t.Cleanup(c.Disconnect)

		notifications := make(chan event.Notification, 4)
		c.OnNotification(func(n event.Notification) { notifications <- n })
		statuses := recordStatuses(c)

		_ = c.Connect(context.Background(), "7")
		first := srv.accept(t)
		statuses.waitFor(t, StateConnected)
		close(first.close)
		srv.accept(t)
		statuses.waitFor(t, StateConnected)

		select {
		case n := <-notifications:
			t.Errorf("取りこぼし取得が行われた: %+v", n)
		case <-time.After(50 * time.Millisecond):
		}
	})
}

// TestClientStopsDeliveringAfterDisconnect はDisconnect後に受信済みのイベントを配信しないことを検証する。
func TestClientStopsDeliveringAfterDisconnect(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := New(srv.URL, "token", WithBackoff(testBackoff))
	t.Cleanup(c.Disconnect)

	entered := make(chan struct{})
	release := make(chan struct{})
	var disconnected atomic.Bool
	var afterDisconnect atomic.Int32
	var calls atomic.Int32
	c.OnNotification(func(event.Notification) {
		if disconnected.Load() {
			afterDisconnect.Add(1)
		}
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})
	c.OnActivityUpdate(func(event.Activity) {
		if disconnected.Load() {
			afterDisconnect.Add(1)
		}
	})
	statuses := recordStatuses(c)

	_ = c.Connect(context.Background(), "7")
	sc := srv.accept(t)
	statuses.waitFor(t, StateConnected)

	for i := range 20 {
		sc.send(fmt.Sprintf(`{"type":"notification","id":"n%d","user_id":"7","notification_type":"task_assigned","title":"X","status":"unread"}`, i))
	}
	sc.send(`{"type":"activity","id":"a1","project_id":"p1","actor_id":"3","action":"task.moved","entity_type":"task"}`)
	receive(t, entered)

	c.Disconnect()
	disconnected.Store(true)
	if c.IsConnected() {
		t.Error("Disconnect後にIsConnected() = true")
	}
	close(release)
	c.Wait()

	if got := afterDisconnect.Load(); got != 0 {
		t.Errorf("Disconnect後にリスナーへ配信された件数 = %d, want 0", got)
	}
}

// TestClientReconnectWaitsForPreviousSession は再接続で受信ループが重ならないことを検証する。
func TestClientReconnectWaitsForPreviousSession(t *testing.T) {
	t.Parallel()

	srv := newFakeServer(t)
	c := New(srv.URL, "token", WithBackoff(testBackoff))
	t.Cleanup(c.Disconnect)

	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	c.OnNotification(func(event.Notification) {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	})

	var mu sync.Mutex
	var states []State
	c.OnConnectionStatus(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})
	statuses := recordStatuses(c)

	_ = c.Connect(context.Background(), "7")
	sc := srv.accept(t)
	statuses.waitFor(t, StateConnected)
	sc.send(`{"type":"notification","id":"n1","user_id":"7","notification_type":"task_assigned","title":"X","status":"unread"}`)
	receive(t, entered)

	// 前のセッションがリスナーの中で止まっている間に接続し直す
	if err := c.Connect(context.Background(), "7"); err != nil {
		t.Fatalf("Connect()でエラーが発生: %v", err)
	}
	select {
	case <-srv.conns:
		t.Fatal("前の受信ループが終わる前に次の接続が始まった")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	srv.accept(t)
	statuses.waitFor(t, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateDisconnected, StateConnecting, StateConnected}
	if !slices.Equal(states, want) {
		t.Errorf("状態の遷移 = %v, want %v", states, want)
	}
}

// TestClientIdleTimeout は無応答のストリームを切断として扱うことを検証する。
func TestClientIdleTimeout(t *testing.T) {
	t.Parallel()

	t.Run("何も届かなければ再接続待ちになること", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		c := New(srv.URL, "token", WithBackoff(testBackoff), WithIdleTimeout(100*time.Millisecond))
		t.Cleanup(c.Disconnect)
		statuses := recordStatuses(c)

		_ = c.Connect(context.Background(), "7")
		srv.accept(t)
		statuses.waitFor(t, StateConnected)

		backoff := statuses.waitFor(t, StateBackoff)
		if !errors.Is(backoff.Err, errIdleTimeout) {
			t.Errorf("Err = %v, want errIdleTimeout", backoff.Err)
		}
		if c.IsConnected() {
			t.Error("無応答の後もIsConnected() = true")
		}

		srv.accept(t)
		statuses.waitFor(t, StateConnected)
	})

	t.Run("キープアライブが届いていれば接続を保つこと", func(t *testing.T) {
		t.Parallel()

		srv := newFakeServer(t)
		c := New(srv.URL, "token", WithBackoff(testBackoff), WithIdleTimeout(150*time.Millisecond))
		t.Cleanup(c.Disconnect)
		statuses := recordStatuses(c)

		_ = c.Connect(context.Background(), "7")
		sc := srv.accept(t)
		statuses.waitFor(t, StateConnected)

		for range 8 {
			time.Sleep(50 * time.Millisecond)
			sc.ping()
		}

		for len(statuses.ch) > 0 {
			if s := <-statuses.ch; s.State != StateConnected {
				t.Errorf("キープアライブ中に状態が変わった: %s", s.State)
			}
		}
		if !c.IsConnected() {
			t.Error("キープアライブ中にIsConnected() = false")
		}
	})
}
