package pushclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nao1215/kanban/pkg/event"
	"github.com/nao1215/kanban/pkg/httpclient"
)

var (
	// ErrEmptyUserID はユーザーIDが空であることを表す。
	ErrEmptyUserID = errors.New("ユーザーIDが空です")
	// errStreamClosed はサーバーがストリームを閉じたことを表す。
	errStreamClosed = errors.New("ストリームが閉じられました")
	// errIdleTimeout はキープアライブも含めて何も届かないまま待ち時間を過ぎたことを表す。
	errIdleTimeout = errors.New("ストリームが応答しません")
)

// DefaultIdleTimeout はストリームから何も届かない場合に切断とみなすまでの既定時間。
// サーバーのキープアライブ間隔（25秒）の2倍強。
const DefaultIdleTimeout = 60 * time.Second

// Client は1ユーザーのイベントストリームを購読するクライアント。
// ゼロ値は使えないのでNewで生成する。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	api        *httpclient.Client
	logger     *zap.Logger
	backoff    Backoff
	catchUp    bool
	// idleTimeout は受信が途絶えてから切断とみなすまでの時間。
	idleTimeout time.Duration

	notifications listenerSet[event.Notification]
	activities    listenerSet[event.Activity]
	statuses      listenerSet[Status]

	// mu はstate、session、latestを保護する。
	mu    sync.Mutex
	state State
	// session は状態を更新できる現在のセッション。Disconnect後はnil。
	session *session
	// latest は最後に開始したセッション。Waitで終了を待つ。
	latest *session
}

// session は1回のConnectからDisconnectまでの受信ループ。
type session struct {
	userID string
	cancel context.CancelFunc
	done   chan struct{}
	// prev は直前のセッション。終了を待ってから受信を始める。
	prev *session

	// 以下は受信ゴルーチンだけが触る
	lastSeen    time.Time
	connectedAt time.Time
	caughtUp    map[string]struct{}
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient はストリームとAPI呼び出しに使うHTTPクライアントを設定する。
// ストリームは長時間続くため、Timeoutを設定したクライアントは渡さないこと。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBackoff は再接続の待ち時間を設定する。
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithCatchUp は再接続後に未読通知を取得して、切断中に作られた通知を配信するかどうかを設定する。
// 既定では無効。
func WithCatchUp(enabled bool) Option {
	return func(c *Client) { c.catchUp = enabled }
}

// WithIdleTimeout はキープアライブを含めて何も受信しない状態が続いたときに
// 接続が切れたとみなすまでの時間を設定する。サーバーのキープアライブ間隔より長くすること。
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.idleTimeout = d
		}
	}
}

// New は新しいClientを生成する。baseURLは通知サービスのベースURL、tokenはアクセストークン。
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:     baseURL,
		token:       token,
		httpClient:  &http.Client{},
		logger:      zap.NewNop(),
		backoff:     DefaultBackoff,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = httpclient.New(baseURL, httpclient.WithToken(token), httpclient.WithHTTPClient(c.httpClient))
	return c
}

// OnNotification は通知リスナーを登録し、登録を解除する関数を返す。
func (c *Client) OnNotification(fn func(event.Notification)) func() {
	return c.notifications.add(fn)
}

// OnActivityUpdate はアクティビティリスナーを登録し、登録を解除する関数を返す。
func (c *Client) OnActivityUpdate(fn func(event.Activity)) func() {
	return c.activities.add(fn)
}

// OnConnectionStatus は接続状態リスナーを登録し、登録を解除する関数を返す。
func (c *Client) OnConnectionStatus(fn func(Status)) func() {
	return c.statuses.add(fn)
}

// State は最後に観測した接続状態を返す。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected はストリームを受信中かどうかを返す。
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Connect はuserIDのストリームへの接続をバックグラウンドで開始する。
// 接続の失敗はエラーとして返さず、再接続を繰り返しながら接続状態リスナーに通知する。
// 既に接続中の場合は前の接続を閉じてから開始する。
// ctxがキャンセルされるとDisconnectと同様に停止する。
func (c *Client) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	c.Disconnect()

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		userID: userID,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	s.prev = c.latest
	c.session = s
	c.latest = s
	c.mu.Unlock()

	go c.run(sctx, s)
	return nil
}

// Disconnect はストリームを閉じ、進行中の再接続待ちを取り消す。
// 戻った後は、実行中のリスナー呼び出しを除いて通知とアクティビティは配信されない。
// リスナーの登録は残る。何度呼んでもよい。
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if s != nil {
		s.cancel()
	}
}

// Wait は最後に開始した受信ループが終了するまで待つ。
// 一度もConnectしていない場合はすぐに戻る。リスナーの中から呼ばないこと。
func (c *Client) Wait() {
	c.mu.Lock()
	s := c.latest
	c.mu.Unlock()
	if s != nil {
		<-s.done
	}
}

// transition は状態を更新して接続状態リスナーに通知する。
// Disconnect済みのセッションからの遷移は、最後のDisconnected以外は無視する。
func (c *Client) transition(s *session, st Status) {
	c.mu.Lock()
	current := c.session == s
	if current {
		c.state = st.State
		if st.State == StateDisconnected {
			c.session = nil
		}
	}
	c.mu.Unlock()

	if !current && st.State != StateDisconnected {
		return
	}
	c.logger.Debug("push client state changed",
		zap.String("user_id", s.userID),
		zap.Stringer("state", st.State),
		zap.Int("attempt", st.Attempt),
	)
	c.statuses.emit(st, c.logger)
}

// current はsがDisconnectされていない現在のセッションかどうかを返す。
func (c *Client) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

// run は受信ループ。Connecting → Connected → Backoff の遷移を繰り返す。
// 前のセッションの受信ループが終わるまでは始めない。
func (c *Client) run(ctx context.Context, s *session) {
	defer close(s.done)
	if s.prev != nil {
		<-s.prev.done
		s.prev = nil
	}
	defer c.transition(s, Status{State: StateDisconnected})

	attempt := 0
	everConnected := false
	for {
		c.transition(s, Status{State: StateConnecting, Attempt: attempt})

		err := c.stream(ctx, s, func() {
			attempt = 0
			c.transition(s, Status{State: StateConnected})
			if everConnected && c.catchUp {
				c.fetchMissed(ctx, s)
			}
			if !everConnected {
				s.connectedAt = time.Now().UTC()
			}
			everConnected = true
		})
		if ctx.Err() != nil {
			return
		}

		delay := c.backoff.Delay(attempt)
		attempt++
		c.logger.Warn("push stream lost, reconnecting",
			zap.String("user_id", s.userID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		c.transition(s, Status{State: StateBackoff, Attempt: attempt, Delay: delay, Err: err})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream はストリームに1回接続し、切断されるまでイベントを配信する。
// 接続に成功するとonOpenを呼ぶ。idleTimeoutの間なにも受信しなければ接続を切る。
func (c *Client) stream(ctx context.Context, s *session, onOpen func()) error {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var idle atomic.Bool
	watchdog := time.AfterFunc(c.idleTimeout, func() {
		idle.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	err := c.receive(attemptCtx, s, watchdog, onOpen)
	if idle.Load() && ctx.Err() == nil {
		c.logger.Warn("push stream idle, closing", zap.String("user_id", s.userID), zap.Duration("idle_timeout", c.idleTimeout))
		return errIdleTimeout
	}
	return err
}

// receive はstreamの本体。受信するたびにwatchdogを延長する。
func (c *Client) receive(ctx context.Context, s *session, watchdog *time.Timer, onOpen func()) error {
	endpoint := c.baseURL + "/api/v1/stream/" + url.PathEscape(s.userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("ストリームリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ストリームへの接続に失敗: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		statusErr := &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			c.logger.Error("push stream rejected", zap.String("user_id", s.userID), zap.Int("status", resp.StatusCode))
		}
		return statusErr
	}

	// リスナーの処理時間は無応答に数えない
	watchdog.Stop()
	onOpen()
	watchdog.Reset(c.idleTimeout)

	reader := newEventReader(&activityReader{r: resp.Body, watchdog: watchdog, timeout: c.idleTimeout})
	for {
		data, err := reader.next()
		if errors.Is(err, io.EOF) {
			return errStreamClosed
		}
		if err != nil {
			return fmt.Errorf("ストリームの受信に失敗: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		watchdog.Stop()
		c.dispatch(s, []byte(data))
		watchdog.Reset(c.idleTimeout)
	}
}

// activityReader は読み取りのたびにwatchdogを延長する。キープアライブのコメントも受信に数える。
type activityReader struct {
	r        io.Reader
	watchdog *time.Timer
	timeout  time.Duration
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.watchdog.Reset(a.timeout)
	}
	return n, err
}

// dispatch はエンベロープを解釈して種類ごとのリスナーに渡す。
// 壊れたエンベロープと未知の種類はログに残して捨てる。
func (c *Client) dispatch(s *session, raw []byte) {
	msg, err := event.Decode(raw)
	if err != nil {
		c.logger.Warn("malformed push envelope dropped", zap.Error(err), zap.ByteString("raw", truncate(raw)))
		return
	}

	// Disconnect済みのセッションはバッファに残ったイベントも配信しない
	if !c.current(s) {
		return
	}

	switch m := msg.(type) {
	case event.NotificationMessage:
		if _, dup := s.caughtUp[m.Notification.ID]; dup {
			delete(s.caughtUp, m.Notification.ID)
			return
		}
		c.deliverNotification(s, m.Notification)
	case event.ActivityMessage:
		c.activities.emit(m.Activity, c.logger)
	default:
		c.logger.Debug("unknown push envelope ignored", zap.String("type", string(msg.Kind())))
	}
}

// deliverNotification は通知リスナーを呼び、最後に見た通知の作成日時を進める。
func (c *Client) deliverNotification(s *session, n event.Notification) {
	if !c.current(s) {
		return
	}
	if n.CreatedAt.After(s.lastSeen) {
		s.lastSeen = n.CreatedAt
	}
	c.notifications.emit(n, c.logger)
}

// fetchMissed は未読通知を取得し、切断中に作られたものを古い順に配信する。
// 取得できなかった場合はログに残すだけで接続は続ける。
func (c *Client) fetchMissed(ctx context.Context, s *session) {
	cutoff := s.lastSeen
	if s.connectedAt.After(cutoff) {
		cutoff = s.connectedAt
	}

	var unread []event.Notification
	if err := c.api.GetJSON(ctx, "/api/v1/notifications/unread", &unread); err != nil {
		c.logger.Warn("push catch-up fetch failed", zap.String("user_id", s.userID), zap.Error(err))
		return
	}

	missed := make([]event.Notification, 0, len(unread))
	for _, n := range unread {
		if n.CreatedAt.After(cutoff) {
			missed = append(missed, n)
		}
	}
	slices.SortStableFunc(missed, func(a, b event.Notification) int { return a.CreatedAt.Compare(b.CreatedAt) })

	s.caughtUp = make(map[string]struct{}, len(missed))
	for _, n := range missed {
		s.caughtUp[n.ID] = struct{}{}
		c.deliverNotification(s, n)
	}
	if len(missed) > 0 {
		c.logger.Info("push catch-up delivered", zap.String("user_id", s.userID), zap.Int("count", len(missed)))
	}
}

// truncate はログに出すエンベロープを短くする。
func truncate(raw []byte) []byte {
	const limit = 256
	if len(raw) > limit {
		return raw[:limit]
	}
	return raw
}
