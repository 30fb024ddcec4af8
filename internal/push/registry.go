package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nao1215/kanban/pkg/event"
)

// DefaultQueueSize は接続ごとの送信キューの既定長。
const DefaultQueueSize = 64

var (
	// ErrRegistryClosed はシャットダウン済みのRegistryへの登録を表す。
	ErrRegistryClosed = errors.New("レジストリは停止済みです")
	// ErrEmptyUserID はユーザーIDが空であることを表す。
	ErrEmptyUserID = errors.New("ユーザーIDが空です")
)

// Publisher はユーザー宛てにエンベロープを発行する。
// 宛先ユーザーがオフラインでもエラーにはならない。
type Publisher interface {
	Publish(ctx context.Context, userID string, kind event.Kind, payload any) error
}

// Registry はユーザーIDから開いているストリーム接続への揮発的なインデックス。
// プロセス起動時にNewRegistryで生成し、終了時にCloseで破棄する。
type Registry struct {
	// mu はusersとclosedを保護する。
	mu sync.RWMutex
	// users はユーザーIDごとの接続集合。空の集合は保持しない。
	users map[string]map[string]*Conn
	// closed はClose済みかどうか。
	closed bool
	// queueSize は接続ごとの送信キュー長。
	queueSize int
	// logger は構造化ロガー。
	logger *zap.Logger
	// metrics はPrometheusメトリクス。
	metrics *Metrics
}

// Option はRegistryの設定を変更する。
type Option func(*Registry)

// WithQueueSize は接続ごとの送信キュー長を設定する。
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		users:     make(map[string]map[string]*Conn),
		queueSize: DefaultQueueSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// Register はuserIDの接続を新たに登録し、取得トークンとしてConnを返す。
// ctxがキャンセルされると（クライアントの切断など）自動的にUnregisterされる。
// 登録によってユーザーはオンラインになる。
func (r *Registry) Register(ctx context.Context, userID string) (*Conn, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}

	conn := newConn(userID, r.queueSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]*Conn)
		r.users[userID] = set
		r.metrics.OnlineUsers.Inc()
	}
	set[conn.id] = conn
	r.metrics.Connections.Inc()

	// ロック保持中に設定するので、close側の読み取りとは競合しない
	conn.stopWatch = context.AfterFunc(ctx, func() {
		r.Unregister(userID, conn)
	})

	r.logger.Debug("push connection registered",
		zap.String("user_id", userID),
		zap.String("conn_id", conn.id),
		zap.Int("user_connections", len(set)),
	)
	return conn, nil
}

// Unregister は接続を登録から外して解放する。
// 集合が空になったユーザーはオフラインになる。未登録の接続に対しては何もしない。
func (r *Registry) Unregister(userID string, conn *Conn) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		return
	}
	if _, ok := set[conn.id]; !ok {
		return
	}

	delete(set, conn.id)
	conn.close()
	r.metrics.Connections.Dec()

	if len(set) == 0 {
		delete(r.users, userID)
		r.metrics.OnlineUsers.Dec()
	}

	r.logger.Debug("push connection unregistered",
		zap.String("user_id", userID),
		zap.String("conn_id", conn.id),
		zap.Int("user_connections", len(set)),
	)
}

// Publish はペイロードをエンベロープにシリアライズし、userIDの全接続へ配信する。
// 接続が無い場合は破棄する。遅い接続でブロックすることはない。
// エラーになるのはペイロードをシリアライズできない場合のみ。
func (r *Registry) Publish(_ context.Context, userID string, kind event.Kind, payload any) error {
	raw, err := event.Encode(kind, payload)
	if err != nil {
		return fmt.Errorf("エンベロープの生成に失敗: %w", err)
	}
	r.metrics.Published.WithLabelValues(string(kind)).Inc()
	r.Deliver(userID, raw)
	return nil
}

// Deliver はシリアライズ済みのエンベロープをuserIDの全接続へ配信し、
// キューに積めた接続数を返す。
func (r *Registry) Deliver(userID string, raw []byte) int {
	conns := r.snapshot(userID)
	if len(conns) == 0 {
		return 0
	}

	delivered := 0
	for _, conn := range conns {
		if conn.enqueue(raw) {
			delivered++
			r.metrics.Delivered.Inc()
			continue
		}
		if conn.Closed() {
			continue
		}
		r.metrics.Dropped.Inc()
		r.logger.Warn("push queue full, envelope dropped",
			zap.String("user_id", userID),
			zap.String("conn_id", conn.id),
		)
	}
	return delivered
}

// snapshot はuserIDの接続一覧のコピーを返す。
func (r *Registry) snapshot(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Count はuserIDの開いている接続数を返す。
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Online はuserIDが1つ以上の接続を持つかどうかを返す。
func (r *Registry) Online(userID string) bool {
	return r.Count(userID) > 0
}

// OnlineUsers は接続を持つユーザー数を返す。
func (r *Registry) OnlineUsers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Close は全接続を解放し、以降の登録を拒否する。複数回呼んでも安全。
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for userID, set := range r.users {
		for _, conn := range set {
			conn.close()
			r.metrics.Connections.Dec()
		}
		delete(r.users, userID)
		r.metrics.OnlineUsers.Dec()
	}
	r.logger.Info("push registry closed")
}
