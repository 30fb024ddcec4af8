package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/kanban/pkg/event"
)

const (
	// DefaultRedisChannel はインスタンス間配信に使うRedisチャネル名。
	DefaultRedisChannel = "kanban:push"
	// maxResubscribeDelay は購読し直すまでの待ち時間の上限。
	maxResubscribeDelay = 30 * time.Second
)

// busMessage はRedisチャネルに流すメッセージ。
type busMessage struct {
	// UserID は宛先ユーザーID。
	UserID string `json:"user_id"`
	// Envelope はシリアライズ済みのエンベロープ。
	Envelope json.RawMessage `json:"envelope"`
}

// RedisFanout はRedis Pub/Subを介して全インスタンスのRegistryへ配信するPublisher。
// ユーザーの接続がどのインスタンスにあっても届くようにする。
// このインスタンスの購読が確立していない間は、ローカルのRegistryへ直接も配信する。
type RedisFanout struct {
	// client はRedisクライアント。
	client *redis.Client
	// channel はPub/Subチャネル名。
	channel string
	// local はこのインスタンスのRegistry。
	local *Registry
	// logger は構造化ロガー。
	logger *zap.Logger
	// subscribed はこのインスタンスの購読が確立しているかどうか。
	subscribed atomic.Bool
	// retryDelay は購読に失敗してから再試行するまでの待ち時間を返す。
	retryDelay func(attempt int) time.Duration
}

// NewRedisFanout は新しいRedisFanoutを生成する。
func NewRedisFanout(client *redis.Client, local *Registry, logger *zap.Logger) *RedisFanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFanout{
		client:     client,
		channel:    DefaultRedisChannel,
		local:      local,
		logger:     logger,
		retryDelay: resubscribeDelay,
	}
}

// resubscribeDelay は購読し直すまでの待ち時間を返す。1s, 2s, 4s, ... で上限はmaxResubscribeDelay。
func resubscribeDelay(attempt int) time.Duration {
	if attempt > 5 {
		return maxResubscribeDelay
	}
	return min(time.Duration(1<<uint(attempt))*time.Second, maxResubscribeDelay)
}

// Subscribed はこのインスタンスがRedisチャネルを購読中かどうかを返す。
func (f *RedisFanout) Subscribed() bool {
	return f.subscribed.Load()
}

// Publish はエンベロープをRedisチャネルへ発行する。
// 購読が確立していない間はこのインスタンスの接続へ直接配信してから発行する。
// Redisへの発行に失敗した場合はこのインスタンスの接続にだけ配信し、エラーを返す。
func (f *RedisFanout) Publish(ctx context.Context, userID string, kind event.Kind, payload any) error {
	raw, err := event.Encode(kind, payload)
	if err != nil {
		return fmt.Errorf("エンベロープの生成に失敗: %w", err)
	}
	f.local.metrics.Published.WithLabelValues(string(kind)).Inc()

	body, err := json.Marshal(busMessage{UserID: userID, Envelope: raw})
	if err != nil {
		return fmt.Errorf("バスメッセージのシリアライズに失敗: %w", err)
	}

	deliveredLocally := !f.subscribed.Load()
	if deliveredLocally {
		f.local.Deliver(userID, raw)
	}

	if err := f.client.Publish(ctx, f.channel, body).Err(); err != nil {
		if !deliveredLocally {
			f.local.Deliver(userID, raw)
		}
		return fmt.Errorf("Redisへの発行に失敗: %w", err)
	}
	return nil
}

// Run はRedisチャネルを購読し、届いたエンベロープをローカルのRegistryへ配信する。
// 購読できない場合や購読が切れた場合は待ち時間を伸ばしながら購読し直す。
// ctxがキャンセルされるまでブロックする。
func (f *RedisFanout) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := f.subscribe(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}

		delay := f.retryDelay(attempt)
		attempt++
		f.logger.Warn("redis fanout unsubscribed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// subscribe は1回分の購読を行う。購読が確立するとonSubscribedを呼ぶ。
func (f *RedisFanout) subscribe(ctx context.Context, onSubscribed func()) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisチャネルの購読に失敗: %w", err)
	}
	f.subscribed.Store(true)
	defer f.subscribed.Store(false)
	onSubscribed()
	f.logger.Info("redis fanout subscribed", zap.String("channel", f.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("Redisチャネルの購読が閉じられました")
			}
			f.handleMessage(msg.Payload)
		}
	}
}

// handleMessage はバスメッセージを1件処理する。不正なメッセージはログに記録して捨てる。
func (f *RedisFanout) handleMessage(payload string) int {
	var m busMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		f.logger.Warn("malformed fanout message dropped", zap.Error(err))
		return 0
	}
	if m.UserID == "" || len(m.Envelope) == 0 {
		f.logger.Warn("fanout message without user or envelope dropped")
		return 0
	}
	return f.local.Deliver(m.UserID, m.Envelope)
}
