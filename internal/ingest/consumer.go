package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/nao1215/kanban/internal/config"
)

const (
	// consumerTag はブローカー上でこのコンシューマを識別するタグ。
	consumerTag = "notification-ingest"
	// prefetchCount は未ackで受け取る最大メッセージ数。
	prefetchCount = 16
	// maxReconnectDelay は再接続待ちの上限。
	maxReconnectDelay = 30 * time.Second
)

// Consumer はRabbitMQのキューからドメインイベントを受信してHandlerに渡す。
// 処理に成功したらack、形式不正はnack（再キューなし）、それ以外の失敗はnack（再キューあり）にする。
// panicは初回だけ再キューし、再配送でもpanicした場合は再キューせずに捨てる。
type Consumer struct {
	cfg     config.MQConfig
	handler *Handler
	logger  *zap.Logger
}

// NewConsumer は新しいConsumerを生成する。接続はRunで行う。
func NewConsumer(cfg config.MQConfig, handler *Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{cfg: cfg, handler: handler, logger: logger}
}

// Run はctxがキャンセルされるまでキューを購読する。
// 接続が切れた場合は待ち時間を伸ばしながら再接続する。
func (c *Consumer) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := reconnectDelay(attempt)
		c.logger.Warn("mq consumer disconnected, reconnecting",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
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

// reconnectDelay は再接続の待ち時間を返す。1s, 2s, 4s, ... で上限はmaxReconnectDelay。
func reconnectDelay(attempt int) time.Duration {
	if attempt > 5 {
		return maxReconnectDelay
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	return min(d, maxReconnectDelay)
}

// consume は1回分の接続でキューを購読する。接続が切れるとエラーを返す。
func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("RabbitMQへの接続に失敗: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("チャネルの作成に失敗: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := c.declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		return fmt.Errorf("QoSの設定に失敗: %w", err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("コンシューマの登録に失敗: %w", err)
	}

	c.logger.Info("mq consumer started",
		zap.String("exchange", c.cfg.Exchange),
		zap.String("queue", c.cfg.Queue),
		zap.Strings("routing_keys", c.cfg.RoutingKeys),
	)

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("RabbitMQとの接続が閉じられました")
			}
			return fmt.Errorf("RabbitMQとの接続が切れました: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("配送チャネルが閉じられました")
			}
			c.process(ctx, d)
		}
	}
}

// declare はトピックエクスチェンジとキューを宣言してバインドする。
func (c *Consumer) declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("エクスチェンジの宣言に失敗: %w", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("キューの宣言に失敗: %w", err)
	}
	for _, key := range c.cfg.RoutingKeys {
		if err := ch.QueueBind(q.Name, key, c.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("キューのバインドに失敗 (%s): %w", key, err)
		}
	}
	return nil
}

// Outcome は1件の配送の処理結果。
type Outcome int

const (
	// OutcomeAck は処理済みとしてackした。
	OutcomeAck Outcome = iota
	// OutcomeReject は形式不正として再キューせずにnackした。
	OutcomeReject
	// OutcomeRequeue は一時的な失敗として再キューつきでnackした。
	OutcomeRequeue
)

// process は1件の配送を処理してack/nackする。Handlerのpanicはここで回収する。
func (c *Consumer) process(ctx context.Context, d amqp.Delivery) (outcome Outcome) {
	log := c.logger.With(
		zap.String("routing_key", d.RoutingKey),
		zap.Uint64("delivery_tag", d.DeliveryTag),
	)

	defer func() {
		if r := recover(); r != nil {
			// 再配送でもpanicしたメッセージは毒メッセージとして捨てる
			requeue := !d.Redelivered
			log.Error("ingest handler panic recovered",
				zap.Any("panic", r),
				zap.Bool("redelivered", d.Redelivered),
				zap.Bool("requeue", requeue),
			)
			outcome = OutcomeRequeue
			if !requeue {
				outcome = OutcomeReject
			}
			if err := d.Nack(false, requeue); err != nil {
				log.Error("failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	err := c.handler.Handle(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("failed to ack message", zap.Error(ackErr))
		}
		return OutcomeAck
	case errors.Is(err, ErrMalformed):
		log.Warn("malformed domain event rejected", zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("failed to nack message", zap.Error(nackErr))
		}
		return OutcomeReject
	default:
		log.Error("domain event ingest failed, requeueing", zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("failed to nack message", zap.Error(nackErr))
		}
		return OutcomeRequeue
	}
}
