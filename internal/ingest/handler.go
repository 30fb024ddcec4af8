package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/kanban/internal/notification"
	"github.com/nao1215/kanban/pkg/event"
)

// ErrMalformed は再配送しても処理できないメッセージを表す。
var ErrMalformed = errors.New("ドメインイベントの形式が不正です")

// Sink は変換した通知とアクティビティの取り込み先。
// notification.Serviceが実装する。
type Sink interface {
	CreateNotification(ctx context.Context, in notification.NewNotification) (*event.Notification, error)
	RecordActivity(ctx context.Context, in notification.NewActivity, recipients []string) (*event.Activity, error)
}

// Handler はドメインイベントを1件ずつ取り込む。
type Handler struct {
	sink   Sink
	logger *zap.Logger
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(sink Sink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sink: sink, logger: logger}
}

// Handle はメッセージ本文をドメインイベントとして解釈し、通知とアクティビティを作る。
// 本文が壊れている場合はErrMalformedを返す。未知の種類は無視してnilを返す。
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	ev, err := event.DecodeData[event.DomainEvent](body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if ev.Type == "" || ev.ProjectID == "" || ev.ActorID == "" {
		return fmt.Errorf("%w: type, project_id, actor_idは必須です", ErrMalformed)
	}

	plan, ok := Map(*ev)
	if !ok {
		h.logger.Info("unknown domain event ignored", zap.String("type", string(ev.Type)))
		return nil
	}

	if plan.Activity != nil {
		if _, err := h.sink.RecordActivity(ctx, *plan.Activity, plan.Recipients); err != nil {
			if errors.Is(err, notification.ErrInvalidInput) {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return fmt.Errorf("アクティビティの記録に失敗: %w", err)
		}
	}
	for _, n := range plan.Notifications {
		if _, err := h.sink.CreateNotification(ctx, n); err != nil {
			if errors.Is(err, notification.ErrInvalidInput) {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			return fmt.Errorf("通知の作成に失敗: %w", err)
		}
	}

	h.logger.Debug("domain event ingested",
		zap.String("type", string(ev.Type)),
		zap.String("project_id", ev.ProjectID),
		zap.Int("notifications", len(plan.Notifications)),
	)
	return nil
}
