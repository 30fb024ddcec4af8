package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nao1215/kanban/internal/push"
	"github.com/nao1215/kanban/pkg/event"
)

// ErrInvalidInput は通知やアクティビティの入力値が不正であることを表す。
var ErrInvalidInput = errors.New("入力値が不正です")

// NewNotification は通知の作成内容。
type NewNotification struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// ProjectID は関連するプロジェクトのID。
	ProjectID string `json:"project_id,omitempty"`
	// TaskID は関連するタスクのID。
	TaskID string `json:"task_id,omitempty"`
	// SourceUserID は操作を行ったユーザーのID。
	SourceUserID string `json:"source_user_id,omitempty"`
	// Type は通知の種類。
	Type event.NotificationType `json:"type"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message,omitempty"`
	// Metadata は付加情報。
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate は作成内容を検証する。
func (n NewNotification) Validate() error {
	switch {
	case n.UserID == "":
		return fmt.Errorf("%w: user_idが空です", ErrInvalidInput)
	case !n.Type.Valid():
		return fmt.Errorf("%w: 未知の通知種別です: %q", ErrInvalidInput, n.Type)
	case n.Title == "":
		return fmt.Errorf("%w: titleが空です", ErrInvalidInput)
	}
	return nil
}

// NewActivity はアクティビティの作成内容。
type NewActivity struct {
	// ProjectID は所属プロジェクトのID。
	ProjectID string `json:"project_id"`
	// ActorID は操作を行ったユーザーのID。
	ActorID string `json:"actor_id"`
	// Action は操作の種類。
	Action string `json:"action"`
	// EntityType は操作対象の種類。
	EntityType string `json:"entity_type"`
	// EntityID は操作対象の識別子。
	EntityID string `json:"entity_id,omitempty"`
	// Details は説明文。
	Details string `json:"details,omitempty"`
	// Metadata は付加情報。
	Metadata map[string]any `json:"metadata,omitempty"`
	// OccurredAt は操作日時。ゼロ値の場合は記録時刻を使う。
	OccurredAt time.Time `json:"occurred_at,omitzero"`
}

// Validate は作成内容を検証する。
func (a NewActivity) Validate() error {
	switch {
	case a.ProjectID == "":
		return fmt.Errorf("%w: project_idが空です", ErrInvalidInput)
	case a.ActorID == "":
		return fmt.Errorf("%w: actor_idが空です", ErrInvalidInput)
	case a.Action == "":
		return fmt.Errorf("%w: actionが空です", ErrInvalidInput)
	case a.EntityType == "":
		return fmt.Errorf("%w: entity_typeが空です", ErrInvalidInput)
	}
	return nil
}

// Service は通知とアクティビティを保存してからストリームへ発行するイベントソース。
// 保存に失敗したものは発行しない。発行の失敗はログに残すだけで呼び出し元には返さない。
type Service struct {
	store     *Store
	publisher push.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, publisher push.Publisher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateNotification は通知を保存し、宛先ユーザーへ"notification"として発行する。
func (s *Service) CreateNotification(ctx context.Context, in NewNotification) (*event.Notification, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	n := &event.Notification{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		ProjectID:    in.ProjectID,
		TaskID:       in.TaskID,
		SourceUserID: in.SourceUserID,
		Type:         in.Type,
		Status:       event.StatusUnread,
		Title:        in.Title,
		Message:      in.Message,
		Metadata:     in.Metadata,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}

	if err := s.publisher.Publish(ctx, n.UserID, event.KindNotification, n); err != nil {
		s.logger.Warn("notification publish failed",
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
			zap.Error(err),
		)
	}
	return n, nil
}

// RecordActivity はアクティビティを追記し、recipientsの各ユーザーへ"activity"として発行する。
// 操作者本人と重複した宛先には発行しない。
func (s *Service) RecordActivity(ctx context.Context, in NewActivity, recipients []string) (*event.Activity, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	createdAt := in.OccurredAt.UTC()
	if in.OccurredAt.IsZero() {
		createdAt = s.now()
	}
	a := &event.Activity{
		ID:         uuid.New().String(),
		ProjectID:  in.ProjectID,
		ActorID:    in.ActorID,
		Action:     in.Action,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Details:    in.Details,
		Metadata:   in.Metadata,
		CreatedAt:  createdAt,
	}
	if err := s.store.CreateActivity(ctx, a); err != nil {
		return nil, err
	}

	for _, userID := range audience(recipients, a.ActorID) {
		if err := s.publisher.Publish(ctx, userID, event.KindActivity, a); err != nil {
			s.logger.Warn("activity publish failed",
				zap.String("activity_id", a.ID),
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}
	return a, nil
}

// audience は宛先から空文字列、重複、操作者本人を除いて順序を保ったまま返す。
func audience(recipients []string, actorID string) []string {
	seen := make(map[string]struct{}, len(recipients))
	out := make([]string, 0, len(recipients))
	for _, id := range recipients {
		if id == "" || id == actorID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// MarkRead はuserIDが所有する通知を既読にして最新の状態を返す。
// 存在しない場合はErrNotFound、他のユーザーの通知の場合はErrForbiddenを返す。
func (s *Service) MarkRead(ctx context.Context, userID, id string) (*event.Notification, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	if err := s.store.MarkRead(ctx, id, s.now()); err != nil {
		return nil, err
	}
	return s.store.GetNotification(ctx, id)
}

// Archive はuserIDが所有する通知をアーカイブして最新の状態を返す。
func (s *Service) Archive(ctx context.Context, userID, id string) (*event.Notification, error) {
	if _, err := s.owned(ctx, userID, id); err != nil {
		return nil, err
	}
	if err := s.store.Archive(ctx, id, s.now()); err != nil {
		return nil, err
	}
	return s.store.GetNotification(ctx, id)
}

// MarkAllRead はuserIDの未読通知をすべて既読にして更新件数を返す。
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllRead(ctx, userID, s.now())
}

// ErrForbidden は他のユーザーの通知を操作しようとしたことを表す。
var ErrForbidden = errors.New("この通知を操作する権限がありません")

// owned は通知を取得し、所有者がuserIDであることを確認する。
func (s *Service) owned(ctx context.Context, userID, id string) (*event.Notification, error) {
	n, err := s.store.GetNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.UserID != userID {
		return nil, ErrForbidden
	}
	return n, nil
}
