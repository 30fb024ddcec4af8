package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/kanban/pkg/event"
)

const (
	// DefaultListLimit は一覧取得の既定件数。
	DefaultListLimit = 50
	// MaxListLimit は一覧取得の上限件数。
	MaxListLimit = 200
)

// ErrNotFound は指定した通知が存在しないことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// Store は通知とアクティビティのSQLiteストア。
type Store struct {
	db *sqlx.DB
}

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用したStoreを返す。
// pathに":memory:"を指定するとインメモリDBになる。
func OpenStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if path == ":memory:" {
		// インメモリDBは接続ごとに別物になる
		db.SetMaxOpenConns(1)
	}

	if err := initSchema(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID           string       `db:"id"`
	UserID       string       `db:"user_id"`
	ProjectID    string       `db:"project_id"`
	TaskID       string       `db:"task_id"`
	SourceUserID string       `db:"source_user_id"`
	Type         string       `db:"type"`
	Status       string       `db:"status"`
	Title        string       `db:"title"`
	Message      string       `db:"message"`
	Metadata     string       `db:"metadata"`
	CreatedAt    time.Time    `db:"created_at"`
	ReadAt       sql.NullTime `db:"read_at"`
	ArchivedAt   sql.NullTime `db:"archived_at"`
}

func (r notificationRow) toNotification() event.Notification {
	n := event.Notification{
		ID:           r.ID,
		UserID:       r.UserID,
		ProjectID:    r.ProjectID,
		TaskID:       r.TaskID,
		SourceUserID: r.SourceUserID,
		Type:         event.NotificationType(r.Type),
		Status:       event.NotificationStatus(r.Status),
		Title:        r.Title,
		Message:      r.Message,
		Metadata:     decodeMetadata(r.Metadata),
		CreatedAt:    r.CreatedAt.UTC(),
	}
	if r.ReadAt.Valid {
		t := r.ReadAt.Time.UTC()
		n.ReadAt = &t
	}
	if r.ArchivedAt.Valid {
		t := r.ArchivedAt.Time.UTC()
		n.ArchivedAt = &t
	}
	return n
}

// activityRow はactivitiesテーブルの1行。
type activityRow struct {
	ID         string    `db:"id"`
	ProjectID  string    `db:"project_id"`
	ActorID    string    `db:"actor_id"`
	Action     string    `db:"action"`
	EntityType string    `db:"entity_type"`
	EntityID   string    `db:"entity_id"`
	Details    string    `db:"details"`
	Metadata   string    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r activityRow) toActivity() event.Activity {
	return event.Activity{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		ActorID:    r.ActorID,
		Action:     r.Action,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Details:    r.Details,
		Metadata:   decodeMetadata(r.Metadata),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

// encodeMetadata は付加情報をJSON文字列にする。nilは空オブジェクトとして保存する。
func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("メタデータのシリアライズに失敗: %w", err)
	}
	return string(b), nil
}

// decodeMetadata は保存済みの付加情報を復元する。空や壊れた値はnilとして扱う。
func decodeMetadata(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}

const notificationColumns = `id, user_id, project_id, task_id, source_user_id, type, status,
	title, message, metadata, created_at, read_at, archived_at`

// CreateNotification は通知を1件保存する。
func (s *Store) CreateNotification(ctx context.Context, n *event.Notification) error {
	metadata, err := encodeMetadata(n.Metadata)
	if err != nil {
		return err
	}
	row := notificationRow{
		ID:           n.ID,
		UserID:       n.UserID,
		ProjectID:    n.ProjectID,
		TaskID:       n.TaskID,
		SourceUserID: n.SourceUserID,
		Type:         string(n.Type),
		Status:       string(n.Status),
		Title:        n.Title,
		Message:      n.Message,
		Metadata:     metadata,
		CreatedAt:    n.CreatedAt.UTC(),
	}
	if n.ReadAt != nil {
		row.ReadAt = sql.NullTime{Time: n.ReadAt.UTC(), Valid: true}
	}
	if n.ArchivedAt != nil {
		row.ArchivedAt = sql.NullTime{Time: n.ArchivedAt.UTC(), Valid: true}
	}

	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES (:id, :user_id, :project_id, :task_id, :source_user_id, :type, :status,
			:title, :message, :metadata, :created_at, :read_at, :archived_at)`, row); err != nil {
		return fmt.Errorf("通知の保存に失敗: %w", err)
	}
	return nil
}

// GetNotification はIDで通知を取得する。存在しない場合はErrNotFoundを返す。
func (s *Store) GetNotification(ctx context.Context, id string) (*event.Notification, error) {
	var row notificationRow
	err := s.db.GetContext(ctx, &row, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	n := row.toNotification()
	return &n, nil
}

// ListNotifications はユーザーの通知を新しい順に返す。
// statusが空の場合はアーカイブ済みを除いた通知を返す。
func (s *Store) ListNotifications(ctx context.Context, userID string, status event.NotificationStatus, limit int) ([]event.Notification, error) {
	limit = clampLimit(limit)

	var rows []notificationRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+notificationColumns+` FROM notifications
			WHERE user_id = ? AND status != 'archived'
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?`, userID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+notificationColumns+` FROM notifications
			WHERE user_id = ? AND status = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?`, userID, string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}

	notifications := make([]event.Notification, 0, len(rows))
	for _, r := range rows {
		notifications = append(notifications, r.toNotification())
	}
	return notifications, nil
}

// CountUnread はユーザーの未読通知数を返す。
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND status = 'unread'`, userID); err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// MarkRead は未読の通知を既読にする。既読やアーカイブ済みの通知は変更しない。
func (s *Store) MarkRead(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'read', read_at = ?
		WHERE id = ? AND status = 'unread'`, at.UTC(), id); err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	return nil
}

// MarkAllRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'read', read_at = ?
		WHERE user_id = ? AND status = 'unread'`, at.UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Archive は通知をアーカイブする。未読からアーカイブした場合は既読日時も記録する。
func (s *Store) Archive(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'archived', archived_at = ?, read_at = COALESCE(read_at, ?)
		WHERE id = ? AND status != 'archived'`, at, at, id); err != nil {
		return fmt.Errorf("通知のアーカイブに失敗: %w", err)
	}
	return nil
}

// CreateActivity はアクティビティを1件追記する。
func (s *Store) CreateActivity(ctx context.Context, a *event.Activity) error {
	metadata, err := encodeMetadata(a.Metadata)
	if err != nil {
		return err
	}
	row := activityRow{
		ID:         a.ID,
		ProjectID:  a.ProjectID,
		ActorID:    a.ActorID,
		Action:     a.Action,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		Details:    a.Details,
		Metadata:   metadata,
		CreatedAt:  a.CreatedAt.UTC(),
	}
	if _, err := s.db.NamedExecContext(ctx, `
		INSERT INTO activities (id, project_id, actor_id, action, entity_type, entity_id, details, metadata, created_at)
		VALUES (:id, :project_id, :actor_id, :action, :entity_type, :entity_id, :details, :metadata, :created_at)`, row); err != nil {
		return fmt.Errorf("アクティビティの保存に失敗: %w", err)
	}
	return nil
}

// ListActivities はプロジェクトのアクティビティを新しい順に返す。
func (s *Store) ListActivities(ctx context.Context, projectID string, limit int) ([]event.Activity, error) {
	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, project_id, actor_id, action, entity_type, entity_id, details, metadata, created_at
		FROM activities
		WHERE project_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, projectID, clampLimit(limit)); err != nil {
		return nil, fmt.Errorf("アクティビティ一覧の取得に失敗: %w", err)
	}

	activities := make([]event.Activity, 0, len(rows))
	for _, r := range rows {
		activities = append(activities, r.toActivity())
	}
	return activities, nil
}

// clampLimit は一覧取得件数を既定値と上限の範囲に収める。
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
