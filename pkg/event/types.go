package event

import "time"

// NotificationType は通知の種類を表す。値の集合は閉じており、未知の値は受け付けない。
type NotificationType string

const (
	// NotificationTaskAssigned はタスクに担当者として割り当てられたことを表す。
	NotificationTaskAssigned NotificationType = "task_assigned"
	// NotificationTaskUnassigned はタスクの担当から外されたことを表す。
	NotificationTaskUnassigned NotificationType = "task_unassigned"
	// NotificationTaskMoved は担当タスクが別のカラムへ移動したことを表す。
	NotificationTaskMoved NotificationType = "task_moved"
	// NotificationTaskUpdated は担当タスクの内容が更新されたことを表す。
	NotificationTaskUpdated NotificationType = "task_updated"
	// NotificationTaskCommented は担当タスクにコメントが付いたことを表す。
	NotificationTaskCommented NotificationType = "task_commented"
	// NotificationMemberAdded はプロジェクトのメンバーに追加されたことを表す。
	NotificationMemberAdded NotificationType = "member_added"
	// NotificationMemberRemoved はプロジェクトのメンバーから外されたことを表す。
	NotificationMemberRemoved NotificationType = "member_removed"
	// NotificationFileUploaded は担当タスクにファイルがアップロードされたことを表す。
	NotificationFileUploaded NotificationType = "file_uploaded"
	// NotificationTaskDueSoon は担当タスクの期限が近いことを表す。
	NotificationTaskDueSoon NotificationType = "task_due_soon"
	// NotificationTaskOverdue は担当タスクの期限が過ぎたことを表す。
	NotificationTaskOverdue NotificationType = "task_overdue"
)

// notificationTypes は有効な通知種別の集合。
var notificationTypes = map[NotificationType]struct{}{
	NotificationTaskAssigned:   {},
	NotificationTaskUnassigned: {},
	NotificationTaskMoved:      {},
	NotificationTaskUpdated:    {},
	NotificationTaskCommented:  {},
	NotificationMemberAdded:    {},
	NotificationMemberRemoved:  {},
	NotificationFileUploaded:   {},
	NotificationTaskDueSoon:    {},
	NotificationTaskOverdue:    {},
}

// Valid は通知種別が既知の値かどうかを返す。
func (t NotificationType) Valid() bool {
	_, ok := notificationTypes[t]
	return ok
}

// NotificationStatus は通知の状態を表す。
// unread → read → archived の順にのみ遷移する。
type NotificationStatus string

const (
	// StatusUnread は未読。
	StatusUnread NotificationStatus = "unread"
	// StatusRead は既読。
	StatusRead NotificationStatus = "read"
	// StatusArchived はアーカイブ済み。
	StatusArchived NotificationStatus = "archived"
)

// Valid は通知状態が既知の値かどうかを返す。
func (s NotificationStatus) Valid() bool {
	switch s {
	case StatusUnread, StatusRead, StatusArchived:
		return true
	default:
		return false
	}
}

// Notification は1人のユーザーに宛てた通知を表す。
// ストリームで配信されるペイロードとREST APIのレスポンスの両方で使用する。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// ProjectID は関連するプロジェクトのID。
	ProjectID string `json:"project_id,omitempty"`
	// TaskID は関連するタスクのID。
	TaskID string `json:"task_id,omitempty"`
	// SourceUserID は通知の原因となった操作を行ったユーザーのID。
	SourceUserID string `json:"source_user_id,omitempty"`
	// Type は通知の種類。
	Type NotificationType `json:"notification_type"`
	// Status は通知の状態。
	Status NotificationStatus `json:"status"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Metadata は表示用の任意の付加情報。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
	// ReadAt は既読になった日時。
	ReadAt *time.Time `json:"read_at,omitempty"`
	// ArchivedAt はアーカイブされた日時。
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Activity はプロジェクト内で行われた操作の記録を表す。追記のみで更新されない。
type Activity struct {
	// ID はアクティビティの一意識別子（UUID）。
	ID string `json:"id"`
	// ProjectID はアクティビティが属するプロジェクトのID。
	ProjectID string `json:"project_id"`
	// ActorID は操作を行ったユーザーのID。
	ActorID string `json:"actor_id"`
	// Action は操作の種類（例: "task.moved"）。
	Action string `json:"action"`
	// EntityType は操作対象の種類（例: "task"）。
	EntityType string `json:"entity_type"`
	// EntityID は操作対象の識別子。
	EntityID string `json:"entity_id,omitempty"`
	// Details は人が読むための説明文。
	Details string `json:"details,omitempty"`
	// Metadata は表示用の任意の付加情報。
	Metadata map[string]any `json:"metadata,omitempty"`
	// CreatedAt は操作が行われた日時。
	CreatedAt time.Time `json:"created_at"`
}

// DomainType はボードサービスから届くドメインイベントの種類を表す。
// RabbitMQのルーティングキーと同じ値を使う。
type DomainType string

const (
	// DomainTaskAssigned はタスクに担当者が割り当てられたことを表す。
	DomainTaskAssigned DomainType = "task.assigned"
	// DomainTaskUnassigned はタスクの担当者が外れたことを表す。
	DomainTaskUnassigned DomainType = "task.unassigned"
	// DomainTaskMoved はタスクがカラム間を移動したことを表す。
	DomainTaskMoved DomainType = "task.moved"
	// DomainTaskUpdated はタスクが更新されたことを表す。
	DomainTaskUpdated DomainType = "task.updated"
	// DomainTaskCommented はタスクにコメントが付いたことを表す。
	DomainTaskCommented DomainType = "task.commented"
	// DomainTaskDueSoon はタスクの期限が近づいたことを表す。
	DomainTaskDueSoon DomainType = "task.due_soon"
	// DomainTaskOverdue はタスクの期限が過ぎたことを表す。
	DomainTaskOverdue DomainType = "task.overdue"
	// DomainMemberAdded はプロジェクトにメンバーが追加されたことを表す。
	DomainMemberAdded DomainType = "project.member_added"
	// DomainMemberRemoved はプロジェクトからメンバーが外れたことを表す。
	DomainMemberRemoved DomainType = "project.member_removed"
	// DomainFileUploaded はタスクにファイルがアップロードされたことを表す。
	DomainFileUploaded DomainType = "project.file_uploaded"
)

// DomainEvent はボードサービスがブローカーに発行する状態変更イベント。
type DomainEvent struct {
	// Type はイベントの種類。
	Type DomainType `json:"type"`
	// ProjectID は対象プロジェクトのID。
	ProjectID string `json:"project_id"`
	// ActorID は操作を行ったユーザーのID。
	ActorID string `json:"actor_id"`
	// TaskID は対象タスクのID。
	TaskID string `json:"task_id,omitempty"`
	// TaskTitle は対象タスクのタイトル。
	TaskTitle string `json:"task_title,omitempty"`
	// TargetUserID は通知を受け取るユーザー（担当者や追加されたメンバー）のID。
	TargetUserID string `json:"target_user_id,omitempty"`
	// Members はアクティビティを配信するプロジェクトメンバーのID一覧。
	Members []string `json:"members,omitempty"`
	// FromColumn は移動元カラム名。
	FromColumn string `json:"from_column,omitempty"`
	// ToColumn は移動先カラム名。
	ToColumn string `json:"to_column,omitempty"`
	// FileName はアップロードされたファイル名。
	FileName string `json:"file_name,omitempty"`
	// DueAt はタスクの期限。
	DueAt *time.Time `json:"due_at,omitempty"`
	// OccurredAt はイベントの発生日時。
	OccurredAt time.Time `json:"occurred_at"`
}
