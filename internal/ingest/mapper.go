package ingest

import (
	"fmt"

	"github.com/nao1215/kanban/internal/notification"
	"github.com/nao1215/kanban/pkg/event"
)

// Plan は1件のドメインイベントから作る通知とアクティビティ。
type Plan struct {
	// Activity はプロジェクトに記録するアクティビティ。記録しない場合はnil。
	Activity *notification.NewActivity
	// Recipients はアクティビティを配信するユーザーID一覧。
	Recipients []string
	// Notifications は作成する通知。
	Notifications []notification.NewNotification
}

// Map はドメインイベントを取り込み内容に変換する。
// 未知の種類の場合はfalseを返す。操作者本人には通知を作らない。
func Map(ev event.DomainEvent) (Plan, bool) {
	var plan Plan

	switch ev.Type {
	case event.DomainTaskAssigned:
		plan.Activity = taskActivity(ev, fmt.Sprintf("「%s」の担当者を設定しました", ev.TaskTitle))
		plan.addNotification(ev, event.NotificationTaskAssigned,
			"タスクが割り当てられました", fmt.Sprintf("「%s」の担当者になりました", ev.TaskTitle))
	case event.DomainTaskUnassigned:
		plan.Activity = taskActivity(ev, fmt.Sprintf("「%s」の担当者を外しました", ev.TaskTitle))
		plan.addNotification(ev, event.NotificationTaskUnassigned,
			"タスクの担当から外れました", fmt.Sprintf("「%s」の担当ではなくなりました", ev.TaskTitle))
	case event.DomainTaskMoved:
		plan.Activity = taskActivity(ev, fmt.Sprintf("「%s」を%sから%sへ移動しました", ev.TaskTitle, ev.FromColumn, ev.ToColumn))
		plan.Activity.Metadata = map[string]any{"from_column": ev.FromColumn, "to_column": ev.ToColumn}
		plan.addNotification(ev, event.NotificationTaskMoved,
			"タスクが移動しました", fmt.Sprintf("「%s」が%sへ移動しました", ev.TaskTitle, ev.ToColumn))
	case event.DomainTaskUpdated:
		plan.Activity = taskActivity(ev, fmt.Sprintf("「%s」を更新しました", ev.TaskTitle))
		plan.addNotification(ev, event.NotificationTaskUpdated,
			"タスクが更新されました", fmt.Sprintf("「%s」が更新されました", ev.TaskTitle))
	case event.DomainTaskCommented:
		plan.Activity = taskActivity(ev, fmt.Sprintf("「%s」にコメントしました", ev.TaskTitle))
		plan.addNotification(ev, event.NotificationTaskCommented,
			"コメントが追加されました", fmt.Sprintf("「%s」に新しいコメントがあります", ev.TaskTitle))
	case event.DomainTaskDueSoon:
		plan.addNotification(ev, event.NotificationTaskDueSoon,
			"期限が近づいています", fmt.Sprintf("「%s」の期限が近づいています", ev.TaskTitle))
	case event.DomainTaskOverdue:
		plan.addNotification(ev, event.NotificationTaskOverdue,
			"期限を過ぎています", fmt.Sprintf("「%s」の期限を過ぎています", ev.TaskTitle))
	case event.DomainMemberAdded:
		plan.Activity = memberActivity(ev, "メンバーを追加しました")
		plan.addNotification(ev, event.NotificationMemberAdded,
			"プロジェクトに追加されました", "プロジェクトのメンバーになりました")
	case event.DomainMemberRemoved:
		plan.Activity = memberActivity(ev, "メンバーを削除しました")
		plan.addNotification(ev, event.NotificationMemberRemoved,
			"プロジェクトから外れました", "プロジェクトのメンバーではなくなりました")
	case event.DomainFileUploaded:
		plan.Activity = taskActivity(ev, fmt.Sprintf("「%s」に%sをアップロードしました", ev.TaskTitle, ev.FileName))
		plan.Activity.Metadata = map[string]any{"file_name": ev.FileName}
		plan.addNotification(ev, event.NotificationFileUploaded,
			"ファイルがアップロードされました", fmt.Sprintf("「%s」に%sが追加されました", ev.TaskTitle, ev.FileName))
	default:
		return Plan{}, false
	}

	if plan.Activity != nil {
		plan.Recipients = ev.Members
	}
	return plan, true
}

// addNotification は対象ユーザーへの通知を追加する。対象が空か操作者本人なら何もしない。
func (p *Plan) addNotification(ev event.DomainEvent, typ event.NotificationType, title, message string) {
	if ev.TargetUserID == "" || ev.TargetUserID == ev.ActorID {
		return
	}

	var metadata map[string]any
	if ev.DueAt != nil {
		metadata = map[string]any{"due_at": ev.DueAt.UTC()}
	}
	p.Notifications = append(p.Notifications, notification.NewNotification{
		UserID:       ev.TargetUserID,
		ProjectID:    ev.ProjectID,
		TaskID:       ev.TaskID,
		SourceUserID: ev.ActorID,
		Type:         typ,
		Title:        title,
		Message:      message,
		Metadata:     metadata,
	})
}

// taskActivity はタスクに対する操作のアクティビティを作る。
func taskActivity(ev event.DomainEvent, details string) *notification.NewActivity {
	return &notification.NewActivity{
		ProjectID:  ev.ProjectID,
		ActorID:    ev.ActorID,
		Action:     string(ev.Type),
		EntityType: "task",
		EntityID:   ev.TaskID,
		Details:    details,
		OccurredAt: ev.OccurredAt,
	}
}

// memberActivity はプロジェクトメンバーに対する操作のアクティビティを作る。
func memberActivity(ev event.DomainEvent, details string) *notification.NewActivity {
	return &notification.NewActivity{
		ProjectID:  ev.ProjectID,
		ActorID:    ev.ActorID,
		Action:     string(ev.Type),
		EntityType: "member",
		EntityID:   ev.TargetUserID,
		Details:    details,
		OccurredAt: ev.OccurredAt,
	}
}
