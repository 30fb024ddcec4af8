package ingest

import (
	"slices"
	"testing"
	"time"

	"github.com/nao1215/kanban/pkg/event"
)

// TestMap はドメインイベントから通知とアクティビティへの変換を検証する。
func TestMap(t *testing.T) {
	t.Parallel()

	occurred := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	base := event.DomainEvent{
		ProjectID:    "project-1",
		ActorID:      "3",
		TaskID:       "task-1",
		TaskTitle:    "ログイン画面",
		TargetUserID: "7",
		Members:      []string{"3", "7", "8"},
		OccurredAt:   occurred,
	}

	tests := []struct {
		name             string
		typ              event.DomainType
		wantNotification event.NotificationType
		wantActivity     bool
	}{
		{name: "担当割り当て", typ: event.DomainTaskAssigned, wantNotification: event.NotificationTaskAssigned, wantActivity: true},
		{name: "担当解除", typ: event.DomainTaskUnassigned, wantNotification: event.NotificationTaskUnassigned, wantActivity: true},
		{name: "移動", typ: event.DomainTaskMoved, wantNotification: event.NotificationTaskMoved, wantActivity: true},
		{name: "更新", typ: event.DomainTaskUpdated, wantNotification: event.NotificationTaskUpdated, wantActivity: true},
		{name: "コメント", typ: event.DomainTaskCommented, wantNotification: event.NotificationTaskCommented, wantActivity: true},
		{name: "期限間近", typ: event.DomainTaskDueSoon, wantNotification: event.NotificationTaskDueSoon, wantActivity: false},
		{name: "期限切れ", typ: event.DomainTaskOverdue, wantNotification: event.NotificationTaskOverdue, wantActivity: false},
		{name: "メンバー追加", typ: event.DomainMemberAdded, wantNotification: event.NotificationMemberAdded, wantActivity: true},
		{name: "メンバー削除", typ: event.DomainMemberRemoved, wantNotification: event.NotificationMemberRemoved, wantActivity: true},
		{name: "ファイル", typ: event.DomainFileUploaded, wantNotification: event.NotificationFileUploaded, wantActivity: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ev := base
			ev.Type = tt.typ
			plan, ok := Map(ev)
			if !ok {
				t.Fatalf("Map(%s)が未知の種類として扱った", tt.typ)
			}

			if len(plan.Notifications) != 1 {
				t.Fatalf("通知数 = %d, want 1", len(plan.Notifications))
			}
			n := plan.Notifications[0]
			if n.Type != tt.wantNotification || n.UserID != "7" || n.SourceUserID != "3" {
				t.Errorf("通知 = %+v", n)
			}
			if err := n.Validate(); err != nil {
				t.Errorf("生成した通知が不正: %v", err)
			}

			if (plan.Activity != nil) != tt.wantActivity {
				t.Fatalf("Activity = %+v, wantActivity %v", plan.Activity, tt.wantActivity)
			}
			if plan.Activity != nil {
				if plan.Activity.Action != string(tt.typ) || !plan.Activity.OccurredAt.Equal(occurred) {
					t.Errorf("Activity = %+v", plan.Activity)
				}
				if err := plan.Activity.Validate(); err != nil {
					t.Errorf("生成したアクティビティが不正: %v", err)
				}
				if !slices.Equal(plan.Recipients, base.Members) {
					t.Errorf("Recipients = %v", plan.Recipients)
				}
			}
		})
	}
}

// TestMapEdgeCases は変換の境界条件を検証する。
func TestMapEdgeCases(t *testing.T) {
	t.Parallel()

	t.Run("操作者本人には通知しないこと", func(t *testing.T) {
		t.Parallel()
		plan, ok := Map(event.DomainEvent{Type: event.DomainTaskAssigned, ProjectID: "p", ActorID: "7", TargetUserID: "7"})
		if !ok {
			t.Fatal("既知の種類が未知として扱われた")
		}
		if len(plan.Notifications) != 0 {
			t.Errorf("自分自身への通知が作られた: %+v", plan.Notifications)
		}
		if plan.Activity == nil {
			t.Error("アクティビティは記録されるべき")
		}
	})

	t.Run("対象ユーザーが無ければアクティビティだけになること", func(t *testing.T) {
		t.Parallel()
		plan, _ := Map(event.DomainEvent{Type: event.DomainTaskMoved, ProjectID: "p", ActorID: "3", FromColumn: "Todo", ToColumn: "Doing"})
		if len(plan.Notifications) != 0 {
			t.Errorf("通知が作られた: %+v", plan.Notifications)
		}
		if plan.Activity.Metadata["to_column"] != "Doing" {
			t.Errorf("Metadata = %v", plan.Activity.Metadata)
		}
	})

	t.Run("期限が付加情報に入ること", func(t *testing.T) {
		t.Parallel()
		due := time.Date(2026, 10, 2, 0, 0, 0, 0, time.UTC)
		plan, _ := Map(event.DomainEvent{Type: event.DomainTaskDueSoon, ProjectID: "p", ActorID: "system", TargetUserID: "7", DueAt: &due})
		got, ok := plan.Notifications[0].Metadata["due_at"].(time.Time)
		if !ok || !got.Equal(due) {
			t.Errorf("due_at = %v, want %v", plan.Notifications[0].Metadata["due_at"], due)
		}
	})

	t.Run("未知の種類はfalseになること", func(t *testing.T) {
		t.Parallel()
		if _, ok := Map(event.DomainEvent{Type: "board.archived", ProjectID: "p", ActorID: "3"}); ok {
			t.Error("未知の種類がtrueになった")
		}
	})
}
