package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// TestEncode はエンベロープのシリアライズを検証する。
func TestEncode(t *testing.T) {
	t.Parallel()

	t.Run("通知のフィールドがtypeと同じ階層に展開されること", func(t *testing.T) {
		t.Parallel()

		raw, err := Encode(KindNotification, Notification{ID: "42", UserID: "7", Title: "X"})
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}

		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("JSONのデコードに失敗: %v", err)
		}
		if m["type"] != "notification" {
			t.Errorf("type = %v, want notification", m["type"])
		}
		if m["id"] != "42" {
			t.Errorf("id = %v, want 42", m["id"])
		}
		if m["title"] != "X" {
			t.Errorf("title = %v, want X", m["title"])
		}
	})

	t.Run("mapのペイロードもシリアライズできること", func(t *testing.T) {
		t.Parallel()

		raw, err := Encode("board_refresh", map[string]any{"board_id": "b-1"})
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("JSONのデコードに失敗: %v", err)
		}
		if m["type"] != "board_refresh" || m["board_id"] != "b-1" {
			t.Errorf("エンベロープ = %v", m)
		}
	})

	t.Run("ペイロード内のtypeはエンベロープの種類で上書きされること", func(t *testing.T) {
		t.Parallel()

		raw, err := Encode(KindActivity, map[string]any{"type": "spoofed"})
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		if msg.Kind() != KindActivity {
			t.Errorf("Kind() = %q, want %q", msg.Kind(), KindActivity)
		}
	})

	t.Run("nilペイロードはtypeのみのエンベロープになること", func(t *testing.T) {
		t.Parallel()

		raw, err := Encode("ping", nil)
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}
		if string(raw) != `{"type":"ping"}` {
			t.Errorf("エンベロープ = %s", raw)
		}
	})

	t.Run("オブジェクト以外のペイロードはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Encode(KindNotification, []string{"a"})
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("err = %v, want ErrMalformedEnvelope", err)
		}
	})

	t.Run("種類が空の場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Encode("", map[string]any{})
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("err = %v, want ErrMalformedEnvelope", err)
		}
	})
}

// TestDecode はエンベロープのデシリアライズを検証する。
func TestDecode(t *testing.T) {
	t.Parallel()

	t.Run("通知エンベロープはNotificationMessageになること", func(t *testing.T) {
		t.Parallel()

		created := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
		raw, err := Encode(KindNotification, Notification{
			ID:        "n-1",
			UserID:    "user-1",
			Type:      NotificationTaskMoved,
			Status:    StatusUnread,
			Title:     "移動",
			Metadata:  map[string]any{"to_column": "Done"},
			CreatedAt: created,
		})
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}

		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}

		nm, ok := msg.(NotificationMessage)
		if !ok {
			t.Fatalf("Decode()の型 = %T, want NotificationMessage", msg)
		}
		n := nm.Notification
		if n.ID != "n-1" || n.UserID != "user-1" {
			t.Errorf("ID/UserID = %q/%q", n.ID, n.UserID)
		}
		if n.Type != NotificationTaskMoved {
			t.Errorf("Type = %q, want %q", n.Type, NotificationTaskMoved)
		}
		if n.Metadata["to_column"] != "Done" {
			t.Errorf("Metadata = %v", n.Metadata)
		}
		if !n.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", n.CreatedAt, created)
		}
	})

	t.Run("アクティビティエンベロープはActivityMessageになること", func(t *testing.T) {
		t.Parallel()

		raw, err := Encode(KindActivity, Activity{ID: "a-1", ProjectID: "p-1", Action: "task.moved"})
		if err != nil {
			t.Fatalf("Encode()でエラーが発生: %v", err)
		}

		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		am, ok := msg.(ActivityMessage)
		if !ok {
			t.Fatalf("Decode()の型 = %T, want ActivityMessage", msg)
		}
		if am.Activity.ProjectID != "p-1" {
			t.Errorf("ProjectID = %q, want p-1", am.Activity.ProjectID)
		}
	})

	t.Run("未知の種類はOtherMessageになること", func(t *testing.T) {
		t.Parallel()

		msg, err := Decode([]byte(`{"type":"presence","user_id":"u"}`))
		if err != nil {
			t.Fatalf("Decode()でエラーが発生: %v", err)
		}
		om, ok := msg.(OtherMessage)
		if !ok {
			t.Fatalf("Decode()の型 = %T, want OtherMessage", msg)
		}
		if om.Kind() != "presence" {
			t.Errorf("Kind() = %q, want presence", om.Kind())
		}
	})

	tests := []struct {
		name string
		raw  string
	}{
		{name: "JSONでない入力はエラーになること", raw: `not json`},
		{name: "typeが無い入力はエラーになること", raw: `{"id":"1"}`},
		{name: "配列の入力はエラーになること", raw: `[1,2]`},
		{name: "通知フィールドの型が不正な場合はエラーになること", raw: `{"type":"notification","created_at":123}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode([]byte(tt.raw)); !errors.Is(err, ErrMalformedEnvelope) {
				t.Errorf("err = %v, want ErrMalformedEnvelope", err)
			}
		})
	}
}
