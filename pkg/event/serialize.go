package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind はプッシュ配信されるエンベロープの種類を表す。
type Kind string

const (
	// KindNotification は通知エンベロープ。
	KindNotification Kind = "notification"
	// KindActivity はアクティビティエンベロープ。
	KindActivity Kind = "activity"
)

// ErrMalformedEnvelope はエンベロープの形式が不正であることを表す。
var ErrMalformedEnvelope = errors.New("エンベロープの形式が不正です")

// Message はデコード済みエンベロープを表すタグ付きユニオン。
// 実装は NotificationMessage、ActivityMessage、OtherMessage のみ。
type Message interface {
	// Kind はエンベロープの種類を返す。
	Kind() Kind
	isMessage()
}

// NotificationMessage は通知エンベロープ。
type NotificationMessage struct {
	Notification Notification
}

// Kind はKindNotificationを返す。
func (NotificationMessage) Kind() Kind { return KindNotification }
func (NotificationMessage) isMessage() {}

// ActivityMessage はアクティビティエンベロープ。
type ActivityMessage struct {
	Activity Activity
}

// Kind はKindActivityを返す。
func (ActivityMessage) Kind() Kind { return KindActivity }
func (ActivityMessage) isMessage() {}

// OtherMessage は未知の種類のエンベロープ。受信側は無視してよい。
type OtherMessage struct {
	// Type はエンベロープに記載された種類。
	Type Kind
	// Raw はエンベロープ全体のJSON。
	Raw json.RawMessage
}

// Kind はエンベロープに記載された種類を返す。
func (m OtherMessage) Kind() Kind { return m.Type }
func (OtherMessage) isMessage()   {}

// Encode はペイロードを {"type": kind, ...payload} 形式のエンベロープにシリアライズする。
// ペイロードはJSONオブジェクトにシリアライズできる値でなければならない。
func Encode(kind Kind, payload any) ([]byte, error) {
	if kind == "" {
		return nil, fmt.Errorf("%w: 種類が空です", ErrMalformedEnvelope)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}

	fields := map[string]json.RawMessage{}
	if !bytes.Equal(body, []byte("null")) {
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("%w: ペイロードがJSONオブジェクトではありません", ErrMalformedEnvelope)
		}
	}

	typeField, err := json.Marshal(kind)
	if err != nil {
		return nil, fmt.Errorf("種類のシリアライズに失敗: %w", err)
	}
	fields["type"] = typeField

	return json.Marshal(fields)
}

// Decode はエンベロープを一度だけ解析し、種類に応じたMessageを返す。
// 未知の種類はOtherMessageとして返し、エラーにはしない。
func Decode(raw []byte) (Message, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: typeがありません", ErrMalformedEnvelope)
	}

	switch head.Type {
	case KindNotification:
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("%w: 通知のデシリアライズに失敗: %v", ErrMalformedEnvelope, err)
		}
		return NotificationMessage{Notification: n}, nil
	case KindActivity:
		var a Activity
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("%w: アクティビティのデシリアライズに失敗: %v", ErrMalformedEnvelope, err)
		}
		return ActivityMessage{Activity: a}, nil
	default:
		return OtherMessage{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// DecodeData はJSONを指定された型にデシリアライズする。
func DecodeData[T any](data []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &v, nil
}
