// Package notification は通知サービスの内部実装を提供する。
//
// ボード上の操作から生まれる通知とアクティビティを保存し、
// 保存に成功したものだけを宛先ユーザーのストリームへ発行する。
// 通知の一覧取得、未読件数、既読・アーカイブ管理のREST APIと、
// ユーザーごとのServer-Sent Eventsストリームもこのパッケージが提供する。
package notification
