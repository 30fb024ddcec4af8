// Package pushclient は通知サービスのイベントストリームを購読するクライアントを提供する。
//
// Clientは1ユーザーのServer-Sent Eventsストリームに接続し、届いたエンベロープを
// 通知リスナーとアクティビティリスナーに振り分ける。接続が切れた場合は
// 待ち時間を伸ばしながら再接続し、状態の変化を接続状態リスナーに通知する。
//
// 状態は Disconnected → Connecting → Connected → Backoff → Connecting ... と遷移する。
// リスナーは1本の受信ゴルーチンから登録順に呼び出されるため、
// 同じ接続で届いたイベントはサーバーが発行した順序で届く。
package pushclient
