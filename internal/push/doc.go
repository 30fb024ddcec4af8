// Package push はユーザー単位のサーバープッシュ配信を提供する。
//
// Registryはユーザーごとに開いているストリーム接続を管理し、通知や
// アクティビティのエンベロープをそのユーザーの全接続へ配信する。
// 接続の登録情報はプロセス内だけの揮発的なインデックスであり、
// オフラインのユーザー宛てのイベントは破棄される。取りこぼしたイベントは
// 永続化された通知・アクティビティを通常の読み取りAPIで取得する。
//
// 主な機能:
//   - 接続の登録・解除（Register / Unregister）
//   - ユーザー単位のファンアウト（Publish）
//   - SSEでのストリーム書き出し（Stream）
//   - Redis Pub/Subによる複数インスタンス間の配信（RedisFanout）
package push
