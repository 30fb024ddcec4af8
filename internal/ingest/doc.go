// Package ingest はボードサービスがRabbitMQに発行するドメインイベントを購読し、
// 通知とアクティビティに変換して通知サービスへ取り込む。
//
// 変換はブローカーに依存しない純粋な関数Mapで行い、
// Consumerは配送の受信とack/nackだけを担当する。
package ingest
