// Package httpclient は通知サービスのREST APIを呼び出すJSONクライアントを提供する。
//
// プッシュクライアントの再接続後の取りこぼし取得や、
// CLIからの内部API呼び出しに使用する。
package httpclient
