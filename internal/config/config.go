// Package config は通知サービスの設定を読み込む。
//
// 設定はYAMLファイルから読み込み、環境変数で上書きする。
// ファイルが存在しない場合は既定値と環境変数だけで構成する。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string `yaml:"port"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ShutdownTimeout はグレースフルシャットダウンの待ち時間。
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DBConfig はSQLiteの設定。
type DBConfig struct {
	// Path はデータベースファイルのパス。":memory:"も指定できる。
	Path string `yaml:"path"`
}

// AuthConfig は認証の設定。
type AuthConfig struct {
	// JWTSecret はJWT署名の秘密鍵。
	JWTSecret string `yaml:"jwt_secret"`
	// InternalToken は内部APIの共有トークン。空の場合は内部APIを無効にする。
	InternalToken string `yaml:"internal_token"`
}

// PushConfig はプッシュ配信の設定。
type PushConfig struct {
	// QueueSize は接続ごとの送信キュー長。
	QueueSize int `yaml:"queue_size"`
	// Heartbeat はキープアライブコメントの送信間隔。
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// RedisConfig はインスタンス間配信に使うRedisの設定。
// Addrが空の場合はRedisを使わずプロセス内だけで配信する。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQConfig はドメインイベントを受信するRabbitMQの設定。
// URLが空の場合は受信しない。
type MQConfig struct {
	// URL はAMQP接続URL。
	URL string `yaml:"url"`
	// Exchange はドメインイベントのトピックエクスチェンジ名。
	Exchange string `yaml:"exchange"`
	// Queue は購読するキュー名。
	Queue string `yaml:"queue"`
	// RoutingKeys はキューにバインドするルーティングキー。
	RoutingKeys []string `yaml:"routing_keys"`
}

// Config は通知サービス全体の設定。
type Config struct {
	Server   ServerConfig `yaml:"server"`
	DB       DBConfig     `yaml:"db"`
	Auth     AuthConfig   `yaml:"auth"`
	Push     PushConfig   `yaml:"push"`
	Redis    RedisConfig  `yaml:"redis"`
	MQ       MQConfig     `yaml:"mq"`
	LogLevel string       `yaml:"log_level"`
}

// Default は既定値の設定を返す。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8086",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ShutdownTimeout: 30 * time.Second,
		},
		DB: DBConfig{
			Path: "/data/notification.db",
		},
		Auth: AuthConfig{
			JWTSecret: "dev-secret-key",
		},
		Push: PushConfig{
			QueueSize: 64,
			Heartbeat: 25 * time.Second,
		},
		MQ: MQConfig{
			Exchange:    "kanban.events",
			Queue:       "notification.kanban-events.q",
			RoutingKeys: []string{"task.*", "project.*"},
		},
		LogLevel: "info",
	}
}

// Load はpathのYAMLファイルを読み込み、環境変数で上書きした設定を返す。
// pathが空、またはファイルが存在しない場合は既定値から始める。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// 既定値のまま
		case err != nil:
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
			}
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return errors.New("server.portが空です")
	}
	if c.DB.Path == "" {
		return errors.New("db.pathが空です")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secretが空です")
	}
	if c.Push.QueueSize <= 0 {
		return fmt.Errorf("push.queue_sizeは1以上が必要です: %d", c.Push.QueueSize)
	}
	if c.Push.Heartbeat <= 0 {
		return fmt.Errorf("push.heartbeatは正の値が必要です: %s", c.Push.Heartbeat)
	}
	if c.MQ.URL != "" && (c.MQ.Exchange == "" || c.MQ.Queue == "" || len(c.MQ.RoutingKeys) == 0) {
		return errors.New("mq.urlを指定する場合はexchange、queue、routing_keysが必要です")
	}
	return nil
}

// overrideFromEnv は環境変数で設定を上書きする（優先度が最も高い）。
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DB.Path = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("INTERNAL_TOKEN"); v != "" {
		cfg.Auth.InternalToken = v
	}
	if v := os.Getenv("PUSH_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Push.QueueSize = n
		}
	}
	if v := os.Getenv("PUSH_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Push.Heartbeat = d
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MQ_URL"); v != "" {
		cfg.MQ.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// splitList はカンマ区切りの文字列を空要素を除いたスライスに分割する。
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
