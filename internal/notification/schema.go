package notification

import (
	"context"
	"embed"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nao1215/kanban/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// initSchema はマイグレーションを実行して通知とアクティビティのスキーマを適用する。
func initSchema(ctx context.Context, db *sqlx.DB, logger *zap.Logger) error {
	_, err := migration.Run(ctx, db, migrationsFS, "migrations", logger)
	return err
}
