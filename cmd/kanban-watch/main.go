// kanban-watchは通知サービスのストリームを購読して端末に表示するコマンド。
// 動作確認用にアクセストークンの発行と内部APIへの通知作成も行える。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/nao1215/kanban/pkg/logger"
)

var version = "dev"

// flags は全サブコマンドで共有するグローバルフラグ。
type flags struct {
	server   string
	logLevel string
	logger   *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f := &flags{}
	app := &cli.Command{
		Name:      "kanban-watch",
		Usage:     "通知サービスのイベントストリームを購読する",
		UsageText: "kanban-watch [global options] command [command options]",
		Version:   version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server",
				Aliases:     []string{"s"},
				Usage:       "通知サービスのベースURL",
				Sources:     cli.EnvVars("KANBAN_SERVER"),
				Value:       "http://localhost:8086",
				Destination: &f.server,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "ログレベル (debug, info, warn, error)",
				Sources:     cli.EnvVars("KANBAN_LOG_LEVEL"),
				Value:       "warn",
				Destination: &f.logLevel,
			},
		},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			l, err := logger.New(f.logLevel)
			if err != nil {
				return ctx, err
			}
			f.logger = l
			return ctx, nil
		},
		After: func(context.Context, *cli.Command) error {
			if f.logger != nil {
				_ = f.logger.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			newWatchCmd(f),
			newTokenCmd(),
			newSendCmd(f),
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
