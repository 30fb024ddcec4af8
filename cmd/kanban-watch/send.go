package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nao1215/kanban/internal/notification"
	"github.com/nao1215/kanban/pkg/event"
	"github.com/nao1215/kanban/pkg/httpclient"
	"github.com/nao1215/kanban/pkg/middleware"
)

func newTokenCmd() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "開発用のアクセストークンを発行する",
		UsageText: "kanban-watch token --user <id> --secret <secret>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "ユーザーID", Required: true},
			&cli.StringFlag{Name: "email", Usage: "メールアドレス"},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "JWT署名の秘密鍵",
				Sources: cli.EnvVars("JWT_SECRET"),
				Value:   "dev-secret-key",
			},
		},
		Action: func(_ context.Context, c *cli.Command) error {
			token, err := middleware.GenerateJWT(c.String("secret"), c.String("user"), c.String("email"))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(c.Root().Writer, token)
			return nil
		},
	}
}

func newSendCmd(f *flags) *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "内部APIで通知を1件作成する",
		UsageText: "kanban-watch send --user <id> --title <title> [--type task_assigned]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "通知先のユーザーID", Required: true},
			&cli.StringFlag{Name: "title", Usage: "通知のタイトル", Required: true},
			&cli.StringFlag{Name: "message", Usage: "通知メッセージ"},
			&cli.StringFlag{Name: "type", Usage: "通知の種類", Value: string(event.NotificationTaskAssigned)},
			&cli.StringFlag{Name: "project", Usage: "プロジェクトID"},
			&cli.StringFlag{
				Name:     "internal-token",
				Usage:    "内部APIの共有トークン",
				Sources:  cli.EnvVars("INTERNAL_TOKEN"),
				Required: true,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			in := notification.NewNotification{
				UserID:    c.String("user"),
				ProjectID: c.String("project"),
				Type:      event.NotificationType(c.String("type")),
				Title:     c.String("title"),
				Message:   c.String("message"),
			}
			if err := in.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			api := httpclient.New(f.server, httpclient.WithInternalToken(c.String("internal-token")))
			var created event.Notification
			if err := api.PostJSON(ctx, "/api/v1/internal/notifications", in, &created); err != nil {
				var statusErr *httpclient.StatusError
				if errors.As(err, &statusErr) {
					return fmt.Errorf("通知の作成が拒否された (%d): %s", statusErr.StatusCode, statusErr.Body)
				}
				return err
			}
			_, _ = fmt.Fprintf(c.Root().Writer, "作成しました: %s\n", created.ID)
			return nil
		},
	}
}
