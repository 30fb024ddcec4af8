package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/nao1215/kanban/pkg/event"
	"github.com/nao1215/kanban/pkg/pushclient"
)

func newWatchCmd(f *flags) *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "ユーザーのストリームに接続し、届いたイベントを表示する",
		UsageText: "kanban-watch watch --user <id> --token <jwt>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "購読するユーザーID",
				Sources:  cli.EnvVars("KANBAN_USER"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "token",
				Aliases:  []string{"t"},
				Usage:    "アクセストークン",
				Sources:  cli.EnvVars("KANBAN_TOKEN"),
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "idle-timeout",
				Usage: "キープアライブも届かないまま経過したら再接続するまでの時間",
				Value: pushclient.DefaultIdleTimeout,
			},
			&cli.BoolFlag{
				Name:  "catch-up",
				Usage: "再接続後に切断中の未読通知を取得する",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			out := c.Root().Writer
			client := pushclient.New(f.server, c.String("token"),
				pushclient.WithLogger(f.logger),
				pushclient.WithCatchUp(c.Bool("catch-up")),
				pushclient.WithIdleTimeout(c.Duration("idle-timeout")),
			)
			client.OnNotification(func(n event.Notification) { printNotification(out, n) })
			client.OnActivityUpdate(func(a event.Activity) { printActivity(out, a) })
			client.OnConnectionStatus(func(s pushclient.Status) { printStatus(out, s) })

			if err := client.Connect(ctx, c.String("user")); err != nil {
				return fmt.Errorf("接続の開始に失敗: %w", err)
			}
			<-ctx.Done()
			client.Disconnect()
			client.Wait()
			return nil
		},
	}
}

func printNotification(w io.Writer, n event.Notification) {
	_, _ = fmt.Fprintf(w, "%s  通知  [%s] %s", n.CreatedAt.Local().Format(time.DateTime), n.Type, n.Title)
	if n.Message != "" {
		_, _ = fmt.Fprintf(w, ": %s", n.Message)
	}
	_, _ = fmt.Fprintln(w)
}

func printActivity(w io.Writer, a event.Activity) {
	_, _ = fmt.Fprintf(w, "%s  活動  [%s] project=%s actor=%s %s\n",
		a.CreatedAt.Local().Format(time.DateTime), a.Action, a.ProjectID, a.ActorID, a.Details)
}

func printStatus(w io.Writer, s pushclient.Status) {
	switch s.State {
	case pushclient.StateBackoff:
		_, _ = fmt.Fprintf(w, "-- %s (%d回目, %s後に再接続): %v\n", s.State, s.Attempt, s.Delay, s.Err)
	default:
		_, _ = fmt.Fprintf(w, "-- %s\n", s.State)
	}
}
