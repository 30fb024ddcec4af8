// 通知サービスのエントリポイント。
// 通知とアクティビティを保存し、接続中のユーザーへイベントストリームで配信する。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nao1215/kanban/internal/config"
	"github.com/nao1215/kanban/internal/ingest"
	"github.com/nao1215/kanban/internal/notification"
	"github.com/nao1215/kanban/internal/push"
	"github.com/nao1215/kanban/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "通知サービスの実行に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := notification.OpenStore(ctx, cfg.DB.Path, log)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := push.NewRegistry(
		push.WithQueueSize(cfg.Push.QueueSize),
		push.WithLogger(log),
		push.WithMetrics(push.NewMetrics(reg)),
	)
	defer registry.Close()

	var publisher push.Publisher = registry
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		fanout := push.NewRedisFanout(rdb, registry, log)
		go func() {
			if err := fanout.Run(ctx); err != nil {
				log.Error("redis fanout stopped", zap.Error(err))
			}
		}()
		publisher = fanout
	}

	service := notification.NewService(store, publisher, log)

	if cfg.MQ.URL != "" {
		consumer := ingest.NewConsumer(cfg.MQ, ingest.NewHandler(service, log), log)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error("mq consumer stopped", zap.Error(err))
			}
		}()
	}

	server := notification.NewServer(notification.Deps{
		Store:    store,
		Service:  service,
		Registry: registry,
		Gatherer: reg,
		Logger:   log,
	}, notification.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		InternalToken:  cfg.Auth.InternalToken,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Heartbeat:      cfg.Push.Heartbeat,
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("notification service started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down notification service")
	// ストリームを先に閉じないとShutdownが接続の終了を待ち続ける
	registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
	}
	return nil
}
