package notification

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nao1215/kanban/internal/push"
	"github.com/nao1215/kanban/pkg/event"
	"github.com/nao1215/kanban/pkg/middleware"
)

// Deps はServerが依存するコンポーネント。
type Deps struct {
	// Store は通知とアクティビティのストア。
	Store *Store
	// Service は保存と発行を行うイベントソース。
	Service *Service
	// Registry はこのインスタンスのストリーム接続を管理する。
	Registry *push.Registry
	// Gatherer は/metricsで公開するメトリクスの取得元。nilの場合は公開しない。
	Gatherer prometheus.Gatherer
	// Logger は構造化ロガー。
	Logger *zap.Logger
}

// Options はServerの設定値。
type Options struct {
	// JWTSecret はアクセストークンの署名鍵。
	JWTSecret string
	// InternalToken は内部APIの共有トークン。
	InternalToken string
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string
	// Heartbeat はストリームのキープアライブ間隔。
	Heartbeat time.Duration
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// store は通知とアクティビティのストア。
	store *Store
	// service は保存と発行を行うイベントソース。
	service *Service
	// registry はストリーム接続のレジストリ。
	registry *push.Registry
	// heartbeat はストリームのキープアライブ間隔。
	heartbeat time.Duration
	// logger は構造化ロガー。
	logger *zap.Logger
}

// NewServer は新しい通知サーバーを生成し、ルーティングを設定する。
func NewServer(deps Deps, opts Options) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	if len(opts.AllowedOrigins) > 0 {
		router.Use(middleware.CORS(opts.AllowedOrigins))
	}

	s := &Server{
		router:    router,
		store:     deps.Store,
		service:   deps.Service,
		registry:  deps.Registry,
		heartbeat: opts.Heartbeat,
		logger:    logger,
	}
	s.setupRoutes(middleware.JWTAuth(opts.JWTSecret), middleware.InternalAuth(opts.InternalToken))

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	return s
}

// Handler はサーバーのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes はAPIルーティングを設定する。
// 認証ミドルウェアは引数で受け取り、テストでは差し替える。
func (s *Server) setupRoutes(userAuth, internalAuth gin.HandlerFunc) {
	api := s.router.Group("/api/v1")
	{
		authed := api.Group("")
		authed.Use(userAuth)

		notifications := authed.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("", s.handleList())
			// 未読通知一覧取得
			notifications.GET("/unread", s.handleListUnread())
			// 未読件数取得
			notifications.GET("/unread/count", s.handleUnreadCount())
			// 通知を既読にする
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			// 全通知を既読にする
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// 通知をアーカイブする
			notifications.PUT("/:id/archive", s.handleArchive())
		}

		// プロジェクトのアクティビティ一覧
		authed.GET("/projects/:project_id/activities", s.handleListActivities())

		// ユーザーごとのイベントストリーム
		authed.GET("/stream/:user_id", s.handleStream())

		// 内部API（ボードサービスなどのイベントソースから呼び出される）
		internal := api.Group("/internal")
		internal.Use(internalAuth)
		{
			internal.POST("/notifications", s.handleCreateNotification())
			internal.POST("/activities", s.handleRecordActivity())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	// レディネスチェック（DB疎通）
	s.router.GET("/ready", s.handleReady())
}

// parseLimit はlimitクエリパラメータを解釈する。未指定の場合は0を返す。
func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// requireUser は認証済みユーザーIDを返す。取得できない場合は401を書き込んで空文字列を返す。
func requireUser(c *gin.Context) string {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
	}
	return userID
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
// statusクエリで状態を絞り込める。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUser(c)
		if userID == "" {
			return
		}

		status := event.NotificationStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "statusが不正です"})
			return
		}
		limit, ok := parseLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitが不正です"})
			return
		}

		notifications, err := s.store.ListNotifications(c.Request.Context(), userID, status, limit)
		if err != nil {
			s.logger.Error("list notifications failed", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUser(c)
		if userID == "" {
			return
		}

		notifications, err := s.store.ListNotifications(c.Request.Context(), userID, event.StatusUnread, MaxListLimit)
		if err != nil {
			s.logger.Error("list unread notifications failed", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読通知一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleUnreadCount は認証済みユーザーの未読件数を返すハンドラ。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUser(c)
		if userID == "" {
			return
		}

		count, err := s.store.CountUnread(c.Request.Context(), userID)
		if err != nil {
			s.logger.Error("count unread failed", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "未読件数の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUser(c)
		if userID == "" {
			return
		}

		n, err := s.service.MarkRead(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			s.writeOwnershipError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// handleArchive は指定された通知をアーカイブするハンドラ。
func (s *Server) handleArchive() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUser(c)
		if userID == "" {
			return
		}

		n, err := s.service.Archive(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			s.writeOwnershipError(c, err, "通知のアーカイブに失敗しました")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// writeOwnershipError は通知操作のエラーをステータスコードに変換して書き込む。
func (s *Server) writeOwnershipError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
	default:
		s.logger.Error("notification update failed", zap.String("notification_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUser(c)
		if userID == "" {
			return
		}

		updated, err := s.service.MarkAllRead(c.Request.Context(), userID)
		if err != nil {
			s.logger.Error("mark all read failed", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// handleListActivities はプロジェクトのアクティビティ一覧を返すハンドラ。
func (s *Server) handleListActivities() gin.HandlerFunc {
	return func(c *gin.Context) {
		if requireUser(c) == "" {
			return
		}
		limit, ok := parseLimit(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limitが不正です"})
			return
		}

		projectID := c.Param("project_id")
		activities, err := s.store.ListActivities(c.Request.Context(), projectID, limit)
		if err != nil {
			s.logger.Error("list activities failed", zap.String("project_id", projectID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アクティビティ一覧の取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, activities)
	}
}

// handleStream は認証済みユーザー自身のイベントストリームを開くハンドラ。
// 接続はリクエストのコンテキストに結び付けて登録し、切断時に解除する。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUser(c)
		if userID == "" {
			return
		}
		if c.Param("user_id") != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "他のユーザーのストリームは購読できません"})
			return
		}

		conn, err := s.registry.Register(c.Request.Context(), userID)
		if err != nil {
			s.logger.Warn("stream registration rejected", zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ストリームを開始できません"})
			return
		}
		defer s.registry.Unregister(userID, conn)

		s.logger.Info("stream opened", zap.String("user_id", userID), zap.String("conn_id", conn.ID()))
		push.Stream(c, conn, s.heartbeat)
		s.logger.Info("stream closed",
			zap.String("user_id", userID),
			zap.String("conn_id", conn.ID()),
			zap.Duration("duration", time.Since(conn.ConnectedAt())),
		)
	}
}

// handleCreateNotification は通知を作成して宛先ユーザーへ発行する内部APIハンドラ。
func (s *Server) handleCreateNotification() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NewNotification
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		n, err := s.service.CreateNotification(c.Request.Context(), req)
		switch {
		case errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			s.logger.Error("create notification failed", zap.String("user_id", req.UserID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			return
		}
		c.JSON(http.StatusCreated, n)
	}
}

// recordActivityRequest はアクティビティ記録リクエストのJSON構造。
type recordActivityRequest struct {
	NewActivity
	// Recipients はアクティビティを配信するユーザーID一覧。
	Recipients []string `json:"recipients"`
}

// handleRecordActivity はアクティビティを記録してプロジェクトメンバーへ発行する内部APIハンドラ。
func (s *Server) handleRecordActivity() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordActivityRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		a, err := s.service.RecordActivity(c.Request.Context(), req.NewActivity, req.Recipients)
		switch {
		case errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			s.logger.Error("record activity failed", zap.String("project_id", req.ProjectID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アクティビティの記録に失敗しました"})
			return
		}
		c.JSON(http.StatusCreated, a)
	}
}

// handleReady はデータベースに到達できるかどうかを返すハンドラ。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "online_users": s.registry.OnlineUsers()})
	}
}
