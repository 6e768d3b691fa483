package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Encore/config"
	"Encore/db"
	"Encore/logger"
	"Encore/metrics"
	"Encore/model"

	"github.com/gorilla/mux"
)

// NewRouter registers every route of the API on a gorilla/mux router.
// limiter guards the write endpoints that are cheap to abuse.
func NewRouter(h *APIHandler, limiter *RateLimiter) *mux.Router {
	router := mux.NewRouter()
	cors := corsMiddleware(h.corsOrigin())
	router.Use(recoverer, cors, requestLogger, metrics.InstrumentHandler)

	creator := h.RequireRole(model.RoleCreator)
	admin := h.RequireRole(model.RoleAdmin)
	limit := limiter.Wrap

	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", h.HealthHandler).Methods(http.MethodGet)

	// 用户认证
	router.HandleFunc("/api/auth/register", limit(h.RegisterHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/login", limit(h.LoginHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/auth/me", h.AuthMiddleware(h.MeHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/auth/me", h.AuthMiddleware(h.UpdateMeHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/auth/password", h.AuthMiddleware(limit(h.ChangePasswordHandler))).Methods(http.MethodPut)

	// 曲库
	router.HandleFunc("/api/music/tracks", h.OptionalAuth(h.ListTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/music/tracks/{id:[0-9]+}", h.OptionalAuth(h.GetTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/music/tracks/{id:[0-9]+}/stream", h.OptionalAuth(h.StreamTrackHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/music/tracks/{id:[0-9]+}/play", h.OptionalAuth(limit(h.RecordPlayHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/music/tracks/{id:[0-9]+}/like", h.AuthMiddleware(h.LikeHandler)).Methods(http.MethodPost, http.MethodDelete)
	router.HandleFunc("/api/music/trending", h.TrendingHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/music/artists", h.ListArtistsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/music/artists/{slug}", h.GetArtistHandler).Methods(http.MethodGet)

	// 播放列表
	router.HandleFunc("/api/playlists", h.AuthMiddleware(h.ListPlaylistsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/playlists", h.AuthMiddleware(h.CreatePlaylistHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/playlists/{id:[0-9]+}", h.OptionalAuth(h.GetPlaylistHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/playlists/{id:[0-9]+}", h.AuthMiddleware(h.UpdatePlaylistHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/playlists/{id:[0-9]+}", h.AuthMiddleware(h.DeletePlaylistHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/playlists/{id:[0-9]+}/tracks", h.AuthMiddleware(h.AddPlaylistTrackHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/playlists/{id:[0-9]+}/tracks/{track_id:[0-9]+}", h.AuthMiddleware(h.RemovePlaylistTrackHandler)).Methods(http.MethodDelete)

	// 粉丝看板
	router.HandleFunc("/api/fan/dashboard", h.AuthMiddleware(h.FanDashboardHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/fan/likes", h.AuthMiddleware(h.FanLikesHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/fan/subscriptions", h.AuthMiddleware(h.FanSubscriptionsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/fan/purchases", h.AuthMiddleware(h.FanPurchasesHandler)).Methods(http.MethodGet)

	// 创作者看板
	router.HandleFunc("/api/creator/profile", creator(h.UpsertProfileHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/creator/dashboard", creator(h.CreatorDashboardHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/creator/tracks", creator(h.CreatorTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/creator/tracks", creator(h.CreateTrackHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/creator/tracks/{id:[0-9]+}", creator(h.UpdateTrackHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/creator/tracks/{id:[0-9]+}", creator(h.DeleteTrackHandler)).Methods(http.MethodDelete)
	router.HandleFunc("/api/creator/tracks/{id:[0-9]+}/audio", creator(h.UploadAudioHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/creator/tracks/{id:[0-9]+}/cover", creator(h.UploadCoverHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/creator/tiers", creator(h.CreatorTiersHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/creator/tiers", creator(h.CreateTierHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/creator/subscribers", creator(h.CreatorSubscribersHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/creator/invite", creator(limit(h.CreatorInviteHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/creator/earnings", creator(h.CreatorEarningsHandler)).Methods(http.MethodGet)

	// 支付
	router.HandleFunc("/api/checkout/subscription", h.AuthMiddleware(limit(h.CheckoutSubscriptionHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/checkout/track", h.AuthMiddleware(limit(h.CheckoutTrackHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/stripe/webhook", h.StripeWebhookHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/test/stripe", admin(h.TestCheckoutHandler)).Methods(http.MethodPost)

	// 邮件
	router.HandleFunc("/api/invite", creator(limit(h.InviteHandler))).Methods(http.MethodPost)
	router.HandleFunc("/api/test/email", admin(h.TestEmailHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/subscribers", limit(h.SubscribeHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/subscribers/confirm", h.ConfirmSubscriberHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/subscribers/unsubscribe", h.UnsubscribeHandler).Methods(http.MethodGet)

	// 广告
	router.HandleFunc("/api/ads", h.ListAdsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/ads", creator(h.CreateAdHandler)).Methods(http.MethodPost)
	router.HandleFunc("/api/ads/{id:[0-9]+}/click", limit(h.AdClickHandler)).Methods(http.MethodPost)

	// 管理后台
	router.HandleFunc("/api/admin/stats", admin(h.AdminStatsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/users", admin(h.AdminUsersHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/users/{id:[0-9]+}/status", admin(h.AdminUserStatusHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/admin/users/{id:[0-9]+}/role", admin(h.AdminUserRoleHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/admin/tracks", admin(h.AdminTracksHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/tracks/{id:[0-9]+}/status", admin(h.AdminTrackStatusHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/admin/ads", admin(h.AdminAdsHandler)).Methods(http.MethodGet)
	router.HandleFunc("/api/admin/ads/{id:[0-9]+}/status", admin(h.AdminAdStatusHandler)).Methods(http.MethodPut)
	router.HandleFunc("/api/admin/emails", admin(h.AdminEmailsHandler)).Methods(http.MethodGet)

	// 实时统计
	router.HandleFunc("/ws/creator/stats", h.OptionalAuth(h.CreatorStatsSocketHandler)).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	// 路由不匹配时中间件不会执行，预检请求在这里应答
	router.MethodNotAllowedHandler = cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}))
	return router
}

func (h *APIHandler) corsOrigin() string {
	if h.Config == nil || h.Config.CORSOrigin == "" {
		return "*"
	}
	return h.Config.CORSOrigin
}

// Start initializes and starts the HTTP server. It returns after a graceful
// shutdown on SIGINT or SIGTERM.
func Start(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := Bootstrap(ctx, cfg, Options{Storage: true})
	if err != nil {
		return err
	}
	defer app.Close()

	if err := db.AutoMigrateModels(model.AllModels()...); err != nil {
		return err
	}

	go app.Hub.Run()
	defer app.Hub.Stop()

	app.Scheduler.Start()
	defer app.Scheduler.Stop()

	go func() {
		if err := app.Templates.Watch(ctx); err != nil {
			logger.Warn("[Server] 模板监听退出", logger.ErrorField(err))
		}
	}()

	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).TrustProxies(app.Deps.Proxies)
	limiter.StartCleanup(ctx, time.Minute)

	handler := NewAPIHandler(app.Deps)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      NewRouter(handler, limiter),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("[Server] HTTP 服务启动",
			logger.String("addr", server.Addr),
			logger.String("publicURL", cfg.PublicBaseURL),
			logger.Strings("jobs", app.Scheduler.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 等待中断信号或启动失败
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("[Server] 正在关闭服务...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("[Server] 服务强制关闭", logger.ErrorField(err))
		return err
	}

	// 先停掉定时任务，等正在执行的结算返回，再做最后一次落库
	app.Scheduler.Stop()

	// 退出前把 Redis 中的播放计数落库
	if report, err := app.Royalty.Run(shutdownCtx); err != nil {
		logger.Warn("[Server] 关闭前结算失败", logger.ErrorField(err))
	} else {
		logger.Info("[Server] 关闭前结算完成", logger.Any("report", report))
	}
	logger.Info("[Server] 服务已停止")
	return nil
}
