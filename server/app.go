package server

import (
	"context"
	"fmt"
	"time"

	"Encore/cache"
	"Encore/config"
	"Encore/core/auth"
	"Encore/core/billing"
	"Encore/core/email"
	"Encore/core/jobs"
	"Encore/core/live"
	"Encore/core/play"
	"Encore/db"
	"Encore/logger"
	"Encore/repository"
	"Encore/storage"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const jobTimeout = 10 * time.Minute

// Options selects which backing services Bootstrap connects.
type Options struct {
	// Storage connects MinIO. Commands that never touch objects skip it.
	Storage bool
}

// App is the wired application shared by the server and the CLI commands.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Deps      Deps
	Hub       *live.Hub
	Templates *email.TemplateRegistry
	Royalty   *play.RoyaltyJob
	Scheduler *jobs.Scheduler
}

// Bootstrap connects MySQL and Redis (and MinIO when asked) and builds every
// repository and service.
func Bootstrap(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if err := db.ConnectGormDB(cfg); err != nil {
		return nil, err
	}
	if err := cache.ConnectRedis(cfg); err != nil {
		db.CloseGormDB()
		return nil, err
	}
	logger.Info("[Server] Redis 连接成功", logger.String("host", cfg.RedisHost))

	app := &App{Config: cfg, DB: db.GormDB, Redis: cache.RedisClient, Hub: live.NewHub()}

	var store storage.ObjectStore
	if opts.Storage {
		s, err := storage.InitMinio(ctx, cfg)
		if err != nil {
			app.Close()
			return nil, err
		}
		store = s
	}

	templates, err := email.NewTemplateRegistry(cfg.EmailTemplateDir)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to load email templates: %w", err)
	}
	app.Templates = templates

	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		app.Close()
		return nil, err
	}

	gdb := app.DB
	deps := Deps{
		Config:        cfg,
		Users:         repository.NewGormUserRepository(gdb),
		Artists:       repository.NewGormArtistRepository(gdb),
		Tracks:        repository.NewGormTrackRepository(gdb),
		Likes:         repository.NewGormLikeRepository(gdb),
		Playlists:     repository.NewGormPlaylistRepository(gdb),
		Plays:         repository.NewGormPlayRepository(gdb),
		Earnings:      repository.NewGormEarningRepository(gdb),
		Tiers:         repository.NewGormTierRepository(gdb),
		Subscriptions: repository.NewGormSubscriptionRepository(gdb),
		Purchases:     repository.NewGormPurchaseRepository(gdb),
		Ads:           repository.NewGormAdRepository(gdb),
		Subscribers:   repository.NewGormSubscriberRepository(gdb),
		EmailLogs:     repository.NewGormEmailLogRepository(gdb),
		Tokens:        auth.NewTokenManager(cfg.JWTSecret, cfg.JWTTTL),
		Store:         store,
		Hub:           app.Hub,
		Proxies:       proxies,
	}

	// 未配置 Resend 时 sender 为 nil，发送返回 ErrEmailDisabled
	var sender email.Sender
	if cfg.EmailEnabled() {
		rs, err := email.NewResendSender(cfg.ResendAPIKey, cfg.EmailFrom)
		if err != nil {
			app.Close()
			return nil, err
		}
		sender = rs
	} else {
		logger.Warn("[Server] 未配置 RESEND_API_KEY，邮件功能已关闭")
	}
	deps.Mailer = email.NewMailer(sender, templates, deps.EmailLogs, email.Options{
		BaseURL:     cfg.PublicBaseURL,
		ReplyTo:     cfg.EmailReplyTo,
		MaxAttempts: cfg.EmailMaxAttempts,
		RetryDelay:  cfg.EmailRetryDelay,
	})

	var checkout billing.Checkout
	if cfg.StripeEnabled() {
		checkout = billing.NewStripeCheckout(cfg.StripeSecretKey, cfg.StripeWebhookSecret, cfg.StripeSuccessURL, cfg.StripeCancelURL)
	} else {
		logger.Warn("[Server] 未配置 STRIPE_SECRET_KEY，支付功能已关闭")
	}
	deps.Billing = billing.NewService(checkout, billing.Repositories{
		Users:         deps.Users,
		Artists:       deps.Artists,
		Tracks:        deps.Tracks,
		Tiers:         deps.Tiers,
		Subscriptions: deps.Subscriptions,
		Purchases:     deps.Purchases,
		Earnings:      deps.Earnings,
	}, deps.Mailer, cfg.Currency)

	counter := cache.NewPlayCounter(app.Redis)
	deps.Trending = counter
	deps.Recorder = play.NewRecorder(deps.Tracks, deps.Plays, counter, cache.NewDedupeGuard(app.Redis), app.Hub, play.Options{
		MinSeconds:   cfg.MinPlaySeconds,
		DedupeWindow: cfg.PlayDedupeWindow,
	})
	app.Royalty = play.NewRoyaltyJob(counter, deps.Earnings, cfg.RoyaltyCentsPer1K)

	app.Scheduler = jobs.NewScheduler(jobTimeout)
	if err := jobs.RegisterDefaults(app.Scheduler, jobs.Specs{
		Royalty: cfg.RoyaltyCron,
		AdSweep: cfg.AdSweepCron,
	}, app.Royalty, deps.Ads); err != nil {
		app.Close()
		return nil, err
	}

	deps.Ping = app.Ping
	app.Deps = deps
	return app, nil
}

// Ping checks MySQL and Redis.
func (a *App) Ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close releases the database and Redis connections.
func (a *App) Close() {
	if err := cache.CloseRedis(); err != nil {
		logger.Warn("[Server] 关闭 Redis 失败", logger.ErrorField(err))
	}
	if err := db.CloseGormDB(); err != nil {
		logger.Warn("[Server] 关闭数据库失败", logger.ErrorField(err))
	}
}
