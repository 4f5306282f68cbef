package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/worknest/internal/auth"
	"github.com/hitoshi/worknest/internal/config"
	"github.com/hitoshi/worknest/internal/credential"
	"github.com/hitoshi/worknest/internal/database"
	"github.com/hitoshi/worknest/internal/gateway"
	"github.com/hitoshi/worknest/internal/gateway/memory"
	"github.com/hitoshi/worknest/internal/gateway/postgres"
	"github.com/hitoshi/worknest/internal/handler"
	"github.com/hitoshi/worknest/internal/media"
	"github.com/hitoshi/worknest/internal/metrics"
	"github.com/hitoshi/worknest/internal/middleware"
	"github.com/hitoshi/worknest/internal/repository"
	"github.com/hitoshi/worknest/internal/security"
	"github.com/hitoshi/worknest/internal/session"
	"github.com/hitoshi/worknest/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// tokenIssuer はセッショントークンのissuer。
const tokenIssuer = "worknest"

// Container はコンポジションルートで組み立てた依存関係を保持する。
// Closeで逆順に解放する。
type Container struct {
	Handler  http.Handler
	Auth     *repository.AuthRepository
	Registry *prometheus.Registry

	closers []func() error
}

// Close は組み立てたコンポーネントを生成と逆の順序で解放する。
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// backend はゲートウェイ実装一式。
type backend struct {
	auth   gateway.Auth
	store  gateway.DocumentStore
	health handler.HealthChecker
}

// Build は設定に従ってゲートウェイ、リポジトリ、ルーターを組み立てる。
// PostgreSQLバックエンドの場合は変更通知の購読を開始する。
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Container, err error) {
	c := &Container{Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	// 1. メトリクスとセキュリティ
	mc := metrics.NewCollector(c.Registry)
	guard := security.NewOutboundGuard()
	sanitizer := security.NewTextSanitizer()

	// 2. 認証の部品
	hasher := auth.NewPasswordHasher(cfg.BcryptCost)
	var verifier auth.Verifier
	if cfg.FederationEnabled() {
		verifier = auth.NewGoogleVerifier(auth.GoogleConfig{ClientID: cfg.GoogleClientID}, guard.NewClient(cfg.OutboundTimeout))
	}

	// 3. ゲートウェイ
	be, err := buildBackend(ctx, c, cfg, hasher, verifier, logger)
	if err != nil {
		return nil, err
	}

	var uploader gateway.MediaUploader
	if cfg.MediaUploadEnabled() {
		if err := guard.ValidateEndpoint(cfg.MediaUploadURL); err != nil {
			return nil, fmt.Errorf("invalid MEDIA_UPLOAD_URL: %w", err)
		}
		uploader = media.NewUploader(media.Config{
			UploadURL:    cfg.MediaUploadURL,
			UploadPreset: cfg.MediaUploadPreset,
			Folder:       cfg.MediaFolder,
			MaxFileSize:  cfg.MediaMaxFileSize,
		}, guard.NewClient(cfg.OutboundTimeout), rate.NewLimiter(rate.Every(cfg.MediaUploadInterval), 1), mc, logger)
	}

	// 4. リポジトリとセッションコーディネーター
	opts := repository.Options{Metrics: mc, Logger: logger}
	notifications := repository.NewNotificationRepository(be.auth, be.store, sanitizer, opts)
	users := repository.NewUserRepository(be.auth, be.store, notifications, cfg.UserCacheTTL, opts)
	notes := repository.NewNoteRepository(be.auth, be.store, sanitizer, opts)
	messages := repository.NewMessageRepository(be.auth, be.store, sanitizer, opts)

	coordinator, err := session.NewCoordinator([]session.CacheClearer{users, notifications, notes, messages}, mc, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build session coordinator: %w", err)
	}

	c.Auth = repository.NewAuthRepository(repository.AuthDeps{
		Auth:        be.auth,
		Store:       be.store,
		Uploader:    uploader,
		Credentials: credential.NewFileStore(cfg.CredentialPath),
		Sanitizer:   sanitizer,
		Session:     coordinator,
	}, opts)
	c.onClose(func() error {
		c.Auth.Close()
		return nil
	})

	// 5. ルーター
	rl := middleware.NewRateLimiter(rateLimiterConfig(cfg), logger)
	c.onClose(func() error {
		rl.Stop()
		return nil
	})

	c.Handler = handler.NewRouter(&handler.RouterDeps{
		Session:             c.Auth,
		RateLimiter:         rl,
		Logger:              logger,
		Metrics:             mc,
		MetricsHandler:      metrics.Handler(c.Registry),
		HealthChecker:       be.health,
		AllowedOrigins:      cfg.CORSAllowedOrigins,
		AuthService:         c.Auth,
		UserService:         users,
		NotificationService: notifications,
		NoteService:         notes,
		MessageService:      messages,
	})

	logger.Info("components assembled",
		slog.String("backend", string(cfg.Backend)),
		slog.Bool("federation", cfg.FederationEnabled()),
		slog.Bool("media_upload", cfg.MediaUploadEnabled()),
	)
	return c, nil
}

func buildBackend(ctx context.Context, c *Container, cfg *config.Config, hasher *auth.PasswordHasher, verifier auth.Verifier, logger *slog.Logger) (*backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		c.onClose(db.Close)

		store := postgres.NewStore(db, cfg.DatabaseURL, logger)
		if err := store.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start document listener: %w", err)
		}
		c.onClose(store.Close)

		startSessionCleanup(c, db, cfg.SessionCleanupInterval, logger)

		return &backend{
			auth: postgres.NewAuth(db, hasher, verifier, auth.TokenConfig{
				Secret: cfg.SessionSecret,
				Expiry: cfg.SessionExpiry,
				Issuer: tokenIssuer,
			}),
			store:  store,
			health: db,
		}, nil
	default:
		return &backend{
			auth:  memory.NewAuth(hasher, verifier),
			store: memory.NewStore(),
		}, nil
	}
}

// startSessionCleanup は期限切れセッションの定期削除をバックグラウンドで開始する。
// Container.Closeで停止し、終了を待つ。
func startSessionCleanup(c *Container, db *sql.DB, interval time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	job := cleanup.NewSessionCleanupJob(db, logger)
	go func() {
		defer close(done)
		job.Start(ctx, interval)
	}()
	c.onClose(func() error {
		cancel()
		<-done
		return nil
	})
}

// openDatabase はDB接続を開いて疎通を確認する。MIGRATE_ON_SERVEが有効な場合はマイグレーションも適用する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLife,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, cfg.DBPingTimeout); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")

	if cfg.MigrateOnServe {
		version, err := database.RunMigrations(cfg.DatabaseURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		slog.Info("database migrations applied", slog.Uint64("version", uint64(version)))
	}
	return db, nil
}

// rateLimiterConfig は設定のreq/minをreq/secのレート制限に変換する。
func rateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60)
		rl.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitUpload > 0 {
		rl.UploadRate = rate.Limit(float64(cfg.RateLimitUpload) / 60)
		rl.UploadBurst = cfg.RateLimitUpload
	}
	if cfg.RateLimitAuth > 0 {
		rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60)
		rl.AuthBurst = cfg.RateLimitAuth
	}
	return rl
}
