package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/worknest/internal/metrics"
	"github.com/hitoshi/worknest/internal/middleware"
)

// HealthChecker はバックエンドの疎通確認を行う。*sql.DB が実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Session     middleware.SessionSource
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
	Metrics     metrics.MetricsCollector

	// MetricsHandler は /metrics で公開するハンドラー。nilの場合は公開しない。
	MetricsHandler http.Handler
	// HealthChecker はnilの場合、/health は常に200を返す。
	HealthChecker HealthChecker
	// AllowedOrigins は同一オリジン以外で状態変更リクエストを許可するブラウザのオリジン。
	AllowedOrigins []string

	AuthService         AuthServiceInterface
	UserService         UserServiceInterface
	NotificationService NotificationServiceInterface
	NoteService         NoteServiceInterface
	MessageService      MessageServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → OriginGuard → SessionMiddleware → RateLimit(GeneralMiddleware)
//
// 認証ルート（/api/auth/*）はセッション必須のグループの外に配置し、接続元アドレス単位で制限する。
// 許可されていないオリジンからの状態変更リクエストは、認証ルートを含めてルーティング前に拒否する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))
	r.Use(middleware.NewOriginGuardMiddleware(deps.AllowedOrigins, logger))

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	notificationHandler := NewNotificationHandler(deps.NotificationService)
	noteHandler := NewNoteHandler(deps.NoteService)
	messageHandler := NewMessageHandler(deps.MessageService)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.AuthMiddleware())
		r.Post("/signup", authHandler.SignUp)
		r.Post("/login", authHandler.Login)
		r.Post("/federated", authHandler.FederatedLogin)
		r.Post("/logout", authHandler.Logout)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Session))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/me", func(r chi.Router) {
			r.Get("/", authHandler.Me)
			r.Patch("/", authHandler.UpdateMe)
			// アップロード専用のレート制限を追加
			r.With(deps.RateLimiter.UploadMiddleware()).Post("/avatar", authHandler.UploadAvatar)
		})

		r.Route("/api/users", func(r chi.Router) {
			r.Get("/", userHandler.FindUsers)
			r.Get("/{id}", userHandler.GetUser)
		})

		r.Route("/api/friendships", func(r chi.Router) {
			r.Get("/", userHandler.ListFriendships)
			r.Post("/", userHandler.SendFriendRequest)
			r.Post("/{id}/accept", userHandler.AcceptFriendRequest)
			r.Delete("/{id}", userHandler.DeleteFriendship)
		})

		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.ListNotifications)
			r.Post("/read-all", notificationHandler.MarkAllRead)
			r.Post("/{id}/read", notificationHandler.MarkRead)
			r.Delete("/{id}", notificationHandler.DeleteNotification)
		})

		r.Route("/api/notes", func(r chi.Router) {
			r.Get("/", noteHandler.ListNotes)
			r.Post("/", noteHandler.CreateNote)
			r.Put("/{id}", noteHandler.UpdateNote)
			r.Delete("/{id}", noteHandler.DeleteNote)
		})
		r.Post("/api/notelists", noteHandler.CreateNotelist)

		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", messageHandler.ListConversations)
			r.Post("/", messageHandler.StartConversation)
			r.Get("/{id}/messages", messageHandler.ListMessages)
			r.Post("/{id}/messages", messageHandler.SendMessage)
		})
	})

	return r
}

// healthHandler はバックエンドに疎通できる場合に200を返すハンドラーを生成する。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
