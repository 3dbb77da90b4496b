package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/eventman/internal/metrics"
	"github.com/hitoshi/eventman/internal/middleware"
	"github.com/hitoshi/eventman/internal/realtime"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Identifier        middleware.Identifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 監視
	MetricsCollector metrics.MetricsCollector
	MetricsGatherer  prometheus.Gatherer
	HealthChecker    HealthChecker

	// 認証
	AuthService AuthServiceInterface

	// イベント・参加登録・通知
	EventService        EventServiceInterface
	RegistrationService RegistrationServiceInterface
	NotificationService NotificationServiceInterface

	// リアルタイム配信
	Hub             *realtime.Hub
	WSAllowedOrigin string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  公開ルート: RateLimit(General, IP単位)
//	  認証ルート: Session → RateLimit(General, ユーザー単位)
//
// /health, /metrics, /ws はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	if deps.MetricsCollector != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.MetricsCollector))
	}
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService)
	eventHandler := NewEventHandler(deps.EventService)
	regHandler := NewRegistrationHandler(deps.RegistrationService, deps.NotificationService)

	// --- 監視・配信 ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsGatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))
	}
	if deps.Hub != nil {
		r.Handle("/ws", realtime.NewWebSocketHandler(deps.Hub, deps.WSAllowedOrigin))
	}

	// --- 認証不要のルート ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/auth/register", authHandler.Register)
		r.Post("/api/auth/login", authHandler.Login)

		r.Get("/api/events", eventHandler.ListEvents)
		// feed.xml は {id} より先に登録する
		r.Get("/api/events/feed.xml", eventHandler.Feed)
		r.Get("/api/events/{id}", eventHandler.GetEvent)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Identifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)

		r.Post("/api/events", eventHandler.CreateEvent)
		r.Put("/api/events/{id}", eventHandler.UpdateEvent)
		r.Delete("/api/events/{id}", eventHandler.DeleteEvent)

		// 参加登録は専用レート制限を追加
		r.With(deps.RateLimiter.RegistrationMiddleware()).Post("/api/events/{id}/register", regHandler.Register)

		r.Get("/api/notifications", regHandler.ListNotifications)
	})

	return r
}
