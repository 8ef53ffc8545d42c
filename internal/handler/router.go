package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/mailbox/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger         *slog.Logger
	StatusObserver middleware.StatusObserver
	HealthChecker  HealthChecker
	MetricsHandler http.Handler // nilの場合は/metricsを公開しない
	RateLimiter    *middleware.RateLimiter

	DeliveryService DeliveryServiceInterface
	IngestService   IngestServiceInterface
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Recipient → RateLimit
//
// /health と /metrics は受信者の特定を必要としない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObserver))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	bundleHandler := NewBundleHandler(deps.DeliveryService)
	notificationHandler := NewNotificationHandler(deps.IngestService)

	r.Route("/api/v1", func(r chi.Router) {
		// 取り込みはサブドメインからの呼び出しのため受信者の特定は不要
		r.Post("/notifications", notificationHandler.Ingest)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewRecipientMiddleware())
			if deps.RateLimiter != nil {
				r.Use(deps.RateLimiter.Middleware())
			}

			r.Route("/bundles", func(r chi.Router) {
				r.Get("/peek", bundleHandler.Peek)
				r.Get("/peek/{group}", bundleHandler.Peek)
				r.Post("/{id}/ack", bundleHandler.Acknowledge)
				r.Post("/{id}/ack/{group}", bundleHandler.Acknowledge)
			})
		})
	})

	return r
}
