// Package handler は運用向けの管理HTTPエンドポイントを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campusmate/campusfeed/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker  HealthChecker
	Ingest         IngestRunner
	MetricsHandler http.Handler
	Logger         *slog.Logger
}

// NewRouter は管理エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	LoggingMiddleware → RecoveryMiddleware
//
// Ingestがnilの場合は/internal/ingest/*を登録しない。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))

	r.Get("/health", NewHealthHandler(deps.HealthChecker).ServeHTTP)

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	if deps.Ingest != nil {
		ingestHandler := NewIngestHandler(deps.Ingest, logger)
		r.Route("/internal/ingest", func(r chi.Router) {
			r.Post("/run", ingestHandler.Run)
			r.Get("/last", ingestHandler.Last)
		})
	}

	return r
}
