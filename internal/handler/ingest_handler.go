package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/campusmate/campusfeed/internal/middleware"
	"github.com/campusmate/campusfeed/internal/model"
)

// IngestRunner は取り込みティックの手動実行と直近結果の参照を提供する。
type IngestRunner interface {
	RunOnce(ctx context.Context) (model.TickSummary, error)
	LastSummary() (model.TickSummary, bool)
}

// IngestHandler は取り込み管理エンドポイントのHTTPハンドラー。
type IngestHandler struct {
	runner IngestRunner
	logger *slog.Logger
}

// NewIngestHandler はIngestHandlerを生成する。
func NewIngestHandler(runner IngestRunner, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{runner: runner, logger: logger}
}

// tickResponse はティック結果のAPIレスポンス。
type tickResponse struct {
	model.TickSummary
	Succeeded    int               `json:"succeeded"`
	SuccessRatio float64           `json:"success_ratio"`
	Totals       model.UpsertStats `json:"totals"`
}

func toTickResponse(s model.TickSummary) tickResponse {
	return tickResponse{
		TickSummary:  s,
		Succeeded:    s.Succeeded(),
		SuccessRatio: s.SuccessRatio(),
		Totals:       s.Totals(),
	}
}

// Run はティックを即時に1回実行し、その結果を返す。
// POST /internal/ingest/run
func (h *IngestHandler) Run(w http.ResponseWriter, r *http.Request) {
	// クライアント切断でティックを中断しない。タイムアウトはティック側で適用される。
	summary, err := h.runner.RunOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		if errors.Is(err, model.ErrTickInProgress) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewTickInProgressError())
			return
		}
		h.logger.Error("手動ティックの実行に失敗しました",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, toTickResponse(summary))
}

// Last は直近に完了したティックの結果を返す。
// GET /internal/ingest/last
func (h *IngestHandler) Last(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.runner.LastSummary()
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNoTickYetError())
		return
	}
	writeJSON(w, http.StatusOK, toTickResponse(summary))
}
