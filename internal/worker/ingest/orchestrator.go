// Package ingest は公告取り込みティックのオーケストレーションとスケジューリングを提供する。
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/campusmate/campusfeed/internal/announcement"
	"github.com/campusmate/campusfeed/internal/feed"
	"github.com/campusmate/campusfeed/internal/lock"
	"github.com/campusmate/campusfeed/internal/metrics"
	"github.com/campusmate/campusfeed/internal/model"
)

// lockGrace はロックのTTLをティック予算より長くとるための余裕。
const lockGrace = 30 * time.Second

// FeedFetcher はカテゴリのフィードを取得する。
type FeedFetcher interface {
	Fetch(ctx context.Context, category model.Category) ([]model.RawItem, error)
}

// RecordNormalizer は生アイテムを公告レコードに変換する。
type RecordNormalizer interface {
	Normalize(category string, raw model.RawItem) *model.Announcement
}

// RecordUpserter はカテゴリ単位でレコードを書き込む。
type RecordUpserter interface {
	Upsert(ctx context.Context, category string, records []*model.Announcement) (model.UpsertStats, error)
}

// Orchestrator は1ティック分の取り込みを実行する。
// カテゴリは順番に処理し、各カテゴリの失敗・パニックはそのカテゴリの結果に閉じ込める。
type Orchestrator struct {
	categories  []model.Category
	fetcher     FeedFetcher
	normalizer  RecordNormalizer
	upserter    RecordUpserter
	locker      lock.Locker
	metrics     metrics.IngestRecorder
	logger      *slog.Logger
	tickTimeout time.Duration

	running atomic.Bool

	mu   sync.RWMutex
	last *model.TickSummary

	now func() time.Time
}

// NewOrchestrator はOrchestratorを生成する。lockerがnilの場合はプロセス内の排他のみ行う。
func NewOrchestrator(
	categories []model.Category,
	fetcher FeedFetcher,
	normalizer RecordNormalizer,
	upserter RecordUpserter,
	locker lock.Locker,
	recorder metrics.IngestRecorder,
	logger *slog.Logger,
	tickTimeout time.Duration,
) *Orchestrator {
	if locker == nil {
		locker = lock.NopLock{}
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		categories:  categories,
		fetcher:     fetcher,
		normalizer:  normalizer,
		upserter:    upserter,
		locker:      locker,
		metrics:     recorder,
		logger:      logger,
		tickTimeout: tickTimeout,
		now:         time.Now,
	}
}

// RunOnce は全カテゴリを1回ずつ処理し、集計結果を返す。
// 他のインスタンスがロックを保持している場合はSkippedのサマリーを返す。
// 同じプロセスでティックが実行中の場合はmodel.ErrTickInProgressを返す。
func (o *Orchestrator) RunOnce(ctx context.Context) (model.TickSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return model.TickSummary{}, model.ErrTickInProgress
	}
	defer o.running.Store(false)

	summary := model.TickSummary{
		RunID:     uuid.NewString(),
		StartedAt: o.now(),
	}
	logger := o.logger.With(slog.String("run_id", summary.RunID))

	release, err := o.locker.Acquire(ctx, o.tickTimeout+lockGrace)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		summary.Skipped = true
		summary.FinishedAt = o.now()
		logger.Info("他のインスタンスがティックを実行中のためスキップします")
		o.metrics.RecordTick(metrics.TickSkipped, 0)
		return summary, nil
	case err != nil:
		// ロック基盤の障害時はロックなしでティックを継続する
		logger.Warn("ティックロックを取得できませんでした。ロックなしで継続します",
			slog.String("error", err.Error()),
		)
	default:
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release(releaseCtx); err != nil {
				logger.Warn("ティックロックの解放に失敗しました", slog.String("error", err.Error()))
			}
		}()
	}

	tickCtx := ctx
	if o.tickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, o.tickTimeout)
		defer cancel()
	}

	logger.Info("取り込みティックを開始します", slog.Int("categories", len(o.categories)))

	summary.Outcomes = make([]model.CategoryOutcome, 0, len(o.categories))
	for _, category := range o.categories {
		var outcome model.CategoryOutcome
		if err := tickCtx.Err(); err != nil {
			outcome = model.CategoryOutcome{
				Category: category.Name,
				Kind:     model.ErrorKindSkipped,
				Error:    fmt.Sprintf("ティックの予算内に開始できませんでした: %v", err),
			}
		} else {
			outcome = o.supervise(tickCtx, category, logger)
		}

		if !outcome.Success {
			logger.Warn("カテゴリの取り込みに失敗しました",
				slog.String("category", outcome.Category),
				slog.String("error_kind", string(outcome.Kind)),
				slog.String("error", outcome.Error),
			)
		}
		o.metrics.RecordCategoryOutcome(outcome)
		summary.Outcomes = append(summary.Outcomes, outcome)
	}

	summary.FinishedAt = o.now()
	duration := summary.FinishedAt.Sub(summary.StartedAt)
	totals := summary.Totals()

	logger.Info("取り込みティックが完了しました",
		slog.Int("categories", len(summary.Outcomes)),
		slog.Int("succeeded", summary.Succeeded()),
		slog.Float64("success_ratio", summary.SuccessRatio()),
		slog.Int("inserted", totals.Inserted),
		slog.Int("updated", totals.Updated),
		slog.Int("unchanged", totals.Unchanged),
		slog.Int("failed", totals.Failed),
		slog.Int("commits", totals.Commits),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	o.metrics.RecordTick(metrics.TickCompleted, duration)
	o.metrics.RecordSummary(summary)

	o.mu.Lock()
	last := summary
	o.last = &last
	o.mu.Unlock()

	return summary, nil
}

// LastSummary は直近に完了したティックのサマリーを返す。
func (o *Orchestrator) LastSummary() (model.TickSummary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return model.TickSummary{}, false
	}
	return *o.last, true
}

// supervise は1カテゴリのパイプラインを実行する。パニックも結果として回収する。
func (o *Orchestrator) supervise(ctx context.Context, category model.Category, logger *slog.Logger) (out model.CategoryOutcome) {
	start := o.now()
	out.Category = category.Name

	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Kind = model.ErrorKindPanic
			out.Error = fmt.Sprint(r)
			logger.Error("カテゴリ処理中にパニックが発生しました",
				slog.String("category", category.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		out.Duration = o.now().Sub(start)
	}()

	fetchStart := o.now()
	items, err := o.fetcher.Fetch(ctx, category)
	o.metrics.RecordFetchLatency(o.now().Sub(fetchStart))
	o.recordStatus(err)
	if err != nil {
		out.Kind = classify(ctx, err, model.ErrorKindFetch)
		out.Error = err.Error()
		return out
	}
	out.Fetched = len(items)

	records := make([]*model.Announcement, 0, len(items))
	for _, item := range items {
		records = append(records, o.normalizer.Normalize(category.Name, item))
	}

	stats, err := o.upserter.Upsert(ctx, category.Name, records)
	out.Stats = stats
	if err != nil {
		out.Kind = classify(ctx, err, model.ErrorKindCommit)
		out.Error = err.Error()
		return out
	}

	out.Success = true
	return out
}

func (o *Orchestrator) recordStatus(err error) {
	if err == nil {
		o.metrics.RecordHTTPStatus(200)
		return
	}
	var fe *feed.FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		o.metrics.RecordHTTPStatus(fe.StatusCode)
	}
}

// classify はエラーをカテゴリの失敗分類に変換する。
func classify(ctx context.Context, err error, fallback model.ErrorKind) model.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.ErrorKindTimeout
	}
	var fe *feed.FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, announcement.ErrBatchCommit) {
		return model.ErrorKindCommit
	}
	return fallback
}
