// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/campusmate/campusfeed/internal/model"
)

// IngestRecorder は取り込みパイプラインのメトリクス記録インターフェース。
type IngestRecorder interface {
	RecordTick(result string, duration time.Duration)
	RecordSummary(summary model.TickSummary)
	RecordCategoryOutcome(outcome model.CategoryOutcome)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
}

// PushRecorder はプッシュ通知のメトリクス記録インターフェース。
type PushRecorder interface {
	RecordPushSend(eventType model.EventType, success, failure int)
	RecordTokensPruned(count int)
	RecordPruneFailure()
}

// Tick結果のラベル値。
const (
	TickCompleted = "completed"
	TickSkipped   = "skipped"
	TickFailed    = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	categories     *prometheus.CounterVec
	records        *prometheus.CounterVec
	batchCommits   prometheus.Counter
	httpStatus     *prometheus.CounterVec
	fetchLatency   prometheus.Histogram
	pushSends      *prometheus.CounterVec
	tokensPruned   prometheus.Counter
	pruneFailures  prometheus.Counter
	lastTickRatio  prometheus.Gauge
	lastTickFinish prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusfeed_ticks_total",
			Help: "結果別の取り込みティック数",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campusfeed_tick_duration_seconds",
			Help:    "取り込みティックの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 540},
		}),
		categories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusfeed_category_outcomes_total",
			Help: "カテゴリ別・結果別の処理数",
		}, []string{"category", "result"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusfeed_records_total",
			Help: "判定結果別の公告レコード数",
		}, []string{"action"}),
		batchCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusfeed_batch_commits_total",
			Help: "バッチコミットの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusfeed_fetch_http_status_total",
			Help: "HTTPステータスコード別のフィード応答数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "campusfeed_fetch_latency_seconds",
			Help:    "フィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		pushSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "campusfeed_push_sends_total",
			Help: "イベント種別・結果別のトークン単位の送信数",
		}, []string{"event", "result"}),
		tokensPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusfeed_tokens_pruned_total",
			Help: "削除された無効トークンの合計数",
		}),
		pruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "campusfeed_prune_failures_total",
			Help: "ユーザー単位のトークン削除失敗数",
		}),
		lastTickRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campusfeed_last_tick_success_ratio",
			Help: "直近ティックのカテゴリ成功率",
		}),
		lastTickFinish: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "campusfeed_last_tick_timestamp_seconds",
			Help: "直近ティックの完了時刻（UNIX秒）",
		}),
	}

	reg.MustRegister(
		c.ticks,
		c.tickDuration,
		c.categories,
		c.records,
		c.batchCommits,
		c.httpStatus,
		c.fetchLatency,
		c.pushSends,
		c.tokensPruned,
		c.pruneFailures,
		c.lastTickRatio,
		c.lastTickFinish,
	)

	return c
}

// RecordTick はティックの結果と所要時間を記録する。
func (c *Collector) RecordTick(result string, duration time.Duration) {
	c.ticks.WithLabelValues(result).Inc()
	if result != TickSkipped {
		c.tickDuration.Observe(duration.Seconds())
	}
}

// RecordSummary は直近ティックの成功率と完了時刻を記録する。
func (c *Collector) RecordSummary(summary model.TickSummary) {
	c.lastTickRatio.Set(summary.SuccessRatio())
	c.lastTickFinish.Set(float64(summary.FinishedAt.Unix()))
}

// RecordCategoryOutcome はカテゴリの処理結果とレコード判定数を記録する。
func (c *Collector) RecordCategoryOutcome(outcome model.CategoryOutcome) {
	result := "success"
	if !outcome.Success {
		result = string(outcome.Kind)
	}
	c.categories.WithLabelValues(outcome.Category, result).Inc()

	s := outcome.Stats
	c.records.WithLabelValues("insert").Add(float64(s.Inserted))
	c.records.WithLabelValues("update").Add(float64(s.Updated))
	c.records.WithLabelValues("unchanged").Add(float64(s.Unchanged))
	c.records.WithLabelValues("failed").Add(float64(s.Failed))
	c.batchCommits.Add(float64(s.Commits))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordPushSend はマルチキャスト送信のトークン単位の結果を記録する。
func (c *Collector) RecordPushSend(eventType model.EventType, success, failure int) {
	c.pushSends.WithLabelValues(string(eventType), "success").Add(float64(success))
	c.pushSends.WithLabelValues(string(eventType), "failure").Add(float64(failure))
}

// RecordTokensPruned は削除したトークン数を記録する。
func (c *Collector) RecordTokensPruned(count int) {
	c.tokensPruned.Add(float64(count))
}

// RecordPruneFailure はトークン削除の失敗を記録する。
func (c *Collector) RecordPruneFailure() {
	c.pruneFailures.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ IngestRecorder = (*Collector)(nil)
	_ PushRecorder   = (*Collector)(nil)
)

// Nop は何も記録しないレコーダー。メトリクス不要なコマンドやテストで使用する。
type Nop struct{}

func (Nop) RecordTick(string, time.Duration)            {}
func (Nop) RecordSummary(model.TickSummary)             {}
func (Nop) RecordCategoryOutcome(model.CategoryOutcome) {}
func (Nop) RecordHTTPStatus(int)                        {}
func (Nop) RecordFetchLatency(time.Duration)            {}
func (Nop) RecordPushSend(model.EventType, int, int)    {}
func (Nop) RecordTokensPruned(int)                      {}
func (Nop) RecordPruneFailure()                         {}
