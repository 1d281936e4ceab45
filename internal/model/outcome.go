package model

import "time"

// ErrorKind はカテゴリ単位の失敗分類。
type ErrorKind string

const (
	ErrorKindNone    ErrorKind = ""
	ErrorKindFetch   ErrorKind = "fetch"
	ErrorKindParse   ErrorKind = "parse"
	ErrorKindCommit  ErrorKind = "commit"
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindPanic   ErrorKind = "panic"
	// ErrorKindSkipped はティックの予算切れで処理されなかったカテゴリ。
	ErrorKindSkipped ErrorKind = "skipped"
)

// UpsertStats は1カテゴリ分のUpsert結果の集計。
type UpsertStats struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Commits   int `json:"commits"`
}

// Writes は発行された書き込み件数を返す。
func (s UpsertStats) Writes() int {
	return s.Inserted + s.Updated
}

// CategoryOutcome は1カテゴリのパイプライン実行結果。
type CategoryOutcome struct {
	Category string        `json:"category"`
	Success  bool          `json:"success"`
	Kind     ErrorKind     `json:"error_kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Fetched  int           `json:"fetched"`
	Stats    UpsertStats   `json:"stats"`
	Duration time.Duration `json:"duration_ns"`
}

// TickSummary は1ティック分の集計結果。観測用途のみで再試行には使用しない。
type TickSummary struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Skipped    bool              `json:"skipped"` // 他インスタンスがロック保持中
	Outcomes   []CategoryOutcome `json:"outcomes"`
}

// Succeeded は成功したカテゴリ数を返す。
func (s *TickSummary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Success {
			n++
		}
	}
	return n
}

// SuccessRatio は成功カテゴリの比率を返す。カテゴリが0件なら1を返す。
func (s *TickSummary) SuccessRatio() float64 {
	if len(s.Outcomes) == 0 {
		return 1
	}
	return float64(s.Succeeded()) / float64(len(s.Outcomes))
}

// Totals は全カテゴリのUpsert集計を合算する。
func (s *TickSummary) Totals() UpsertStats {
	var t UpsertStats
	for _, o := range s.Outcomes {
		t.Inserted += o.Stats.Inserted
		t.Updated += o.Stats.Updated
		t.Unchanged += o.Stats.Unchanged
		t.Failed += o.Stats.Failed
		t.Commits += o.Stats.Commits
	}
	return t
}
