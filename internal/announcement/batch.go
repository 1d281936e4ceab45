package announcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/campusmate/campusfeed/internal/model"
)

// DefaultBatchThreshold はコミット閾値の既定値。ストアの上限500件より余裕を持たせている。
const DefaultBatchThreshold = 450

// ErrBatchCommit はバッチのコミット失敗を表す。
var ErrBatchCommit = errors.New("バッチのコミットに失敗しました")

// BatchCommitter はバッチを1トランザクションでコミットする。
// 操作単位の失敗はfailuresで返り、errはバッチ全体が書き込まれなかった場合のみ返る。
type BatchCommitter interface {
	CommitBatch(ctx context.Context, ops []model.WriteOp) (failures []model.WriteFailure, err error)
}

// BatchWriter は書き込み操作を蓄積し、閾値に達するごとにコミットしてバッチを切り替える。
// 1カテゴリの処理ごとに生成し、ゴルーチン間で共有しない。
type BatchWriter struct {
	committer BatchCommitter
	threshold int
	logger    *slog.Logger

	pending []model.WriteOp
	stats   model.UpsertStats
}

// NewBatchWriter はBatchWriterを生成する。thresholdが0以下の場合は既定値を使う。
func NewBatchWriter(committer BatchCommitter, threshold int, logger *slog.Logger) *BatchWriter {
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchWriter{
		committer: committer,
		threshold: threshold,
		logger:    logger,
		pending:   make([]model.WriteOp, 0, threshold),
	}
}

// Add は操作をバッチに積む。件数が閾値に達した場合はその場でコミットする。
func (w *BatchWriter) Add(ctx context.Context, op model.WriteOp) error {
	w.pending = append(w.pending, op)
	if len(w.pending) >= w.threshold {
		return w.Flush(ctx)
	}
	return nil
}

// Flush は未コミットの操作をコミットする。空の場合は何もしない。
// 個別の書き込みに失敗した操作はFailedに計上し、残りの操作はコミット済みとして数える。
// コミット自体に失敗したバッチは破棄され、その全件がFailedに計上される。
func (w *BatchWriter) Flush(ctx context.Context) error {
	n := len(w.pending)
	if n == 0 {
		return nil
	}

	batch := w.pending
	w.pending = make([]model.WriteOp, 0, w.threshold)

	failures, err := w.committer.CommitBatch(ctx, batch)
	if err != nil {
		w.stats.Failed += n
		w.logger.Error("バッチのコミットに失敗",
			slog.Int("ops", n),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w (%d件): %w", ErrBatchCommit, n, err)
	}

	for _, op := range batch {
		switch op.Kind {
		case model.WriteInsert:
			w.stats.Inserted++
		case model.WriteUpdate:
			w.stats.Updated++
		}
	}
	for _, f := range failures {
		switch f.Op.Kind {
		case model.WriteInsert:
			w.stats.Inserted--
		case model.WriteUpdate:
			w.stats.Updated--
		}
		w.stats.Failed++
		w.logger.Warn("公告の書き込みに失敗",
			slog.String("id", failureID(f)),
			slog.String("error", errString(f.Err)),
		)
	}
	w.stats.Commits++

	w.logger.Info("バッチをコミット",
		slog.Int("ops", n),
		slog.Int("failed", len(failures)),
		slog.Int("commit", w.stats.Commits),
	)
	return nil
}

// Pending は未コミットの操作数を返す。
func (w *BatchWriter) Pending() int {
	return len(w.pending)
}

// Stats はコミット済みの集計を返す。Unchangedは含まない。
func (w *BatchWriter) Stats() model.UpsertStats {
	return w.stats
}

func failureID(f model.WriteFailure) string {
	if f.Op.Record == nil {
		return ""
	}
	return f.Op.Record.ID
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
