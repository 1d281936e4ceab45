package announcement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/campusmate/campusfeed/internal/model"
	"github.com/campusmate/campusfeed/internal/repository"
)

// Upserter は正規化済みレコードを既存レコードと比較し、挿入・更新・スキップを判定する。
type Upserter struct {
	repo      repository.AnnouncementRepository
	threshold int
	logger    *slog.Logger
	now       func() time.Time
}

// NewUpserter はUpserterを生成する。
func NewUpserter(repo repository.AnnouncementRepository, threshold int, logger *slog.Logger) *Upserter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Upserter{
		repo:      repo,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Upsert は1カテゴリ分のレコードを判定し、BatchWriter経由で書き込む。
// レコード単位の読み込み失敗はログに記録してスキップし、他のレコードは継続する。
// コミットに失敗したバッチは破棄して次のバッチで処理を続け、最初のコミットエラーを最後に返す。
// コンテキストが終了した場合はその時点で中断する。
func (u *Upserter) Upsert(ctx context.Context, category string, records []*model.Announcement) (model.UpsertStats, error) {
	writer := NewBatchWriter(u.repo, u.threshold, u.logger.With(slog.String("category", category)))
	seen := make(map[string]struct{}, len(records))
	var unchanged, readFailed int
	var commitErr error

	collect := func() model.UpsertStats {
		stats := writer.Stats()
		stats.Unchanged = unchanged
		stats.Failed += readFailed
		return stats
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return collect(), fmt.Errorf("カテゴリ %s の処理が中断されました: %w", category, err)
		}

		if _, dup := seen[rec.ID]; dup {
			u.logger.Debug("同一ティック内の重複IDをスキップ",
				slog.String("category", category),
				slog.String("id", rec.ID),
			)
			unchanged++
			continue
		}

		existing, err := u.repo.FindByID(ctx, rec.ID)
		if err != nil {
			readFailed++
			u.logger.Warn("既存レコードの読み込みに失敗",
				slog.String("category", category),
				slog.String("id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		// 読み込みに成功したIDのみ処理済みとする。失敗したIDは後続の重複で再試行される
		seen[rec.ID] = struct{}{}

		op, changed := u.decide(rec, existing)
		if !changed {
			unchanged++
			continue
		}

		if err := writer.Add(ctx, op); err != nil && commitErr == nil {
			commitErr = err
		}
	}

	if err := writer.Flush(ctx); err != nil && commitErr == nil {
		commitErr = err
	}

	stats := collect()
	u.logger.Info("公告のUpsert完了",
		slog.String("category", category),
		slog.Int("inserted", stats.Inserted),
		slog.Int("updated", stats.Updated),
		slog.Int("unchanged", stats.Unchanged),
		slog.Int("failed", stats.Failed),
		slog.Int("commits", stats.Commits),
	)
	return stats, commitErr
}

// decide はレコードに対する書き込み操作を決定する。書き込み不要の場合はfalseを返す。
func (u *Upserter) decide(rec, existing *model.Announcement) (model.WriteOp, bool) {
	now := u.now()

	if existing == nil {
		rec.CreatedAt = now
		rec.UpdatedAt = now
		if rec.PostedAt == nil {
			rec.PostedAt = &now
		}
		return model.WriteOp{Kind: model.WriteInsert, Record: rec}, true
	}

	if existing.ContentHash == rec.ContentHash {
		return model.WriteOp{}, false
	}

	rec.CreatedAt = existing.CreatedAt
	rec.UpdatedAt = now
	// 日時が解析できなかった場合は既存の値を維持する
	if rec.PostedAt == nil {
		if existing.PostedAt != nil {
			rec.PostedAt = existing.PostedAt
		} else {
			rec.PostedAt = &now
		}
	}
	return model.WriteOp{Kind: model.WriteUpdate, Record: rec}, true
}
