package notify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/campusmate/campusfeed/internal/metrics"
	"github.com/campusmate/campusfeed/internal/repository"
)

// maxConcurrentPrunes はユーザー単位の削除トランザクションの同時実行数。
const maxConcurrentPrunes = 8

// TokenStore はトークン列をトランザクション内で更新する。
type TokenStore interface {
	UpdatePushTokens(ctx context.Context, userID string, mutate repository.TokenMutator) (bool, error)
}

// Pruner は送信に失敗したトークンを所有ユーザーのトークン列から削除する。
type Pruner struct {
	store   TokenStore
	metrics metrics.PushRecorder
	logger  *slog.Logger
}

// NewPruner はPrunerを生成する。
func NewPruner(store TokenStore, recorder metrics.PushRecorder, logger *slog.Logger) *Pruner {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{store: store, metrics: recorder, logger: logger}
}

// Prune はトランザクション内で現在のトークン列を読み、failedを除いた結果が変わる場合のみ書き戻す。
// 削除したトークン数を返す。failedが空の場合はストアにアクセスしない。
func (p *Pruner) Prune(ctx context.Context, userID string, failed []string) (int, error) {
	if len(failed) == 0 {
		return 0, nil
	}

	failedSet := make(map[string]struct{}, len(failed))
	for _, t := range failed {
		failedSet[t] = struct{}{}
	}

	removed := 0
	_, err := p.store.UpdatePushTokens(ctx, userID, func(current []string) ([]string, bool) {
		next, n := subtract(current, failedSet)
		removed = n
		return next, n > 0
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// PruneAll はユーザーごとに独立したトランザクションで並行に削除する。
// 1ユーザーの失敗はログに記録するのみで、他のユーザーの削除は継続する。
func (p *Pruner) PruneAll(ctx context.Context, failures map[string][]string) int {
	var total atomic.Int64
	var g errgroup.Group
	g.SetLimit(maxConcurrentPrunes)

	for userID, tokens := range failures {
		if len(tokens) == 0 {
			continue
		}
		g.Go(func() error {
			n, err := p.Prune(ctx, userID, tokens)
			if err != nil {
				p.metrics.RecordPruneFailure()
				p.logger.Error("無効トークンの削除に失敗しました",
					slog.String("user_id", userID),
					slog.Int("tokens", len(tokens)),
					slog.String("error", err.Error()),
				)
				return nil
			}
			if n > 0 {
				p.metrics.RecordTokensPruned(n)
				p.logger.Info("無効トークンを削除しました",
					slog.String("user_id", userID),
					slog.Int("removed", n),
				)
			}
			total.Add(int64(n))
			return nil
		})
	}

	_ = g.Wait()
	return int(total.Load())
}

// subtract はcurrentからsetに含まれるトークンを除いた列と、除いた件数を返す。順序は保持する。
func subtract(current []string, set map[string]struct{}) ([]string, int) {
	next := make([]string, 0, len(current))
	for _, t := range current {
		if _, ok := set[t]; ok {
			continue
		}
		next = append(next, t)
	}
	return next, len(current) - len(next)
}
