package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/campusmate/campusfeed/internal/logger"
	"github.com/campusmate/campusfeed/internal/model"
)

// TickRunner は1ティック分の取り込みを実行する。
type TickRunner interface {
	RunOnce(ctx context.Context) (model.TickSummary, error)
}

// Scheduler は一定間隔でティックを起動する。
// 前回のティックが終わっていない場合、その回は起動しない。
type Scheduler struct {
	runner   TickRunner
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(runner TickRunner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		logger:   logger,
	}
}

// Start はスケジューラを起動し、起動直後に1回ティックを実行する。
// コンテキストがキャンセルされるまでブロックし、実行中のティックの終了を待って戻る。
func (s *Scheduler) Start(ctx context.Context) {
	cl := logger.NewCronLogger(s.logger)
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).
		Then(cron.FuncJob(func() { s.tick(ctx) }))

	c := cron.New(cron.WithLogger(cl))
	c.Schedule(cron.Every(s.interval), job)
	c.Start()

	s.logger.Info("取り込みスケジューラを開始しました",
		slog.Duration("interval", s.interval),
	)

	// 起動直後に1回実行
	job.Run()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("取り込みスケジューラを停止しました")
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.RunOnce(ctx); err != nil {
		if errors.Is(err, model.ErrTickInProgress) {
			s.logger.Info("ティックが実行中のため今回の起動を見送ります")
			return
		}
		s.logger.Error("取り込みティックの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
