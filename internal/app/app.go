// Package app は設定の読み込みと依存関係のワイヤリングを行い、各サブコマンドを起動する。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/campusmate/campusfeed/internal/announcement"
	"github.com/campusmate/campusfeed/internal/config"
	"github.com/campusmate/campusfeed/internal/database"
	"github.com/campusmate/campusfeed/internal/feed"
	"github.com/campusmate/campusfeed/internal/handler"
	"github.com/campusmate/campusfeed/internal/lock"
	"github.com/campusmate/campusfeed/internal/logger"
	"github.com/campusmate/campusfeed/internal/metrics"
	"github.com/campusmate/campusfeed/internal/notify"
	"github.com/campusmate/campusfeed/internal/repository"
	"github.com/campusmate/campusfeed/internal/worker/events"
	"github.com/campusmate/campusfeed/internal/worker/ingest"
)

const shutdownTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("feed_base_url", cfg.FeedBaseURL),
		slog.Int("categories", len(cfg.Categories)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandIngest:
		return runIngest(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runWorker(ctx, cfg)
	}
}

// runWorker は常駐モードで起動する。
// 取り込みスケジューラ、イベントリスナー、管理HTTPサーバーを並行に動かし、
// シグナル受信またはいずれかの異常終了でまとめて停止する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	orchestrator, closeLock, err := buildOrchestrator(ctx, cfg, db, collector)
	if err != nil {
		return err
	}
	defer closeLock()

	scheduler := ingest.NewScheduler(orchestrator, cfg.TickInterval, slog.Default())

	var listener *events.Listener
	if cfg.EventsEnabled {
		dispatcher, err := buildDispatcher(ctx, cfg, db, collector)
		if err != nil {
			return err
		}
		listener = events.NewListener(cfg.DatabaseURL, dispatcher, slog.Default())
	} else {
		slog.Info("EVENTS_ENABLED=false のためイベントリスナーを起動しません")
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(&handler.RouterDeps{
			HealthChecker:  db,
			Ingest:         orchestrator,
			MetricsHandler: metrics.Handler(registry),
			Logger:         slog.Default(),
		}),
		ReadTimeout: 15 * time.Second,
		// 手動ティックはティック予算いっぱいまで応答を待つ
		WriteTimeout: cfg.TickTimeout + shutdownTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})

	if listener != nil {
		g.Go(func() error {
			return listener.Start(gctx)
		})
	}

	g.Go(func() error {
		slog.Info("admin server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin server shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runIngest はティックを1回実行して終了する。
// 全カテゴリが失敗した場合はエラーを返し、終了コードで失敗を伝える。
func runIngest(ctx context.Context, cfg *config.Config) error {
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	orchestrator, closeLock, err := buildOrchestrator(ctx, cfg, db, metrics.Nop{})
	if err != nil {
		return err
	}
	defer closeLock()

	summary, err := orchestrator.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("ingest tick failed: %w", err)
	}

	totals := summary.Totals()
	slog.Info("ingest finished",
		slog.String("run_id", summary.RunID),
		slog.Bool("skipped", summary.Skipped),
		slog.Int("succeeded", summary.Succeeded()),
		slog.Int("categories", len(summary.Outcomes)),
		slog.Int("inserted", totals.Inserted),
		slog.Int("updated", totals.Updated),
	)

	if !summary.Skipped && len(summary.Outcomes) > 0 && summary.Succeeded() == 0 {
		return errors.New("all categories failed")
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func openDatabase(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

// buildOrchestrator は取り込みパイプラインを組み立てる。
// 返り値の関数はロックの接続を閉じる。
func buildOrchestrator(ctx context.Context, cfg *config.Config, db *sql.DB, recorder metrics.IngestRecorder) (*ingest.Orchestrator, func(), error) {
	normalizer, err := announcement.NewNormalizer(cfg.FeedOrigin, cfg.FeedTZOffset, cfg.FeedSource)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create normalizer: %w", err)
	}

	fetcher := feed.NewFetcher(feed.Options{
		BaseURL:     cfg.FeedBaseURL,
		UserAgent:   cfg.FeedUserAgent,
		PageSize:    cfg.FeedPageSize,
		Timeout:     cfg.FetchTimeout,
		MaxBodySize: cfg.FetchMaxSize,
		MinInterval: cfg.FetchMinInterval,
	}, slog.Default())

	upserter := announcement.NewUpserter(
		repository.NewPostgresAnnouncementRepo(db),
		cfg.BatchThreshold,
		slog.Default(),
	)

	locker, closeLock, err := newLocker(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}

	orchestrator := ingest.NewOrchestrator(
		cfg.Categories, fetcher, normalizer, upserter,
		locker, recorder, slog.Default(), cfg.TickTimeout,
	)
	return orchestrator, closeLock, nil
}

// newLocker はREDIS_URLが設定されていればRedisロックを、なければNopLockを返す。
// 起動時にRedisへ到達できなくても起動は続け、ティックごとの取得失敗として扱う。
func newLocker(ctx context.Context, redisURL string) (lock.Locker, func(), error) {
	if redisURL == "" {
		slog.Info("REDIS_URL未設定のためティックロックを無効化します")
		return lock.NopLock{}, func() {}, nil
	}

	l, err := lock.NewRedisLock(redisURL, lock.DefaultKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if err := l.Ping(ctx); err != nil {
		slog.Warn("Redisに接続できません。ロックなしでティックを継続します",
			slog.String("error", err.Error()),
		)
	}
	return l, func() { _ = l.Close() }, nil
}

// buildDispatcher はプッシュ通知のディスパッチャーを組み立てる。
func buildDispatcher(ctx context.Context, cfg *config.Config, db *sql.DB, recorder metrics.PushRecorder) (*notify.Dispatcher, error) {
	users := repository.NewPostgresUserRepo(db)

	sender, err := notify.NewFirebaseSender(ctx, cfg.FirebaseCredentialsFile, cfg.PushDryRun, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to create push sender: %w", err)
	}

	pruner := notify.NewPruner(users, recorder, slog.Default())
	return notify.NewDispatcher(users, sender, pruner, recorder, slog.Default()), nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
