package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/mailbox/internal/bundling"
	"github.com/hitoshi/mailbox/internal/config"
	"github.com/hitoshi/mailbox/internal/database"
	"github.com/hitoshi/mailbox/internal/delivery"
	"github.com/hitoshi/mailbox/internal/handler"
	"github.com/hitoshi/mailbox/internal/ingest"
	"github.com/hitoshi/mailbox/internal/logger"
	"github.com/hitoshi/mailbox/internal/metrics"
	"github.com/hitoshi/mailbox/internal/middleware"
	"github.com/hitoshi/mailbox/internal/repository"
	"github.com/hitoshi/mailbox/internal/subdomain"
	"github.com/hitoshi/mailbox/internal/weight"
	"github.com/hitoshi/mailbox/internal/worker/archive"
)

// Init はアプリケーションの初期化を行う。
// .envを読み込んだ後に環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にもログを出せるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// SIGINTまたはSIGTERMを受信するとコンテキストをキャンセルしてシャットダウンする。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return RunContext(ctx, w, args)
}

// RunContext はctxがキャンセルされるまでサブコマンドを実行する。
func RunContext(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(ctx, port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg, MigrateDirection(args))
	default:
		return runServe(ctx, cfg)
	}
}

// apiDeps はAPIサーバーの構成要素。シャットダウン時に順に停止する。
type apiDeps struct {
	handler     http.Handler
	delivery    *delivery.Service
	rateLimiter *middleware.RateLimiter
}

// newAPI はDB接続とコンテンツ依頼先からAPIサーバーの依存関係を組み立てる。
func newAPI(cfg *config.Config, db *sql.DB, content delivery.ContentService, reg *prometheus.Registry) *apiDeps {
	collector := metrics.NewCollector(reg)

	// 1. リポジトリ
	notificationRepo := repository.NewPostgresNotificationRepo(db, cfg.AckChunkSize)
	bundleRepo := repository.NewPostgresBundleRepo(db)

	// 2. バンドル選択
	engine := bundling.NewEngine(weight.NewCalculator(cfg.MaxWeightOverrides))

	// 3. 確認後のアーカイブ
	archiveJob := archive.NewJob(db, slog.Default(), collector)
	archiveJob.BatchSize = cfg.ArchiveBatchSize
	archiveJob.RetentionDays = cfg.BundleRetentionDays

	// 4. ドメインサービス
	deliveryService := delivery.NewService(
		notificationRepo, bundleRepo, engine, content, archiveJob,
		collector, slog.Default(),
		delivery.ServiceConfig{
			ReplyTimeout:   cfg.ContentReplyTimeout,
			ArchiveTimeout: cfg.ArchiveTimeout,
		},
	)
	ingestService := ingest.NewService(notificationRepo, collector, slog.Default())

	// 5. ルーター
	health := handler.HealthCheckers{db}
	if checker, ok := content.(handler.HealthChecker); ok {
		health = append(health, checker)
	}
	rateLimiter := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitPerMinute))
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		StatusObserver:  collector,
		HealthChecker:   health,
		MetricsHandler:  metrics.Handler(reg),
		RateLimiter:     rateLimiter,
		DeliveryService: deliveryService,
		IngestService:   ingestService,
	})

	return &apiDeps{handler: router, delivery: deliveryService, rateLimiter: rateLimiter}
}

// newRegistry はプロセスとGoランタイムのメトリクスを含むレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// DBとAMQPに接続し、全依存関係をワイヤリングしてHTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connection established")

	// 2. サブドメインへのコンテンツ依頼チャネル
	content, err := subdomain.Dial(cfg.AMQPURL, subdomain.Config{
		Exchange:   cfg.ContentRequestExchange,
		ReplyQueue: cfg.ContentReplyQueue,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to connect to message broker: %w", err)
	}
	defer content.Close()

	// 応答の受信はHTTPサーバーの停止後に止める。処理中のpeekが応答を受け取れるようにする。
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if err := content.Start(consumerCtx); err != nil {
		return fmt.Errorf("failed to start content reply consumer: %w", err)
	}

	// 3. ワイヤリング
	api := newAPI(cfg, db, content, newRegistry())
	defer api.rateLimiter.Stop()

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      api.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second + cfg.ContentReplyTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("server listen error: %w", err)
	}

	// 応答受信の停止、確認直後のアーカイブの完了の順に待ってから接続を閉じる
	return serveUntil(ctx, server, ln, cfg.ShutdownTimeout, stopConsumer, api.delivery.Wait)
}

// serveUntil はctxがキャンセルされるまでlnでHTTPを提供し、グレースフルシャットダウンする。
// afterShutdownは処理中のリクエストが完了した後に順に呼ばれる。
func serveUntil(ctx context.Context, server *http.Server, ln net.Listener, shutdownTimeout time.Duration, afterShutdown ...func()) error {
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	for _, f := range afterShutdown {
		f()
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 確認済み通知のアーカイブと古いバンドルの削除を定期実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connection established (worker)")

	reg := newRegistry()
	job := archive.NewJob(db, slog.Default(), metrics.NewCollector(reg))
	job.BatchSize = cfg.ArchiveBatchSize
	job.RetentionDays = cfg.BundleRetentionDays

	scheduler := archive.NewScheduler(job, slog.Default(), cfg.ArchiveTimeout)

	slog.Info("worker starting",
		slog.String("archive_schedule", cfg.ArchiveSchedule),
		slog.Int("archive_batch_size", cfg.ArchiveBatchSize),
		slog.Int("bundle_retention_days", cfg.BundleRetentionDays),
	)

	// スケジューラをメインgoroutineで実行（ctxのキャンセルまでブロック）
	if err := scheduler.Start(ctx, cfg.ArchiveSchedule); err != nil {
		return fmt.Errorf("archive scheduler failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// directionが"down"の場合は直近の1件を戻す。
func runMigrate(cfg *config.Config, direction string) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.String("direction", direction),
	)

	var err error
	if direction == "down" {
		err = database.RollbackMigrations(cfg.DatabaseURL, 1)
	} else {
		err = database.RunMigrations(cfg.DatabaseURL)
	}
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck は/healthにHTTPリクエストを送り、結果を返す。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
