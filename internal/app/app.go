package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/eventman/internal/auth"
	"github.com/hitoshi/eventman/internal/config"
	"github.com/hitoshi/eventman/internal/database"
	"github.com/hitoshi/eventman/internal/event"
	"github.com/hitoshi/eventman/internal/handler"
	"github.com/hitoshi/eventman/internal/logger"
	"github.com/hitoshi/eventman/internal/metrics"
	"github.com/hitoshi/eventman/internal/middleware"
	"github.com/hitoshi/eventman/internal/notification"
	"github.com/hitoshi/eventman/internal/realtime"
	"github.com/hitoshi/eventman/internal/realtime/kafkarelay"
	"github.com/hitoshi/eventman/internal/registration"
	"github.com/hitoshi/eventman/internal/repository"
	"github.com/hitoshi/eventman/internal/security"
	"github.com/hitoshi/eventman/internal/worker/cleanup"
)

// imageCheckTimeout は画像URLの到達確認にかける上限時間。
const imageCheckTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		PrintUsage(w)
		return nil
	}

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
		slog.String("store", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.PublicBaseURL),
	)

	// SIGINTまたはSIGTERMでキャンセルされるコンテキスト
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// stores はサービスが利用するリポジトリ一式。
type stores struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	events   repository.EventRepository
	// health はPostgreSQL利用時のみ設定する。
	health handler.HealthChecker
	close  func() error
}

// openStores は設定に応じてPostgreSQLまたはインメモリのストアを開く。
func openStores(cfg *config.Config) (*stores, error) {
	if cfg.UsesMemoryStore() {
		slog.Warn("using in-memory store; data is lost on restart and not shared between instances")
		return &stores{
			users:    repository.NewMemoryUserRepo(),
			sessions: repository.NewMemorySessionRepo(),
			events:   repository.NewMemoryEventRepo(),
			close:    func() error { return nil },
		}, nil
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &stores{
		users:    repository.NewPostgresUserRepo(db),
		sessions: repository.NewPostgresSessionRepo(db),
		events:   repository.NewPostgresEventRepo(db),
		health:   db,
		close:    db.Close,
	}, nil
}

func openDatabase(databaseURL string) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.OpenAndPing(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(databaseURL)),
	)
	return db, nil
}

// server はHTTPハンドラーとバックグラウンド処理を束ねたもの。
type server struct {
	handler    http.Handler
	hub        *realtime.Hub
	background []func(ctx context.Context)
	closers    []func() error
}

// close は登録された終了処理を逆順に実行する。
func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
}

// buildServer は全依存関係をワイヤリングし、ルーターを構成する。
func buildServer(cfg *config.Config, st *stores, reg *prometheus.Registry) *server {
	srv := &server{}

	// 1. メトリクスと配信Hub
	collector := metrics.NewCollector(reg)
	hub := realtime.NewHub(cfg.SubscriberBuffer, collector)
	srv.hub = hub

	// 2. 配信経路: Kafka有効時はKafka経由で全インスタンスのHubへ届ける
	var publisher realtime.Publisher = hub
	if cfg.KafkaEnabled() {
		relay := kafkarelay.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		consumer := kafkarelay.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, hub)
		publisher = relay
		srv.closers = append(srv.closers, relay.Close, consumer.Close)
		srv.background = append(srv.background, func(ctx context.Context) {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("roster change relay stopped", slog.String("error", err.Error()))
			}
		})
		slog.Info("roster change relay enabled",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.KafkaTopic),
		)
	}

	// 3. ドメインサービス
	authService := auth.NewService(st.users, st.sessions, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
	})
	eventService := event.NewService(
		st.events,
		security.NewContentSanitizer(),
		security.NewURLGuard(imageCheckTimeout),
		hub,
		st.users,
		event.Config{
			RequireOrganizerRole: cfg.RequireOrganizerRole,
			CheckImageURL:        cfg.ImageURLCheck,
			BaseURL:              cfg.PublicBaseURL,
		},
	)
	registrationService := registration.NewService(st.events, publisher, collector, cfg.RegistrationTimeout)
	notificationService := notification.NewService(st.events, cfg.UrgentWindow)

	// 4. インメモリストアはworkerと共有できないため、サーバー内でクリーンアップする
	if cfg.UsesMemoryStore() {
		job := cleanup.NewSessionCleanupJob(st.sessions, collector, slog.Default())
		srv.background = append(srv.background, func(ctx context.Context) {
			job.Start(ctx, cfg.SessionCleanupInterval)
		})
	}

	// 5. ルーターの構築（configはreq/min単位）
	rateLimiter := middleware.NewRateLimiter(
		middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitRegistration),
	)
	srv.closers = append(srv.closers, func() error {
		rateLimiter.Stop()
		return nil
	})

	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Identifier:        authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		MetricsCollector: collector,
		MetricsGatherer:  reg,
		HealthChecker:    st.health,

		AuthService:         authService,
		EventService:        eventService,
		RegistrationService: registrationService,
		NotificationService: handler.NewNotificationServiceAdapter(notificationService),

		Hub:             hub,
		WSAllowedOrigin: cfg.WSAllowedOrigin,
	})

	return srv
}

// newRegistry はプロセス・Goランタイムのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.close()

	srv := buildServer(cfg, st, newRegistry())
	defer srv.close()

	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	for _, fn := range srv.background {
		go fn(bgCtx)
	}

	// WriteTimeoutはWebSocket接続を切断してしまうため設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// PostgreSQLに接続し、期限切れセッションのクリーンアップを定期実行する。
// ctxがキャンセルされるとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.UsesMemoryStore() {
		return errors.New("worker requires STORE_DRIVER=postgres; the in-memory store cleans up inside the server")
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	collector := metrics.NewCollector(prometheus.NewRegistry())
	job := cleanup.NewSessionCleanupJob(repository.NewPostgresSessionRepo(db), collector, slog.Default())

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	// ブロッキング
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.UsesMemoryStore() {
		slog.Info("in-memory store selected; no migrations to run")
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, _, err := database.SchemaVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
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
