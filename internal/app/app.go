package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/adwatch/internal/adslib"
	"github.com/hitoshi/adwatch/internal/auth"
	"github.com/hitoshi/adwatch/internal/blobstore"
	"github.com/hitoshi/adwatch/internal/config"
	"github.com/hitoshi/adwatch/internal/database"
	"github.com/hitoshi/adwatch/internal/handler"
	"github.com/hitoshi/adwatch/internal/instagram"
	"github.com/hitoshi/adwatch/internal/logger"
	"github.com/hitoshi/adwatch/internal/metrics"
	"github.com/hitoshi/adwatch/internal/middleware"
	"github.com/hitoshi/adwatch/internal/repository"
	"github.com/hitoshi/adwatch/internal/searchsvc"
	"github.com/hitoshi/adwatch/internal/security"
	"github.com/hitoshi/adwatch/internal/worker/refresh"
)

// resolveTimeout は共有リンク解決のHTTPタイムアウト。
const resolveTimeout = 10 * time.Second

// resolveMaxBodySize は共有リンク解決で読み込むレスポンスの上限バイト数。
const resolveMaxBodySize = 1 << 20

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

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
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// newSearchTokenSource は検索サービス向けのIDトークンソースを生成する。
// 認証情報が無い環境（ローカル開発等）ではトークンなしにフォールバックする。
func newSearchTokenSource(ctx context.Context, audience string) searchsvc.TokenSource {
	tokens, err := searchsvc.NewIDTokenSource(ctx, audience)
	if err != nil {
		slog.Warn("IDトークンソースの初期化に失敗したため認証なしで接続します",
			slog.String("audience", audience),
			slog.String("error", err.Error()),
		)
		return searchsvc.StaticTokenSource("")
	}
	return tokens
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	queryRepo := repository.NewPostgresQueryRepo(db)
	trackedAdRepo := repository.NewPostgresTrackedAdRepo(db)

	// 3. IDトークン検証と認証サービスの初期化
	verifier, err := auth.NewJWKSVerifier(ctx, cfg.IdentityJWKSURL, cfg.IdentityIssuer, cfg.IdentityAudience)
	if err != nil {
		return fmt.Errorf("failed to initialize token verifier: %w", err)
	}
	authService := auth.NewService(
		verifier, userRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)

	// 4. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 5. 外部サービスクライアントの初期化
	tokens := newSearchTokenSource(ctx, cfg.SearchServiceAudience)
	searchClient := searchsvc.NewClient(
		&http.Client{Timeout: cfg.SearchTimeout},
		tokens, cfg.SearchServiceURL, cfg.SearchRetryURL,
		slog.Default(), collector,
	)

	adsClient := adslib.NewClient(
		&http.Client{Timeout: cfg.AdsAPITimeout},
		cfg.AdsAPIHost, cfg.AdsAPIKey, cfg.UseMockAds, cfg.MockDir,
		slog.Default(), collector,
	)

	mediaClient := instagram.NewMediaClient(
		&http.Client{Timeout: cfg.AdsAPITimeout},
		cfg.MediaAPIURL, cfg.MediaAPIToken, cfg.UseMockAds, cfg.MockDir,
		slog.Default(),
	)

	// 共有リンクの解決はユーザー入力URLへのリクエストになるためSSRF防止付きで行う
	ssrfGuard := security.NewSSRFGuard()
	resolver := instagram.NewResolver(
		ssrfGuard.NewSafeClient(resolveTimeout, resolveMaxBodySize),
		slog.Default(),
	)

	// 6. GCSストアの初期化
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize storage client: %w", err)
	}
	defer storageClient.Close()
	blobStore := blobstore.NewGCSStore(storageClient, cfg.UploadBucket)

	// 7. ルーターの構築
	rateLimiterCfg := middleware.RateLimiterConfig{
		// configのレートはreq/min単位なのでreq/secに変換する
		GeneralRate:     rate.Limit(float64(cfg.RateLimitGeneral) / 60.0),
		GeneralBurst:    cfg.RateLimitGeneral,
		QueryRate:       rate.Limit(float64(cfg.RateLimitQuery) / 60.0),
		QueryBurst:      cfg.RateLimitQuery,
		CleanupInterval: 5 * time.Minute,
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Verifier:          verifier,
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		UploadStore: blobStore,

		Search:     searchClient,
		Dispatcher: searchClient,
		QueryRepo:  queryRepo,
		AdRepo:     trackedAdRepo,
		QueryConfig: handler.QueryHandlerConfig{
			MaxUploadBytes: cfg.MaxUploadBytes,
			ListLimit:      cfg.QueriesListLimit,
		},

		AdService: adsClient,
		Media:     mediaClient,
		Resolver:  resolver,
		Sanitizer: adsClient,

		DB:             db,
		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
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
// DB接続を開き、監視広告のリフレッシュスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	queryRepo := repository.NewPostgresQueryRepo(db)
	trackedAdRepo := repository.NewPostgresTrackedAdRepo(db)

	// 3. 外部サービスクライアントの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	tokens := newSearchTokenSource(ctx, cfg.SearchServiceAudience)
	searchClient := searchsvc.NewClient(
		&http.Client{Timeout: cfg.SearchTimeout},
		tokens, cfg.SearchServiceURL, cfg.SearchRetryURL,
		slog.Default(), collector,
	)

	adsClient := adslib.NewClient(
		&http.Client{Timeout: cfg.AdsAPITimeout},
		cfg.AdsAPIHost, cfg.AdsAPIKey, cfg.UseMockAds, cfg.MockDir,
		slog.Default(), collector,
	)

	// 4. リフレッシャーとスケジューラの初期化
	refresher := refresh.NewRefresher(
		queryRepo, trackedAdRepo, searchClient, adsClient,
		slog.Default(), collector,
	)
	scheduler := refresh.NewScheduler(
		queryRepo, sessionRepo, refresher,
		slog.Default(), cfg.RefreshStaleAfter, cfg.RefreshMaxConcurrent,
	)

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("refresh_interval", cfg.RefreshInterval),
		slog.Duration("stale_after", cfg.RefreshStaleAfter),
		slog.Int("max_concurrent", cfg.RefreshMaxConcurrent),
	)

	// リフレッシュスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.RefreshInterval)

	slog.Info("worker stopped gracefully")
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
