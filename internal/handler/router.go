package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/adwatch/internal/auth"
	"github.com/hitoshi/adwatch/internal/blobstore"
	"github.com/hitoshi/adwatch/internal/middleware"
	"github.com/hitoshi/adwatch/internal/repository"
)

// Pinger はヘルスチェックに必要なDB接続のインターフェース。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Verifier          auth.TokenVerifier
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Logger            *slog.Logger

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// アップロード
	UploadStore blobstore.BlobStore

	// クエリ
	Search      SearchServiceInterface
	Dispatcher  RetryDispatcherInterface
	QueryRepo   repository.QueryRepository
	AdRepo      repository.TrackedAdRepository
	QueryConfig QueryHandlerConfig

	// 広告判定
	AdService AdServiceInterface
	Media     MediaServiceInterface
	Resolver  ShareLinkResolver
	Sanitizer CreativeSanitizer

	// 運用
	DB             Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Auth → RateLimit(General)
//
// 認証ルート（/api/auth/*）とヘルスチェックは認証ミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	uploadHandler := NewUploadHandler(deps.UploadStore)
	queryHandler := NewQueryHandler(deps.Search, deps.UploadStore, deps.QueryRepo, deps.AdRepo, deps.QueryConfig)
	trackHandler := NewTrackHandler(deps.QueryRepo, deps.AdRepo, deps.Sanitizer)
	retryHandler := NewRetryHandler(deps.Dispatcher, deps.QueryRepo)
	adHandler := NewAdHandler(deps.AdService)
	checkAdHandler := NewCheckAdHandler(deps.Media, deps.Resolver, deps.AdService)

	// --- 認証不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// セッション管理
	r.Route("/api/auth/session", func(r chi.Router) {
		r.Post("/", authHandler.CreateSession)
		r.Get("/", authHandler.GetSession)
		r.Delete("/", authHandler.DeleteSession)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.Verifier, deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// アップロード
		r.Post("/api/upload-url", uploadHandler.CreateUploadURL)

		// クエリ投稿（投稿専用レート制限を追加）
		r.With(deps.RateLimiter.QuerySubmissionMiddleware()).Post("/api/query-gcs", queryHandler.SubmitGCS)
		r.With(deps.RateLimiter.QuerySubmissionMiddleware()).Post("/api/query-phashes", queryHandler.SubmitPhashes)

		// クエリ管理
		r.Route("/api/queries", func(r chi.Router) {
			r.Get("/", queryHandler.ListQueries)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", queryHandler.GetQuery)
				r.Patch("/", queryHandler.UpdateQuery)
				r.Delete("/", queryHandler.DeleteQuery)
				r.Get("/stats", queryHandler.GetStats)

				r.Post("/track", trackHandler.TrackAd)
				r.Patch("/track", trackHandler.UpdateLive)
				r.Post("/retry", retryHandler.Retry)
			})
		})

		// 広告メタデータ
		r.Get("/api/ad/{id}", adHandler.GetAd)
		r.Post("/api/check-ad", checkAdHandler.CheckAd)
	})

	return r
}
