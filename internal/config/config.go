package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// 類似検索サービス（Cloud Run）
	SearchServiceURL      string
	SearchServiceAudience string
	SearchRetryURL        string
	SearchTimeout         time.Duration

	// 広告ライブラリAPI（RapidAPI）
	AdsAPIHost    string
	AdsAPIKey     string
	AdsAPITimeout time.Duration

	// SNSメディアメタデータAPI
	MediaAPIURL   string
	MediaAPIToken string

	// モックフィクスチャ
	UseMockAds bool
	MockDir    string

	// アップロード（GCS）
	UploadBucket   string
	MaxUploadBytes int64

	// IDトークン検証
	IdentityJWKSURL  string
	IdentityIssuer   string
	IdentityAudience string

	// Session
	SessionMaxAge int

	// Query
	QueriesListLimit int

	// Refresh worker
	RefreshInterval      time.Duration
	RefreshStaleAfter    time.Duration
	RefreshMaxConcurrent int

	// Rate Limit
	RateLimitGeneral int
	RateLimitQuery   int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// googleSecureTokenJWKS はFirebase/Identity Platform発行トークンの既定JWKSエンドポイント。
const googleSecureTokenJWKS = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SearchServiceURL = os.Getenv("SEARCH_SERVICE_URL")
	if cfg.SearchServiceURL == "" {
		missing = append(missing, "SEARCH_SERVICE_URL")
	}

	cfg.IdentityAudience = os.Getenv("IDENTITY_AUDIENCE")
	if cfg.IdentityAudience == "" {
		missing = append(missing, "IDENTITY_AUDIENCE")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	base := strings.TrimRight(cfg.SearchServiceURL, "/")
	cfg.SearchServiceAudience = getEnvString("SEARCH_SERVICE_AUDIENCE", cfg.SearchServiceURL)
	cfg.SearchRetryURL = getEnvString("SEARCH_RETRY_URL", base+"/retry")
	cfg.SearchTimeout = getEnvDuration("SEARCH_TIMEOUT", 60*time.Second)

	cfg.AdsAPIHost = getEnvString("ADS_API_HOST", "facebook-ads-library-scraper-api.p.rapidapi.com")
	cfg.AdsAPIKey = os.Getenv("ADS_API_KEY")
	cfg.AdsAPITimeout = getEnvDuration("ADS_API_TIMEOUT", 15*time.Second)

	cfg.MediaAPIURL = getEnvString("MEDIA_API_URL", "https://v1.rocketapi.io/instagram/media/get_info_by_shortcode")
	cfg.MediaAPIToken = os.Getenv("MEDIA_API_TOKEN")

	cfg.UseMockAds = getEnvBool("USE_MOCK_ADS", false)
	cfg.MockDir = getEnvString("MOCK_DIR", "mocks")

	cfg.UploadBucket = os.Getenv("UPLOAD_BUCKET")
	cfg.MaxUploadBytes = getEnvInt64("MAX_UPLOAD_BYTES", 100*1024*1024)

	cfg.IdentityJWKSURL = getEnvString("IDENTITY_JWKS_URL", googleSecureTokenJWKS)
	cfg.IdentityIssuer = getEnvString("IDENTITY_ISSUER", "https://securetoken.google.com/"+cfg.IdentityAudience)

	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 5*24*60*60)
	cfg.QueriesListLimit = getEnvInt("QUERIES_LIST_LIMIT", 200)

	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 10*time.Minute)
	cfg.RefreshStaleAfter = getEnvDuration("REFRESH_STALE_AFTER", 24*time.Hour)
	cfg.RefreshMaxConcurrent = getEnvInt("REFRESH_MAX_CONCURRENT", 4)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitQuery = getEnvInt("RATE_LIMIT_QUERY", 10)

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
