package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/adwatch/internal/auth"
	"github.com/hitoshi/adwatch/internal/middleware"
	"github.com/hitoshi/adwatch/internal/model"
)

type mockTokenVerifier struct {
	verifyFunc func(ctx context.Context, rawToken string) (*auth.Claims, error)
}

func (m *mockTokenVerifier) Verify(ctx context.Context, rawToken string) (*auth.Claims, error) {
	return m.verifyFunc(ctx, rawToken)
}

type mockSessionFinder struct {
	findByIDFunc func(ctx context.Context, id string) (*model.Session, error)
}

func (m *mockSessionFinder) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return m.findByIDFunc(ctx, id)
}

type mockPinger struct {
	pingFunc func(ctx context.Context) error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	if m.pingFunc != nil {
		return m.pingFunc(ctx)
	}
	return nil
}

// newTestRouter は全依存をモックで組んだルーターを返す。
func newTestRouter(t *testing.T) http.Handler {
	t.Helper()

	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	queries := &mockQueryRepo{
		listByUserFunc: func(ctx context.Context, userID string, limit int) ([]*model.Query, error) {
			return nil, nil
		},
	}

	deps := &RouterDeps{
		Verifier: &mockTokenVerifier{
			verifyFunc: func(ctx context.Context, rawToken string) (*auth.Claims, error) {
				return &auth.Claims{Subject: "user-token"}, nil
			},
		},
		SessionFinder: &mockSessionFinder{
			findByIDFunc: func(ctx context.Context, id string) (*model.Session, error) {
				if id == "valid-session" {
					return &model.Session{
						ID:        id,
						UserID:    "user-cookie",
						ExpiresAt: time.Now().Add(time.Hour),
					}, nil
				}
				return nil, nil
			},
		},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		Logger:            slog.New(slog.NewJSONHandler(io.Discard, nil)),
		AuthService:       &mockAuthService{},
		AuthConfig:        AuthHandlerConfig{SessionMaxAge: 60},
		UploadStore:       &mockBlobStore{},
		Search:            &mockSearchService{},
		Dispatcher:        &mockRetryDispatcher{},
		QueryRepo:         queries,
		AdRepo:            &mockTrackedAdRepo{},
		QueryConfig:       QueryHandlerConfig{MaxUploadBytes: 1024, ListLimit: 10},
		AdService:         &mockAdService{},
		Media:             &mockMediaService{},
		Resolver:          &mockResolver{},
		Sanitizer:         passthroughSanitizer{},
		DB:                &mockPinger{},
	}

	return NewRouter(deps)
}

func TestRouter_HealthIsPublic(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouter_ProtectedRouteRequiresAuth(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRouter_SessionCookieAuth(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "valid-session"})
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_BearerTokenAuth(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/queries", nil)
	req.Header.Set("Authorization", "Bearer some-id-token")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestRouter_AuthSessionIsPublic(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Authenticated bool `json:"authenticated"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.Authenticated {
		t.Error("authenticated = true, want false")
	}
}
