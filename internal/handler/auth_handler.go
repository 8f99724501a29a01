// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/adwatch/internal/model"
)

const sessionCookieName = "session_id"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	// ExchangeIDToken はIDトークンを検証し、ユーザーをupsertしてセッションを発行する。
	ExchangeIDToken(ctx context.Context, rawToken string) (*model.Session, error)
	// SessionInfo はセッションIDからログイン中のユーザーを返す。無効な場合はnil。
	SessionInfo(ctx context.Context, sessionID string) (*model.User, error)
	// Destroy はセッションを破棄する。
	Destroy(ctx context.Context, sessionID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はセッション管理のHTTPハンドラー。
// フロントエンドがIDプロバイダで取得したIDトークンを
// HTTP OnlyのセッションCookieに交換する。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
	}
}

// createSessionRequest はセッション発行リクエストのボディ。
type createSessionRequest struct {
	IDToken string `json:"idToken"`
}

// CreateSession はIDトークンをセッションCookieに交換する。
// POST /api/auth/session
func (h *AuthHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.IDToken == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("idTokenが空です"))
		return
	}

	session, err := h.service.ExchangeIDToken(r.Context(), req.IDToken)
	if err != nil {
		slog.Warn("IDトークンの交換に失敗しました", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	h.setSessionCookie(w, session.ID, h.config.SessionMaxAge)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"authenticated": true,
	})
}

// GetSession は現在のセッション状態を返す。
// GET /api/auth/session
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		json.NewEncoder(w).Encode(map[string]any{"authenticated": false})
		return
	}

	user, err := h.service.SessionInfo(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to load session info", slog.String("error", err.Error()))
		json.NewEncoder(w).Encode(map[string]any{"authenticated": false})
		return
	}
	if user == nil {
		json.NewEncoder(w).Encode(map[string]any{"authenticated": false})
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"authenticated": true,
		"email":         user.Email,
	})
}

// DeleteSession はセッションを破棄しCookieをクリアする。
// DELETE /api/auth/session
func (h *AuthHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if destroyErr := h.service.Destroy(r.Context(), cookie.Value); destroyErr != nil {
			slog.Error("failed to destroy session", slog.String("error", destroyErr.Error()))
			// 破棄に失敗してもCookieはクリアする
		}
	}

	h.setSessionCookie(w, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// setSessionCookie はセッションCookieを設定する。maxAgeに-1を渡すと削除。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}
