package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hitoshi/adwatch/internal/instagram"
	"github.com/hitoshi/adwatch/internal/model"
)

// MediaServiceInterface はSNSメディアメタデータAPIのインターフェース。
// instagram.MediaClientの部分集合として定義する。
type MediaServiceInterface interface {
	GetMediaInfo(ctx context.Context, shortcode string) (json.RawMessage, error)
}

// ShareLinkResolver は共有リンクを正規の投稿URLに解決するインターフェース。
// instagram.Resolverの部分集合として定義する。
type ShareLinkResolver interface {
	Resolve(ctx context.Context, shareURL string) (string, error)
}

// CheckAdHandler はSNS投稿の広告判定ハンドラー。
type CheckAdHandler struct {
	media    MediaServiceInterface
	resolver ShareLinkResolver
	ads      AdServiceInterface
}

// NewCheckAdHandler はCheckAdHandlerを生成する。
func NewCheckAdHandler(media MediaServiceInterface, resolver ShareLinkResolver, ads AdServiceInterface) *CheckAdHandler {
	return &CheckAdHandler{
		media:    media,
		resolver: resolver,
		ads:      ads,
	}
}

// checkAdRequest は広告判定リクエストのボディ。urlかshortcodeのいずれかを指定する。
type checkAdRequest struct {
	URL       string `json:"url"`
	Shortcode string `json:"shortcode"`
}

// checkAdResponse は広告判定のレスポンス。
type checkAdResponse struct {
	Shortcode string          `json:"shortcode"`
	IsAd      bool            `json:"isAd"`
	AdID      string          `json:"adId,omitempty"`
	AdURL     string          `json:"adUrl,omitempty"`
	AdInfo    json.RawMessage `json:"adInfo,omitempty"`
	Raw       json.RawMessage `json:"raw"`
}

// CheckAd はSNS投稿のURLまたはショートコードから広告かどうかを判定する。
// 共有リンク（/share/）はリダイレクト追跡とogメタタグで正規URLに解決してから
// ショートコードを抽出する。広告の場合は広告ライブラリAPIの詳細も
// ベストエフォートで取得する。
// POST /api/check-ad
func (h *CheckAdHandler) CheckAd(w http.ResponseWriter, r *http.Request) {
	var req checkAdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.URL == "" && req.Shortcode == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("urlまたはshortcodeを指定してください"))
		return
	}

	shortcode, ok := h.resolveShortcode(w, r, &req)
	if !ok {
		return
	}

	mediaInfo, err := h.media.GetMediaInfo(r.Context(), shortcode)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadGateway,
			model.NewUpstreamFailedError("メディアAPI", err.Error()))
		return
	}

	classification := instagram.ClassifyAd(mediaInfo)

	resp := checkAdResponse{
		Shortcode: shortcode,
		IsAd:      classification.IsAd,
		AdID:      classification.AdID,
		AdURL:     classification.AdURL,
		Raw:       mediaInfo,
	}

	// 広告の場合はライブラリAPIの詳細も取得する（失敗しても判定結果は返す）
	if classification.IsAd && classification.AdID != "" {
		adInfo, err := h.ads.GetAdInfo(r.Context(), classification.AdID)
		if err != nil {
			slog.Warn("広告詳細の取得に失敗しました",
				slog.String("ad_id", classification.AdID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.AdInfo = adInfo
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// resolveShortcode はリクエストからショートコードを決定する。
// 共有リンクは先に正規URLへ解決する。抽出できない場合は400を書き込みfalseを返す。
func (h *CheckAdHandler) resolveShortcode(w http.ResponseWriter, r *http.Request, req *checkAdRequest) (string, bool) {
	if req.Shortcode != "" {
		shortcode := instagram.ExtractShortcode(req.Shortcode)
		if shortcode == "" {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewShortcodeInvalidError(req.Shortcode))
			return "", false
		}
		return shortcode, true
	}

	input := req.URL
	if instagram.IsShareLink(input) {
		resolved, err := h.resolver.Resolve(r.Context(), input)
		if err != nil {
			slog.Warn("共有リンクの解決に失敗しました",
				slog.String("url", input),
				slog.String("error", err.Error()),
			)
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewShortcodeInvalidError(input))
			return "", false
		}
		input = resolved
	}

	shortcode := instagram.ExtractShortcode(input)
	if shortcode == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewShortcodeInvalidError(req.URL))
		return "", false
	}
	return shortcode, true
}
