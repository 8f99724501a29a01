package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/adwatch/internal/model"
)

// AdServiceInterface は広告ライブラリAPIクライアントのインターフェース。
// adslib.Clientの部分集合として定義する。
type AdServiceInterface interface {
	// GetAdInfo は広告IDからメタデータを取得する。クリエイティブ本文は無害化済み。
	GetAdInfo(ctx context.Context, adID string) (json.RawMessage, error)
}

// AdHandler は広告メタデータ取得のプロキシハンドラー。
type AdHandler struct {
	ads AdServiceInterface
}

// NewAdHandler はAdHandlerを生成する。
func NewAdHandler(ads AdServiceInterface) *AdHandler {
	return &AdHandler{ads: ads}
}

// GetAd は広告ライブラリAPIから広告メタデータを取得して返す。
// 上流が失敗してもadInfo: nullの200で応答し、UI側の表示を止めない。
// GET /api/ad/{id}
func (h *AdHandler) GetAd(w http.ResponseWriter, r *http.Request) {
	adID := chi.URLParam(r, "id")
	if adID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("広告IDが空です"))
		return
	}

	adInfo, err := h.ads.GetAdInfo(r.Context(), adID)
	if err != nil {
		slog.Warn("広告メタデータの取得に失敗しました",
			slog.String("ad_id", adID),
			slog.String("error", err.Error()),
		)
		adInfo = nil
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]json.RawMessage{
		"adInfo": adInfo,
	})
}
