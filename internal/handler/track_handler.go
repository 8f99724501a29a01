package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/adwatch/internal/model"
	"github.com/hitoshi/adwatch/internal/repository"
)

// CreativeSanitizer は広告メタデータのクリエイティブ本文を無害化するインターフェース。
// adslib.Clientの部分集合として定義する。
type CreativeSanitizer interface {
	SanitizeCreative(raw json.RawMessage) json.RawMessage
}

// TrackHandler は監視広告の登録・更新ハンドラー。
type TrackHandler struct {
	queries   repository.QueryRepository
	ads       repository.TrackedAdRepository
	sanitizer CreativeSanitizer
}

// NewTrackHandler はTrackHandlerを生成する。
func NewTrackHandler(queries repository.QueryRepository, ads repository.TrackedAdRepository, sanitizer CreativeSanitizer) *TrackHandler {
	return &TrackHandler{
		queries:   queries,
		ads:       ads,
		sanitizer: sanitizer,
	}
}

// trackAdRequest は監視広告登録リクエストのボディ。
type trackAdRequest struct {
	AdID       string          `json:"adId"`
	AdInfo     json.RawMessage `json:"adInfo"`
	PreviewURL string          `json:"preview"`
	Days       *int            `json:"days"`
	IsEmpty    bool            `json:"isEmpty"`
}

// updateLiveRequest はライブスナップショット更新リクエストのボディ。
type updateLiveRequest struct {
	AdID       string          `json:"adId"`
	LiveAdInfo json.RawMessage `json:"liveAdInfo"`
}

// TrackAd は広告を監視対象として登録する。
// 同一(queryId, adId)への再登録は上書きとなる。
// POST /api/queries/{id}/track
func (h *TrackHandler) TrackAd(w http.ResponseWriter, r *http.Request) {
	query, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	var req trackAdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.AdID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("adIdが空です"))
		return
	}
	if req.Days != nil && *req.Days <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidDaysError(*req.Days))
		return
	}

	ad := &model.TrackedAd{
		QueryID:    query.ID,
		AdID:       req.AdID,
		AdInfo:     h.sanitizer.SanitizeCreative(req.AdInfo),
		PreviewURL: req.PreviewURL,
		Days:       req.Days,
		IsEmpty:    req.IsEmpty,
		AddedAt:    time.Now(),
	}
	if err := h.ads.Upsert(r.Context(), ad); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{
		"queryId": query.ID,
		"adId":    req.AdID,
	})
}

// UpdateLive は監視広告のライブスナップショットを更新する。
// PATCH /api/queries/{id}/track
func (h *TrackHandler) UpdateLive(w http.ResponseWriter, r *http.Request) {
	query, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	var req updateLiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.AdID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("adIdが空です"))
		return
	}

	liveInfo := h.sanitizer.SanitizeCreative(req.LiveAdInfo)
	affected, err := h.ads.UpdateLive(r.Context(), query.ID, req.AdID, liveInfo)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if affected == 0 {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     model.ErrCodeTrackedAdNotFound,
			Message:  "指定された監視広告が見つかりません。",
			Category: "validation",
			Action:   "広告IDを確認してください。",
		})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownedQuery はURLパラメータのクエリを取得し、呼び出しユーザーの所有を検証する。
func (h *TrackHandler) ownedQuery(w http.ResponseWriter, r *http.Request) (*model.Query, bool) {
	return ownedQueryFrom(w, r, h.queries)
}
