package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/adwatch/internal/middleware"
	"github.com/hitoshi/adwatch/internal/model"
	"github.com/hitoshi/adwatch/internal/repository"
	"github.com/hitoshi/adwatch/internal/rights"
	"github.com/hitoshi/adwatch/internal/searchsvc"
)

// maxInlineResults はクエリ投稿レスポンスに含める正規化結果の最大件数。
const maxInlineResults = 10

// SearchServiceInterface はクエリハンドラーが必要とする類似検索サービスの操作。
type SearchServiceInterface interface {
	// QueryVideo はGCS上の動画を検索サービスに転送し、生レスポンスを返す。
	QueryVideo(ctx context.Context, gcsPath, pageID string) (json.RawMessage, error)
	// SearchByPhashes はフィンガープリントのみの再検索を行う。
	SearchByPhashes(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// ObjectSizer はアップロード済みオブジェクトのサイズ検証に必要なインターフェース。
// blobstore.BlobStoreの部分集合として定義する。
type ObjectSizer interface {
	ObjectSize(ctx context.Context, gcsPath string) (int64, error)
}

// QueryHandlerConfig はクエリハンドラーの設定。
type QueryHandlerConfig struct {
	MaxUploadBytes int64
	ListLimit      int
}

// QueryHandler は類似検索クエリのHTTPハンドラー。
type QueryHandler struct {
	search  SearchServiceInterface
	sizer   ObjectSizer
	queries repository.QueryRepository
	ads     repository.TrackedAdRepository
	config  QueryHandlerConfig
}

// NewQueryHandler はQueryHandlerを生成する。
func NewQueryHandler(
	search SearchServiceInterface,
	sizer ObjectSizer,
	queries repository.QueryRepository,
	ads repository.TrackedAdRepository,
	config QueryHandlerConfig,
) *QueryHandler {
	return &QueryHandler{
		search:  search,
		sizer:   sizer,
		queries: queries,
		ads:     ads,
		config:  config,
	}
}

// queryGCSRequest は動画クエリ投稿リクエストのボディ。
// brandはpageIdの旧称で、pageIdが空の場合のみ使用する。
type queryGCSRequest struct {
	GCSPath      string `json:"gcsPath"`
	PageID       string `json:"pageId"`
	Brand        string `json:"brand"`
	Days         *int   `json:"days"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// queryGCSResponse は動画クエリ投稿のレスポンス。
type queryGCSResponse struct {
	QueryID string             `json:"queryId"`
	Results []searchsvc.Result `json:"results"`
}

// queryResponse はクエリ情報のAPIレスポンス。
type queryResponse struct {
	ID            string             `json:"id"`
	PageID        string             `json:"pageId"`
	Days          *int               `json:"days"`
	ThumbnailURL  string             `json:"thumbnailUrl"`
	UploadedVideo string             `json:"uploadedVideo"`
	Response      json.RawMessage    `json:"response,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	LastQueried   time.Time          `json:"lastQueried"`
	LastRefreshed *time.Time         `json:"lastRefreshed"`
	TrackedAds    []trackedAdSummary `json:"trackedAds,omitempty"`
}

// trackedAdSummary は監視広告のAPIレスポンス。
type trackedAdSummary struct {
	AdID        string          `json:"adId"`
	AdInfo      json.RawMessage `json:"adInfo,omitempty"`
	PreviewURL  string          `json:"previewUrl"`
	Days        *int            `json:"days"`
	IsEmpty     bool            `json:"isEmpty"`
	LiveAdInfo  json.RawMessage `json:"liveAdInfo,omitempty"`
	LastFetched *time.Time      `json:"lastFetched"`
	AddedAt     time.Time       `json:"addedAt"`
}

// SubmitGCS はGCS上の動画による類似検索を実行しクエリとして永続化する。
// POST /api/query-gcs
func (h *QueryHandler) SubmitGCS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req queryGCSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.GCSPath == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("gcsPathが空です"))
		return
	}
	if req.Days != nil && *req.Days <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidDaysError(*req.Days))
		return
	}

	// アップロード済みオブジェクトの存在とサイズを検証してから転送する
	size, err := h.sizer.ObjectSize(r.Context(), req.GCSPath)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("指定されたオブジェクトを確認できませんでした"))
		return
	}
	if size > h.config.MaxUploadBytes {
		writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewUploadTooLargeError(size, h.config.MaxUploadBytes))
		return
	}

	pageID := req.PageID
	if pageID == "" {
		pageID = req.Brand
	}

	response, err := h.search.QueryVideo(r.Context(), req.GCSPath, pageID)
	if err != nil {
		handleUpstreamError(w, "類似検索サービス", err)
		return
	}

	now := time.Now()
	query := &model.Query{
		ID:            uuid.New().String(),
		UserID:        userID,
		PageID:        pageID,
		Days:          req.Days,
		ThumbnailURL:  req.ThumbnailURL,
		UploadedVideo: req.GCSPath,
		Response:      response,
		CreatedAt:     now,
		LastQueried:   now,
	}
	if err := h.queries.Create(r.Context(), query); err != nil {
		handleServiceError(w, err)
		return
	}

	results := searchsvc.Normalize(response)
	h.autoTrackExactMatches(r.Context(), query.ID, results)

	if len(results) > maxInlineResults {
		results = results[:maxInlineResults]
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(queryGCSResponse{
		QueryID: query.ID,
		Results: results,
	})
}

// autoTrackExactMatches はtotal_distanceが0の完全一致結果を自動で監視対象に登録する。
// 登録失敗はログのみで呼び出し元の成功レスポンスには影響させない。
func (h *QueryHandler) autoTrackExactMatches(ctx context.Context, queryID string, results []searchsvc.Result) {
	for _, res := range results {
		if res.TotalDistance == nil || *res.TotalDistance != 0 || res.ID == "" {
			continue
		}

		snapshot, err := json.Marshal(res)
		if err != nil {
			continue
		}
		ad := &model.TrackedAd{
			QueryID: queryID,
			AdID:    res.ID,
			AdInfo:  snapshot,
			AddedAt: time.Now(),
		}
		if res.URL != nil {
			ad.PreviewURL = *res.URL
		}
		if err := h.ads.Upsert(ctx, ad); err != nil {
			slog.Warn("完全一致広告の自動登録に失敗しました",
				slog.String("query_id", queryID),
				slog.String("ad_id", res.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// queryPhashesRequest はフィンガープリント再検索リクエストの書き戻し指定部分。
// phashes本体は検索サービスにそのまま転送するため生JSONで扱う。
type queryPhashesRequest struct {
	QueryID string          `json:"queryId"`
	Phashes json.RawMessage `json:"phashes"`
}

// SubmitPhashes はフィンガープリントのみの再検索を実行する。
// queryIdが指定された場合、所有するクエリのレスポンスを書き戻す（ベストエフォート）。
// POST /api/query-phashes
func (h *QueryHandler) SubmitPhashes(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}

	var req queryPhashesRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if len(req.Phashes) == 0 || string(req.Phashes) == "null" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("phashesが空です"))
		return
	}

	response, err := h.search.SearchByPhashes(r.Context(), payload)
	if err != nil {
		handleUpstreamError(w, "類似検索サービス", err)
		return
	}

	var warnings []string
	if req.QueryID != "" {
		warnings = h.writeBackResponse(r.Context(), userID, req.QueryID, response, true)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"response": response,
		"warnings": warnings,
	})
}

// writeBackResponse は検索レスポンスを所有クエリへベストエフォートで書き戻す。
// 失敗は警告として返し、主処理の成否には影響させない。
func (h *QueryHandler) writeBackResponse(ctx context.Context, userID, queryID string, response json.RawMessage, refreshed bool) []string {
	var warnings []string

	query, err := h.queries.FindByID(ctx, queryID)
	switch {
	case err != nil:
		warnings = append(warnings, "クエリの取得に失敗したためレスポンスを保存できませんでした")
	case query == nil:
		warnings = append(warnings, "指定されたクエリが存在しないためレスポンスを保存できませんでした")
	case query.UserID != userID:
		warnings = append(warnings, "所有していないクエリのためレスポンスを保存できませんでした")
	default:
		if err := h.queries.UpdateResponse(ctx, queryID, response, refreshed); err != nil {
			warnings = append(warnings, "レスポンスの保存に失敗しました")
		}
	}

	for _, warning := range warnings {
		slog.Warn("検索レスポンスの書き戻しに失敗しました",
			slog.String("query_id", queryID),
			slog.String("warning", warning),
		)
	}
	return warnings
}

// ListQueries は呼び出しユーザーのクエリ一覧を新しい順に返す。
// GET /api/queries
func (h *QueryHandler) ListQueries(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	queries, err := h.queries.ListByUser(r.Context(), userID, h.config.ListLimit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]queryResponse, 0, len(queries))
	for _, q := range queries {
		resp = append(resp, toQueryResponse(q, nil))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"queries": resp})
}

// GetQuery はクエリを配下の監視広告とともに返す。
// GET /api/queries/{id}
func (h *QueryHandler) GetQuery(w http.ResponseWriter, r *http.Request) {
	query, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	ads, err := h.ads.ListByQuery(r.Context(), query.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toQueryResponse(query, ads))
}

// updateQueryRequest はクエリメタデータ更新リクエストのボディ。
type updateQueryRequest struct {
	PageID            *string `json:"pageId"`
	Days              *int    `json:"days"`
	ThumbnailURL      *string `json:"thumbnailUrl"`
	UploadedVideo     *string `json:"uploadedVideo"`
	UpdateRefreshTime bool    `json:"update_refresh_time"`
}

// UpdateQuery はクエリメタデータを部分更新する。
// PATCH /api/queries/{id}
func (h *QueryHandler) UpdateQuery(w http.ResponseWriter, r *http.Request) {
	query, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	var req updateQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの解析に失敗しました"))
		return
	}
	if req.Days != nil && *req.Days <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidDaysError(*req.Days))
		return
	}

	update := &model.QueryUpdate{
		PageID:            req.PageID,
		Days:              req.Days,
		ThumbnailURL:      req.ThumbnailURL,
		UploadedVideo:     req.UploadedVideo,
		UpdateRefreshTime: req.UpdateRefreshTime,
	}
	if err := h.queries.UpdateMetadata(r.Context(), query.ID, update); err != nil {
		handleServiceError(w, err)
		return
	}

	updated, err := h.queries.FindByID(r.Context(), query.ID)
	if err != nil || updated == nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toQueryResponse(updated, nil))
}

// DeleteQuery はクエリと配下の監視広告を削除する。
// DELETE /api/queries/{id}
func (h *QueryHandler) DeleteQuery(w http.ResponseWriter, r *http.Request) {
	query, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	if err := h.queries.Delete(r.Context(), query.ID); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// statsResponse はクエリ単位の使用権集計のレスポンス。
type statsResponse struct {
	IsActive        bool `json:"isActive"`
	RightsRemaining int  `json:"rightsRemaining"`
	HasExceeded     bool `json:"hasExceeded"`
	TotalAds        int  `json:"totalAds"`
}

// GetStats はクエリ配下の監視広告群の使用権集計を返す。
// live=trueの場合は各広告のライブスナップショットを優先して集計する。
// GET /api/queries/{id}/stats?live=true|false
func (h *QueryHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	query, ok := h.ownedQuery(w, r)
	if !ok {
		return
	}

	ads, err := h.ads.ListByQuery(r.Context(), query.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	useLive := r.URL.Query().Get("live") == "true"
	agg := rights.BuildAggregate(ads, useLive)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsResponse{
		IsActive:        agg.IsActive,
		RightsRemaining: agg.RightsRemaining,
		HasExceeded:     agg.HasExceeded,
		TotalAds:        agg.TotalAds,
	})
}

// ownedQuery はURLパラメータのクエリを取得し、呼び出しユーザーの所有を検証する。
// 検証に失敗した場合はエラーレスポンスを書き込みfalseを返す。
func (h *QueryHandler) ownedQuery(w http.ResponseWriter, r *http.Request) (*model.Query, bool) {
	return ownedQueryFrom(w, r, h.queries)
}

// ownedQueryFrom はクエリ所有チェックの共通実装。
// 存在しない場合は404、所有者以外は403を書き込む。
func ownedQueryFrom(w http.ResponseWriter, r *http.Request, queries repository.QueryRepository) (*model.Query, bool) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return nil, false
	}

	queryID := chi.URLParam(r, "id")
	query, err := queries.FindByID(r.Context(), queryID)
	if err != nil {
		handleServiceError(w, err)
		return nil, false
	}
	if query == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewQueryNotFoundError(queryID))
		return nil, false
	}
	if query.UserID != userID {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
		return nil, false
	}
	return query, true
}

// --- ヘルパー関数 ---

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// toQueryResponse はmodel.QueryからAPIレスポンスに変換する。
func toQueryResponse(q *model.Query, ads []*model.TrackedAd) queryResponse {
	resp := queryResponse{
		ID:            q.ID,
		PageID:        q.PageID,
		Days:          q.Days,
		ThumbnailURL:  q.ThumbnailURL,
		UploadedVideo: q.UploadedVideo,
		Response:      q.Response,
		CreatedAt:     q.CreatedAt,
		LastQueried:   q.LastQueried,
		LastRefreshed: q.LastRefreshed,
	}
	for _, ad := range ads {
		resp.TrackedAds = append(resp.TrackedAds, trackedAdSummary{
			AdID:        ad.AdID,
			AdInfo:      ad.AdInfo,
			PreviewURL:  ad.PreviewURL,
			Days:        ad.Days,
			IsEmpty:     ad.IsEmpty,
			LiveAdInfo:  ad.LiveAdInfo,
			LastFetched: ad.LastFetched,
			AddedAt:     ad.AddedAt,
		})
	}
	return resp
}

// requireUserID はリクエストコンテキストからユーザーIDを取得する。
// 取得できない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleUpstreamError は外部サービス呼び出しの失敗をHTTPレスポンスに変換する。
// 上流の4xx/5xxは502、到達不能等のトランスポートエラーは500として扱う。
func handleUpstreamError(w http.ResponseWriter, service string, err error) {
	var upstreamErr *searchsvc.UpstreamError
	if errors.As(err, &upstreamErr) {
		writeAPIErrorResponse(w, http.StatusBadGateway,
			model.NewUpstreamFailedError(service, upstreamErr.Error()))
		return
	}

	slog.Error("upstream call failed",
		slog.String("service", service),
		slog.String("error", err.Error()),
	)
	writeAPIErrorResponse(w, http.StatusInternalServerError,
		model.NewUpstreamFailedError(service, "サービスに到達できませんでした"))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", errString(err)))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden, model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidFilename,
		model.ErrCodeInvalidDays, model.ErrCodeShortcodeInvalid:
		return http.StatusBadRequest
	case model.ErrCodeQueryNotFound, model.ErrCodeTrackedAdNotFound:
		return http.StatusNotFound
	case model.ErrCodeUploadTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.ErrCodeUpstreamFailed, model.ErrCodeRetryExhausted:
		return http.StatusBadGateway
	case model.ErrCodeMisconfigured:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
