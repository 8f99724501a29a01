package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hitoshi/adwatch/internal/model"
	"github.com/hitoshi/adwatch/internal/repository"
	"github.com/hitoshi/adwatch/internal/searchsvc"
)

// RetryDispatcherInterface は再検索ディスパッチャのインターフェース。
// searchsvc.Clientの部分集合として定義する。
type RetryDispatcherInterface interface {
	// RetryQuery は複数の送信形式を順に試行し、最初に成功したレスポンスを返す。
	RetryQuery(ctx context.Context, queryID string) (*searchsvc.RetryResult, error)
}

// RetryHandler はクエリ再検索のHTTPハンドラー。
type RetryHandler struct {
	dispatcher RetryDispatcherInterface
	queries    repository.QueryRepository
}

// NewRetryHandler はRetryHandlerを生成する。
func NewRetryHandler(dispatcher RetryDispatcherInterface, queries repository.QueryRepository) *RetryHandler {
	return &RetryHandler{
		dispatcher: dispatcher,
		queries:    queries,
	}
}

// retryResponse は再検索成功時のレスポンス。
type retryResponse struct {
	Encoding string              `json:"encoding"`
	Response json.RawMessage     `json:"response"`
	Attempts []searchsvc.Attempt `json:"attempts"`
	Warnings []string            `json:"warnings"`
}

// retryErrorResponse は全形式失敗時のレスポンス。試行ログを診断用に含める。
type retryErrorResponse struct {
	apiErrorResponse
	Attempts []searchsvc.Attempt `json:"attempts"`
}

// Retry はクエリ再検索を実行する。
// 成功時はレスポンスをクエリに書き戻す（ベストエフォート、失敗はwarningsに記録）。
// POST /api/queries/{id}/retry
func (h *RetryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	query, ok := ownedQueryFrom(w, r, h.queries)
	if !ok {
		return
	}

	result, err := h.dispatcher.RetryQuery(r.Context(), query.ID)
	if err != nil {
		h.writeExhausted(w, result)
		return
	}

	warnings := h.persistResult(r.Context(), query.ID, result.Response)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(retryResponse{
		Encoding: result.Encoding,
		Response: result.Response,
		Attempts: result.Attempts,
		Warnings: warnings,
	})
}

// persistResult は再検索結果をクエリへベストエフォートで書き戻す。
func (h *RetryHandler) persistResult(ctx context.Context, queryID string, response json.RawMessage) []string {
	warnings := []string{}
	if err := h.queries.UpdateResponse(ctx, queryID, response, false); err != nil {
		warnings = append(warnings, "再検索結果の保存に失敗しました")
	}
	return warnings
}

// writeExhausted は全送信形式が失敗した場合の502レスポンスを書き込む。
func (h *RetryHandler) writeExhausted(w http.ResponseWriter, result *searchsvc.RetryResult) {
	var attempts []searchsvc.Attempt
	if result != nil {
		attempts = result.Attempts
	}

	apiErr := model.NewRetryExhaustedError(len(attempts))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(retryErrorResponse{
		apiErrorResponse: apiErrorResponse{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		},
		Attempts: attempts,
	})
}
