// Package searchsvc は類似検索サービス（Cloud Run）のクライアントを提供する。
// 動画クエリの転送、pHash再検索、レスポンスの正規化、
// エンコーディングを切り替えながら再試行するリトライディスパッチャを含む。
package searchsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/hitoshi/adwatch/internal/metrics"
)

const (
	// maxAttempts は動画クエリ転送の最大試行回数。
	maxAttempts = 3
	// baseDelay は指数バックオフの初回遅延。
	baseDelay = 500 * time.Millisecond
	// maxJitter はバックオフに加算するジッターの上限。
	maxJitter = 100 * time.Millisecond
	// maxErrorBodyBytes はエラーレスポンスボディの保持上限。
	maxErrorBodyBytes = 2048
)

// UpstreamError は類似検索サービスの非2xxレスポンスを表す。
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("類似検索サービスがステータス %d を返しました: %s", e.StatusCode, e.Body)
}

// Client は類似検索サービスのクライアント。
type Client struct {
	httpClient *http.Client
	tokens     TokenSource
	queryURL   string
	searchURL  string
	retryURL   string
	logger     *slog.Logger
	collector  metrics.MetricsCollector

	// テストでバックオフ待ちを止めるためのフック
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLは類似検索サービスのルート、retryURLはリトライ専用エンドポイント。
func NewClient(httpClient *http.Client, tokens TokenSource, baseURL, retryURL string, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	return &Client{
		httpClient: httpClient,
		tokens:     tokens,
		queryURL:   baseURL + "/query",
		searchURL:  baseURL + "/search",
		retryURL:   retryURL,
		logger:     logger,
		collector:  collector,
		sleep:      sleepContext,
	}
}

// QueryVideo はGCS上の動画への類似検索クエリを転送する。
// multipart形式（video_url, page_id）でPOSTし、5xxまたは通信エラー時は
// 指数バックオフ（500ms起点、ジッター付き）で最大3回試行する。
// 4xxは再試行せず即座に失敗する。
func (c *Client) QueryVideo(ctx context.Context, gcsPath, pageID string) (json.RawMessage, error) {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt)
			c.logger.Warn("類似検索サービスへの転送を再試行します",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		body, contentType, err := buildVideoForm(gcsPath, pageID)
		if err != nil {
			return nil, err
		}

		resp, err := c.post(ctx, c.queryURL, contentType, body)
		if err != nil {
			// 通信エラーは再試行対象
			lastErr = err
			c.logger.Error("類似検索サービスの呼び出しに失敗しました",
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)
			continue
		}

		payload, upstreamErr := readResponse(resp)
		c.collector.RecordSearchCall(resp.StatusCode)
		if upstreamErr == nil {
			return payload, nil
		}

		// 4xxはリクエスト自体の問題なので即座に諦める
		if upstreamErr.StatusCode >= 400 && upstreamErr.StatusCode < 500 {
			return nil, upstreamErr
		}
		lastErr = upstreamErr
	}

	return nil, fmt.Errorf("類似検索サービスへの転送が%d回失敗しました: %w", maxAttempts, lastErr)
}

// SearchByPhashes はpHash列による再検索をJSONでPOSTする。
// payloadはハンドラーが受け取ったリクエストボディをそのまま転送する。
func (c *Client) SearchByPhashes(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	started := time.Now()
	resp, err := c.post(ctx, c.searchURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		c.logger.Error("pHash再検索の呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	c.collector.RecordSearchCall(resp.StatusCode)
	c.collector.RecordSearchLatency(time.Since(started))

	body, upstreamErr := readResponse(resp)
	if upstreamErr != nil {
		return nil, upstreamErr
	}
	return body, nil
}

// post は認証トークンを付与してPOSTリクエストを実行する。
func (c *Client) post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

// authorize はIDトークンをAuthorizationヘッダーに付与する。空トークンは付与しない。
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// buildVideoForm はvideo_url/page_idを持つmultipartボディを構築する。
func buildVideoForm(gcsPath, pageID string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("video_url", gcsPath); err != nil {
		return nil, "", fmt.Errorf("multipartフォームの構築に失敗しました: %w", err)
	}
	if pageID != "" {
		if err := w.WriteField("page_id", pageID); err != nil {
			return nil, "", fmt.Errorf("multipartフォームの構築に失敗しました: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("multipartフォームの構築に失敗しました: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

// readResponse はレスポンスを読み取り、非2xxの場合はUpstreamErrorを返す。
func readResponse(resp *http.Response) (json.RawMessage, *UpstreamError) {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: "レスポンスボディの読み取りに失敗しました"}
	}
	return body, nil
}

// backoffDelay はattempt回目（2回目以降）の再試行前に待つ時間を返す。
// 500ms * 2^(attempt-2) にジッター（0〜100ms）を加算する。
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay
	for i := 2; i < attempt; i++ {
		delay *= 2
	}
	return delay + time.Duration(rand.Int63n(int64(maxJitter)))
}

// sleepContext はコンテキストキャンセルに応答するスリープ。
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
