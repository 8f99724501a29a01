package searchsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// Attempt はリトライディスパッチャの試行1回分の記録。
type Attempt struct {
	Encoding string `json:"encoding"`
	Status   int    `json:"status,omitempty"`
	Body     string `json:"body,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RetryResult はリトライディスパッチャの実行結果。
// 成功時はResponseに採用されたレスポンス、Encodingに成功したエンコーディング名が入る。
// Attemptsには成功分を含む全試行が時系列で記録される。
type RetryResult struct {
	Response json.RawMessage `json:"response,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
	Attempts []Attempt       `json:"attempts"`
}

// encodingJSON等はディスパッチャが順に試すエンコーディング名。
const (
	encodingJSON       = "json"
	encodingMultipart  = "multipart"
	encodingURLEncoded = "urlencoded"
	encodingGetQueryID = "get_query_id"
	encodingGetID      = "get_id"
)

// RetryQuery はリトライエンドポイントに対し、エンコーディングを
// 切り替えながらquery_idの再処理を依頼する。順序は
// JSON POST → multipart POST → URLエンコードPOST → GET ?query_id= → GET ?id=。
// ステータスが[200,300)の最初の試行で打ち切り、その結果を返す。
// 個々の失敗（非2xx・通信エラー）は記録して次へ進み、全滅した場合のみ
// エラーと全試行ログを返す。試行間の待機は行わない。
func (c *Client) RetryQuery(ctx context.Context, queryID string) (*RetryResult, error) {
	builders := []struct {
		encoding string
		build    func() (*http.Request, error)
	}{
		{encodingJSON, func() (*http.Request, error) { return c.retryJSONRequest(ctx, queryID) }},
		{encodingMultipart, func() (*http.Request, error) { return c.retryMultipartRequest(ctx, queryID) }},
		{encodingURLEncoded, func() (*http.Request, error) { return c.retryURLEncodedRequest(ctx, queryID) }},
		{encodingGetQueryID, func() (*http.Request, error) { return c.retryGetRequest(ctx, "query_id", queryID) }},
		{encodingGetID, func() (*http.Request, error) { return c.retryGetRequest(ctx, "id", queryID) }},
	}

	result := &RetryResult{Attempts: make([]Attempt, 0, len(builders))}

	for _, b := range builders {
		attempt := c.tryRetryEncoding(ctx, b.encoding, b.build)
		result.Attempts = append(result.Attempts, attempt)

		success := attempt.Error == "" && attempt.Status >= 200 && attempt.Status < 300
		c.collector.RecordRetryAttempt(b.encoding, success)

		if success {
			result.Response = json.RawMessage(attempt.Body)
			result.Encoding = b.encoding
			c.logger.Info("リトライディスパッチャが成功しました",
				slog.String("query_id", queryID),
				slog.String("encoding", b.encoding),
				slog.Int("attempts", len(result.Attempts)),
			)
			return result, nil
		}

		c.logger.Warn("リトライ試行が失敗しました。次のエンコーディングに切り替えます",
			slog.String("query_id", queryID),
			slog.String("encoding", b.encoding),
			slog.Int("status", attempt.Status),
			slog.String("error", attempt.Error),
		)
	}

	return result, fmt.Errorf("全エンコーディング（%d種）でのリトライが失敗しました", len(builders))
}

// tryRetryEncoding はエンコーディング1種分の試行を実行して記録を返す。
func (c *Client) tryRetryEncoding(ctx context.Context, encoding string, build func() (*http.Request, error)) Attempt {
	attempt := Attempt{Encoding: encoding}

	req, err := build()
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	if err := c.authorize(ctx, req); err != nil {
		attempt.Error = err.Error()
		return attempt
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()

	attempt.Status = resp.StatusCode

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			attempt.Error = fmt.Sprintf("レスポンスボディの読み取りに失敗しました: %v", err)
			return attempt
		}
		attempt.Body = string(body)
		return attempt
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	attempt.Body = string(body)
	return attempt
}

func (c *Client) retryJSONRequest(ctx context.Context, queryID string) (*http.Request, error) {
	payload, err := json.Marshal(map[string]string{"query_id": queryID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.retryURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) retryMultipartRequest(ctx context.Context, queryID string) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("query_id", queryID); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.retryURL, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

func (c *Client) retryURLEncodedRequest(ctx context.Context, queryID string) (*http.Request, error) {
	form := url.Values{"query_id": {queryID}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.retryURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func (c *Client) retryGetRequest(ctx context.Context, param, queryID string) (*http.Request, error) {
	u, err := url.Parse(c.retryURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(param, queryID)
	u.RawQuery = q.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}
