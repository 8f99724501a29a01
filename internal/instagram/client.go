package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

const (
	// mockMediaInfoFile はモックモードで読み込むフィクスチャのファイル名。
	mockMediaInfoFile = "media_info.json"
	// maxErrorBodyBytes はエラーレスポンスボディの保持上限。
	maxErrorBodyBytes = 2048
)

// MediaClient はメディア情報APIのクライアント。
// ショートコードから投稿メタデータを取得する。
type MediaClient struct {
	httpClient *http.Client
	endpoint   string
	token      string
	useMock    bool
	mockDir    string
	logger     *slog.Logger
}

// NewMediaClient はMediaClientの新しいインスタンスを生成する。
func NewMediaClient(httpClient *http.Client, endpoint, token string, useMock bool, mockDir string, logger *slog.Logger) *MediaClient {
	return &MediaClient{
		httpClient: httpClient,
		endpoint:   endpoint,
		token:      token,
		useMock:    useMock,
		mockDir:    mockDir,
		logger:     logger,
	}
}

// GetMediaInfo はショートコードの投稿メタデータを取得する。
func (c *MediaClient) GetMediaInfo(ctx context.Context, shortcode string) (json.RawMessage, error) {
	if c.useMock {
		return c.readMockFixture()
	}

	payload, err := json.Marshal(map[string]string{"shortcode": shortcode})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メディア情報APIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("shortcode", shortcode),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Error("メディア情報APIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("shortcode", shortcode),
		)
		return nil, fmt.Errorf("メディア情報APIがステータス %d を返しました: %s", resp.StatusCode, string(body))
	}

	return io.ReadAll(resp.Body)
}

func (c *MediaClient) readMockFixture() (json.RawMessage, error) {
	path := filepath.Join(c.mockDir, mockMediaInfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("モックフィクスチャの読み込みに失敗しました (%s): %w", path, err)
	}
	return data, nil
}

// AdClassification はメディアメタデータから導出した広告判定の結果。
type AdClassification struct {
	IsAd  bool
	AdID  string
	AdURL string
}

// ClassifyAd はメディアメタデータのinjectedオブジェクトの有無で広告かを判定する。
// injectedが存在する場合、その中のad_id/ad_urlも取り出す。
func ClassifyAd(mediaInfo json.RawMessage) AdClassification {
	var payload struct {
		Response struct {
			Body struct {
				Items []struct {
					Injected map[string]any `json:"injected"`
				} `json:"items"`
			} `json:"body"`
		} `json:"response"`
	}
	if err := json.Unmarshal(mediaInfo, &payload); err != nil {
		return AdClassification{}
	}

	items := payload.Response.Body.Items
	if len(items) == 0 || items[0].Injected == nil {
		return AdClassification{}
	}

	injected := items[0].Injected
	result := AdClassification{IsAd: true}
	if id, ok := injected["ad_id"].(string); ok {
		result.AdID = id
	} else if f, ok := injected["ad_id"].(float64); ok {
		b, _ := json.Marshal(f)
		result.AdID = string(b)
	}
	if u, ok := injected["ad_url"].(string); ok {
		result.AdURL = u
	}
	return result
}
