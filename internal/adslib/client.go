// Package adslib は広告ライブラリAPI（RapidAPI経由）のクライアントを提供する。
// 広告IDによるメタデータ取得と、クリエイティブ文言のサニタイズを含む。
package adslib

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/adwatch/internal/metrics"
)

const (
	// mockAdInfoFile はモックモードで読み込むフィクスチャのファイル名。
	mockAdInfoFile = "ad_info.json"
	// maxErrorBodyBytes はエラーレスポンスボディの保持上限。
	maxErrorBodyBytes = 2048
)

// Client は広告ライブラリAPIのクライアント。
// useMockが有効な場合、APIを呼ばずにmockDir配下のフィクスチャを返す。
type Client struct {
	httpClient *http.Client
	host       string
	apiKey     string
	useMock    bool
	mockDir    string
	logger     *slog.Logger
	collector  metrics.MetricsCollector
	sanitizer  *bluemonday.Policy
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, host, apiKey string, useMock bool, mockDir string, logger *slog.Logger, collector metrics.MetricsCollector) *Client {
	return &Client{
		httpClient: httpClient,
		host:       host,
		apiKey:     apiKey,
		useMock:    useMock,
		mockDir:    mockDir,
		logger:     logger,
		collector:  collector,
		sanitizer:  bluemonday.StrictPolicy(),
	}
}

// GetAdInfo は広告IDのメタデータを取得する。
// クリエイティブ文言（タイトル・本文・キャプション等）はサニタイズして返す。
func (c *Client) GetAdInfo(ctx context.Context, adID string) (json.RawMessage, error) {
	if c.useMock {
		return c.readMockFixture()
	}

	reqURL := url.URL{
		Scheme: "https",
		Host:   c.host,
		Path:   "/ad",
	}
	q := reqURL.Query()
	q.Set("trim", "false")
	q.Set("get_transcript", "false")
	q.Set("id", adID)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("x-rapidapi-host", c.host)
	req.Header.Set("x-rapidapi-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("広告ライブラリAPIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
			slog.String("ad_id", adID),
		)
		return nil, err
	}
	defer resp.Body.Close()

	c.collector.RecordAdsCall(resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Error("広告ライブラリAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("ad_id", adID),
		)
		return nil, fmt.Errorf("広告ライブラリAPIがステータス %d を返しました: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	return c.SanitizeCreative(body), nil
}

// readMockFixture はモックディレクトリからフィクスチャを読み込む。
func (c *Client) readMockFixture() (json.RawMessage, error) {
	path := filepath.Join(c.mockDir, mockAdInfoFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("モックフィクスチャの読み込みに失敗しました (%s): %w", path, err)
	}
	return c.SanitizeCreative(data), nil
}

// SanitizeCreative は広告メタデータ中のクリエイティブ文言フィールドから
// HTMLタグを除去する。対象はtitle/link_description/caption、および
// bodyオブジェクト配下のtext。JSONとして解釈できない入力はそのまま返す。
func (c *Client) SanitizeCreative(raw json.RawMessage) json.RawMessage {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return raw
	}

	c.sanitizeValue(payload)

	cleaned, err := json.Marshal(payload)
	if err != nil {
		return raw
	}
	return cleaned
}

// creativeTextKeys はサニタイズ対象の文言フィールド名。
var creativeTextKeys = map[string]bool{
	"title":            true,
	"link_description": true,
	"caption":          true,
}

func (c *Client) sanitizeValue(v any) {
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			if s, ok := child.(string); ok && creativeTextKeys[key] {
				val[key] = c.sanitizer.Sanitize(s)
				continue
			}
			if key == "body" {
				if body, ok := child.(map[string]any); ok {
					if text, ok := body["text"].(string); ok {
						body["text"] = c.sanitizer.Sanitize(text)
					}
				}
			}
			c.sanitizeValue(child)
		}
	case []any:
		for _, child := range val {
			c.sanitizeValue(child)
		}
	}
}
