package instagram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

const (
	// maxResolveBodyBytes は共有リンク解決時に読み取るHTMLの上限。
	maxResolveBodyBytes = 1 << 20
)

// Resolver は共有リンクを正規の投稿URLに解決する。
// SSRF防止付きのHTTPクライアントを使用すること。
type Resolver struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewResolver はResolverの新しいインスタンスを生成する。
func NewResolver(httpClient *http.Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		httpClient: httpClient,
		logger:     logger,
	}
}

// Resolve は共有リンクをGETしてリダイレクト先の正規URLを返す。
// リダイレクトで投稿URLに到達しない場合は、レスポンスHTMLの
// og:url / og:video メタタグをフォールバックとして探す。
func (r *Resolver) Resolve(ctx context.Context, shareURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, shareURL, nil)
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	// 共有リンクはモバイルUA向けにリダイレクトを返すことがある
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; adwatch/1.0)")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("共有リンクの解決に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	// リダイレクト追跡後の最終URLが投稿URLならそれを採用する
	finalURL := resp.Request.URL.String()
	if !IsShareLink(finalURL) && ExtractShortcode(finalURL) != "" {
		return finalURL, nil
	}

	// フォールバック: og:url / og:video メタタグ
	ogURL := findOGURL(io.LimitReader(resp.Body, maxResolveBodyBytes))
	if ogURL != "" {
		r.logger.Info("共有リンクをメタタグから解決しました",
			slog.String("share_url", shareURL),
			slog.String("resolved", ogURL),
		)
		return ogURL, nil
	}

	return "", fmt.Errorf("共有リンクから投稿URLを解決できませんでした: %s", shareURL)
}

// findOGURL はHTMLからog:urlまたはog:videoメタタグの値を探す。
// og:urlを優先し、無ければog:videoを返す。
func findOGURL(body io.Reader) string {
	doc, err := html.Parse(body)
	if err != nil {
		return ""
	}

	var ogURL, ogVideo string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var property, content string
			for _, attr := range n.Attr {
				switch strings.ToLower(attr.Key) {
				case "property":
					property = attr.Val
				case "content":
					content = attr.Val
				}
			}
			switch property {
			case "og:url":
				if ogURL == "" {
					ogURL = content
				}
			case "og:video":
				if ogVideo == "" {
					ogVideo = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if ogURL != "" {
		return ogURL
	}
	return ogVideo
}
