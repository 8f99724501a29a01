// Package instagram はSNS投稿リンクの解決とメディアメタデータの取得を提供する。
// 共有リンクからのショートコード抽出、リダイレクト追跡による正規URL解決、
// メディア情報APIの呼び出しを含む。
package instagram

import (
	"net/url"
	"regexp"
	"strings"
)

// shortcodePattern は単体入力として許容するショートコードの形式。
var shortcodePattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// postPathSegments はショートコードの直前に現れる投稿種別のパスセグメント。
var postPathSegments = map[string]bool{
	"reel": true,
	"p":    true,
	"tv":   true,
}

// ExtractShortcode は投稿URLまたはショートコード単体からショートコードを抽出する。
// URLの場合はreel/p/tvセグメントの直後を優先し、無ければ末尾セグメントを採用する。
// URLとして解釈できない入力はショートコード単体とみなし、形式検証のみ行う。
// 抽出できない場合は空文字列を返す。
func ExtractShortcode(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}

	if strings.Contains(input, "/") || strings.Contains(input, ".") {
		return extractFromURL(input)
	}

	// ショートコード単体
	if shortcodePattern.MatchString(input) {
		return input
	}
	return ""
}

func extractFromURL(input string) string {
	// スキーム無しのURLも受け付ける
	if !strings.Contains(input, "://") {
		input = "https://" + input
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return ""
	}

	segments := splitPath(parsed.Path)
	if len(segments) == 0 {
		return ""
	}

	// reel/p/tvの直後のセグメントを優先する
	for i, seg := range segments {
		if postPathSegments[seg] && i+1 < len(segments) {
			candidate := segments[i+1]
			if shortcodePattern.MatchString(candidate) {
				return candidate
			}
		}
	}

	// 見つからなければ末尾セグメント
	last := segments[len(segments)-1]
	if shortcodePattern.MatchString(last) {
		return last
	}
	return ""
}

func splitPath(path string) []string {
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return segments
}

// IsShareLink は解決が必要な共有リンク（/share/を含むURL）かを判定する。
// 共有リンクのトークンは投稿のショートコードではないため、
// リダイレクトを追跡して正規URLに解決する必要がある。
func IsShareLink(input string) bool {
	return strings.Contains(input, "/share/")
}
