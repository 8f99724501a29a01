package searchsvc

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

// TokenSource は類似検索サービス呼び出しに付与するIDトークンの供給源。
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// IDTokenSource はGoogle発行のIDトークンを供給する実装。
// Cloud Run等のIAM認証付きエンドポイント向け。トークンは内部でキャッシュされる。
type IDTokenSource struct {
	source oauth2.TokenSource
}

// NewIDTokenSource は指定audienceのIDトークンソースを生成する。
func NewIDTokenSource(ctx context.Context, audience string) (*IDTokenSource, error) {
	ts, err := idtoken.NewTokenSource(ctx, audience)
	if err != nil {
		return nil, fmt.Errorf("IDトークンソースの初期化に失敗しました: %w", err)
	}
	return &IDTokenSource{source: ts}, nil
}

// Token は有効なIDトークンを返す。
func (s *IDTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := s.source.Token()
	if err != nil {
		return "", fmt.Errorf("IDトークンの取得に失敗しました: %w", err)
	}
	return tok.AccessToken, nil
}

// StaticTokenSource は固定トークンを返す。ローカル開発とテストで使用する。
// 空文字列の場合、クライアントはAuthorizationヘッダーを付与しない。
type StaticTokenSource string

// Token は保持している固定トークンをそのまま返す。
func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

var _ TokenSource = (*IDTokenSource)(nil)
var _ TokenSource = StaticTokenSource("")
