// Package auth はIDトークン検証とセッション管理を提供する。
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Claims はIDトークンから取り出した本人性クレーム。
type Claims struct {
	Subject string
	Email   string
	Name    string
}

// TokenVerifier はIDトークン検証のインターフェース。
// ミドルウェアとセッション発行ハンドラーから利用する。
type TokenVerifier interface {
	// Verify はIDトークンを検証し、クレームを返す。
	// 署名・発行者・audience・有効期限のいずれかが不正な場合はエラー。
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// JWKSVerifier はリモートJWKSで署名検証するTokenVerifierの実装。
// 鍵セットはバックグラウンドで自動更新される。
type JWKSVerifier struct {
	keySet   jwk.Set
	issuer   string
	audience string
}

// NewJWKSVerifier はJWKSVerifierを生成する。
// jwksURLの鍵セットを取得してキャッシュし、以後は自動更新する。
func NewJWKSVerifier(ctx context.Context, jwksURL, issuer, audience string) (*JWKSVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("JWKSエンドポイントの登録に失敗しました: %w", err)
	}

	// 起動時に1回取得して到達性を確認する
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("JWKSの初回取得に失敗しました (%s): %w", jwksURL, err)
	}

	return &JWKSVerifier{
		keySet:   jwk.NewCachedSet(cache, jwksURL),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Verify はIDトークンを検証し、クレームを返す。
func (v *JWKSVerifier) Verify(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("IDトークンが空です")
	}

	token, err := jwt.Parse([]byte(rawToken),
		jwt.WithContext(ctx),
		jwt.WithKeySet(v.keySet),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("IDトークンの検証に失敗しました: %w", err)
	}

	if token.Subject() == "" {
		return nil, fmt.Errorf("IDトークンにsubjectクレームがありません")
	}

	claims := &Claims{Subject: token.Subject()}
	private := token.PrivateClaims()
	if email, ok := private["email"].(string); ok {
		claims.Email = email
	}
	if name, ok := private["name"].(string); ok {
		claims.Name = name
	}

	return claims, nil
}

var _ TokenVerifier = (*JWKSVerifier)(nil)
