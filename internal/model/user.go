// Package model はドメインモデルを定義する。
package model

import "time"

// User はIDプロバイダで認証されたユーザーを表す。
// IDはIDトークンのsubjectクレームをそのまま使用する（IdP側の安定識別子）。
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はHTTP Only Cookieで保持されるログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
