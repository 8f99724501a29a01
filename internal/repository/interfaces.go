// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hitoshi/adwatch/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Upsert はユーザーを作成または更新する。
	// IDはIDトークンのsubjectクレームのため、同一ユーザーの再ログインは更新となる。
	Upsert(ctx context.Context, user *model.User) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// QueryRepository は類似検索クエリの永続化インターフェース。
type QueryRepository interface {
	// Create はクエリを作成する。
	Create(ctx context.Context, query *model.Query) error

	// FindByID は指定IDのクエリを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Query, error)

	// ListByUser はユーザーのクエリをlast_queriedの新しい順に最大limit件取得する。
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Query, error)

	// UpdateMetadata はクエリのメタデータを部分更新する。
	// last_queriedは常に現在時刻に更新される。updateにUpdateRefreshTimeが
	// 指定された場合、またはlast_refreshedが未設定の場合はlast_refreshedも更新する。
	UpdateMetadata(ctx context.Context, id string, update *model.QueryUpdate) error

	// UpdateResponse はクエリの検索レスポンスとlast_queriedを更新する。
	// refreshedがtrueの場合はlast_refreshedも更新する。
	UpdateResponse(ctx context.Context, id string, response json.RawMessage, refreshed bool) error

	// Delete はクエリと配下の監視広告を同一トランザクションで削除する。
	Delete(ctx context.Context, id string) error

	// ListStale はlast_refreshedがthresholdより古い（または未設定の）クエリを
	// 最大limit件取得する。リフレッシュワーカーが使用する。
	ListStale(ctx context.Context, threshold time.Time, limit int) ([]*model.Query, error)
}

// TrackedAdRepository は監視対象広告の永続化インターフェース。
type TrackedAdRepository interface {
	// Upsert は監視広告を作成または上書きする。(query_id, ad_id)で一意。
	Upsert(ctx context.Context, ad *model.TrackedAd) error

	// UpdateLive はライブスナップショットとlast_fetchedを更新する。
	// 対象が存在しない場合はsql.ErrNoRowsではなくnilを返し、更新件数0として扱う。
	UpdateLive(ctx context.Context, queryID, adID string, liveAdInfo json.RawMessage) (int64, error)

	// ListByQuery はクエリ配下の監視広告を登録順に取得する。
	ListByQuery(ctx context.Context, queryID string) ([]*model.TrackedAd, error)

	// FindByID は指定の監視広告を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, queryID, adID string) (*model.TrackedAd, error)
}
