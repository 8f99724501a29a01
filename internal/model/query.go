// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// Query はユーザーが投稿した1回の類似検索とその結果を表す。
// 類似検索サービスのレスポンス（phashesを含む）をresponseとしてそのまま保持する。
type Query struct {
	ID            string
	UserID        string
	PageID        string
	Days          *int // 契約上の使用権日数。未設定の場合はnil
	ThumbnailURL  string
	UploadedVideo string
	Response      json.RawMessage
	CreatedAt     time.Time
	LastQueried   time.Time
	LastRefreshed *time.Time
}

// QueryUpdate はクエリメタデータの部分更新を表す。
// nilのフィールドは更新対象外。user_idは作成後不変のため含めない。
type QueryUpdate struct {
	PageID            *string
	Days              *int
	ThumbnailURL      *string
	UploadedVideo     *string
	UpdateRefreshTime bool
}

// TrackedAd はクエリ配下で監視対象として登録された1件の広告を表す。
// (QueryID, AdID)の組で一意であり、再登録は上書きとなる。
type TrackedAd struct {
	QueryID     string
	AdID        string
	AdInfo      json.RawMessage // 登録時点の広告メタデータスナップショット
	PreviewURL  string
	Days        *int // この広告に個別に契約された使用権日数
	IsEmpty     bool
	LiveAdInfo  json.RawMessage // 直近の再取得で得たライブスナップショット
	LastFetched *time.Time
	AddedAt     time.Time
}

// ActiveAdInfo はライブスナップショットがあればそれを、なければ登録時スナップショットを返す。
// useLiveがfalseの場合は常に登録時スナップショットを返す。
func (t *TrackedAd) ActiveAdInfo(useLive bool) json.RawMessage {
	if useLive && len(t.LiveAdInfo) > 0 {
		return t.LiveAdInfo
	}
	return t.AdInfo
}
