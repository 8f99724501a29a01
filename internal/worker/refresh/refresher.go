// Package refresh は監視広告のバックグラウンド再取得処理を提供する。
// last_refreshedが古いクエリをフィンガープリントで再検索し、
// 配下の監視広告のライブスナップショットを広告ライブラリAPIから更新する。
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/adwatch/internal/metrics"
	"github.com/hitoshi/adwatch/internal/model"
	"github.com/hitoshi/adwatch/internal/repository"
)

// SearchService はフィンガープリント再検索のインターフェース。
type SearchService interface {
	SearchByPhashes(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// AdService は広告メタデータ取得のインターフェース。
type AdService interface {
	GetAdInfo(ctx context.Context, adID string) (json.RawMessage, error)
}

// Refresher は1クエリ分のリフレッシュ処理を実行する。
type Refresher struct {
	queries   repository.QueryRepository
	ads       repository.TrackedAdRepository
	search    SearchService
	adlib     AdService
	logger    *slog.Logger
	collector metrics.MetricsCollector
}

// NewRefresher はRefresherを生成する。
func NewRefresher(
	queries repository.QueryRepository,
	ads repository.TrackedAdRepository,
	search SearchService,
	adlib AdService,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Refresher {
	return &Refresher{
		queries:   queries,
		ads:       ads,
		search:    search,
		adlib:     adlib,
		logger:    logger,
		collector: collector,
	}
}

// Refresh は1クエリをリフレッシュする。
// 保存済みレスポンスのphashesで再検索してレスポンスを更新し（ベストエフォート）、
// 配下の監視広告のライブスナップショットを更新する。
// 同時更新との調整はせず、最後の書き込みが勝つ。
func (r *Refresher) Refresh(ctx context.Context, query *model.Query) error {
	r.refreshResponse(ctx, query)

	ads, err := r.ads.ListByQuery(ctx, query.ID)
	if err != nil {
		r.collector.RecordRefreshFailure()
		return fmt.Errorf("監視広告の取得に失敗: %w", err)
	}

	var failed int
	for _, ad := range ads {
		if ad.IsEmpty || ad.AdID == "" {
			continue
		}
		if err := r.refreshAd(ctx, ad); err != nil {
			failed++
			r.logger.Warn("広告ライブ情報の更新に失敗しました",
				slog.String("query_id", query.ID),
				slog.String("ad_id", ad.AdID),
				slog.String("error", err.Error()),
			)
		}
	}

	if failed > 0 {
		r.collector.RecordRefreshFailure()
		return fmt.Errorf("%d件の広告の更新に失敗", failed)
	}

	r.collector.RecordRefreshSuccess()
	return nil
}

// refreshResponse は保存済みphashesで再検索しレスポンスを書き戻す。
// phashesが無い、または再検索に失敗した場合はスキップする（広告更新は継続）。
func (r *Refresher) refreshResponse(ctx context.Context, query *model.Query) {
	payload := phashPayload(query.Response)
	if payload == nil {
		return
	}

	response, err := r.search.SearchByPhashes(ctx, payload)
	if err != nil {
		r.logger.Warn("フィンガープリント再検索に失敗しました",
			slog.String("query_id", query.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.queries.UpdateResponse(ctx, query.ID, response, true); err != nil {
		r.logger.Warn("再検索レスポンスの保存に失敗しました",
			slog.String("query_id", query.ID),
			slog.String("error", err.Error()),
		)
	}
}

// refreshAd は広告ライブラリAPIからライブスナップショットを取得して更新する。
func (r *Refresher) refreshAd(ctx context.Context, ad *model.TrackedAd) error {
	info, err := r.adlib.GetAdInfo(ctx, ad.AdID)
	if err != nil {
		return err
	}

	affected, err := r.ads.UpdateLive(ctx, ad.QueryID, ad.AdID, info)
	if err != nil {
		return err
	}
	if affected == 0 {
		// リフレッシュ中に削除された場合は何もしない
		return nil
	}
	return nil
}

// phashPayload は保存済みレスポンスから再検索リクエストを組み立てる。
// phashesが存在しない場合はnilを返す。
func phashPayload(response json.RawMessage) json.RawMessage {
	if len(response) == 0 {
		return nil
	}

	var probe struct {
		Phashes json.RawMessage `json:"phashes"`
	}
	if err := json.Unmarshal(response, &probe); err != nil {
		return nil
	}
	if len(probe.Phashes) == 0 || string(probe.Phashes) == "null" {
		return nil
	}

	payload, err := json.Marshal(map[string]json.RawMessage{
		"phashes": probe.Phashes,
	})
	if err != nil {
		return nil
	}
	return payload
}
