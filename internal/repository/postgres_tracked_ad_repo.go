package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/adwatch/internal/model"
)

// PostgresTrackedAdRepo はPostgreSQLを使用した監視広告リポジトリ。
type PostgresTrackedAdRepo struct {
	db *sql.DB
}

// NewPostgresTrackedAdRepo はPostgresTrackedAdRepoを生成する。
func NewPostgresTrackedAdRepo(db *sql.DB) *PostgresTrackedAdRepo {
	return &PostgresTrackedAdRepo{db: db}
}

// Upsert は監視広告を作成または上書きする。
// 同一(query_id, ad_id)への再登録は後勝ちで全フィールドを上書きする。
func (r *PostgresTrackedAdRepo) Upsert(ctx context.Context, ad *model.TrackedAd) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tracked_ads
		   (query_id, ad_id, ad_info, preview_url, days, is_empty,
		    live_ad_info, last_fetched, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (query_id, ad_id) DO UPDATE SET
		   ad_info      = EXCLUDED.ad_info,
		   preview_url  = EXCLUDED.preview_url,
		   days         = EXCLUDED.days,
		   is_empty     = EXCLUDED.is_empty,
		   live_ad_info = EXCLUDED.live_ad_info,
		   last_fetched = EXCLUDED.last_fetched,
		   added_at     = EXCLUDED.added_at`,
		ad.QueryID, ad.AdID, nullableJSON(ad.AdInfo), ad.PreviewURL,
		nullableInt(ad.Days), ad.IsEmpty, nullableJSON(ad.LiveAdInfo),
		nullableTime(ad.LastFetched), ad.AddedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert tracked ad: %w", err)
	}
	return nil
}

// UpdateLive はライブスナップショットとlast_fetchedを更新し、更新件数を返す。
func (r *PostgresTrackedAdRepo) UpdateLive(ctx context.Context, queryID, adID string, liveAdInfo json.RawMessage) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tracked_ads SET
		   live_ad_info = $3,
		   last_fetched = now()
		 WHERE query_id = $1 AND ad_id = $2`,
		queryID, adID, nullableJSON(liveAdInfo),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update live ad info: %w", err)
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count updated tracked ads: %w", err)
	}
	return updated, nil
}

// ListByQuery はクエリ配下の監視広告を登録順に取得する。
func (r *PostgresTrackedAdRepo) ListByQuery(ctx context.Context, queryID string) ([]*model.TrackedAd, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT query_id, ad_id, ad_info, preview_url, days, is_empty,
		        live_ad_info, last_fetched, added_at
		 FROM tracked_ads
		 WHERE query_id = $1
		 ORDER BY added_at ASC`,
		queryID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked ads: %w", err)
	}
	defer rows.Close()

	var ads []*model.TrackedAd
	for rows.Next() {
		ad, err := scanTrackedAd(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked ad: %w", err)
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tracked ads: %w", err)
	}

	return ads, nil
}

// FindByID は指定の監視広告を取得する。見つからない場合はnilを返す。
func (r *PostgresTrackedAdRepo) FindByID(ctx context.Context, queryID, adID string) (*model.TrackedAd, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT query_id, ad_id, ad_info, preview_url, days, is_empty,
		        live_ad_info, last_fetched, added_at
		 FROM tracked_ads
		 WHERE query_id = $1 AND ad_id = $2`,
		queryID, adID,
	)

	ad, err := scanTrackedAd(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find tracked ad: %w", err)
	}
	return ad, nil
}

// scanTrackedAd は1行をmodel.TrackedAdに読み取る。
func scanTrackedAd(row rowScanner) (*model.TrackedAd, error) {
	ad := &model.TrackedAd{}
	var adInfo, liveAdInfo []byte
	var days sql.NullInt64
	var lastFetched sql.NullTime

	err := row.Scan(
		&ad.QueryID, &ad.AdID, &adInfo, &ad.PreviewURL, &days, &ad.IsEmpty,
		&liveAdInfo, &lastFetched, &ad.AddedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(adInfo) > 0 {
		ad.AdInfo = json.RawMessage(adInfo)
	}
	if len(liveAdInfo) > 0 {
		ad.LiveAdInfo = json.RawMessage(liveAdInfo)
	}
	if days.Valid {
		d := int(days.Int64)
		ad.Days = &d
	}
	if lastFetched.Valid {
		t := lastFetched.Time
		ad.LastFetched = &t
	}

	return ad, nil
}

// compile-time interface check
var _ TrackedAdRepository = (*PostgresTrackedAdRepo)(nil)
