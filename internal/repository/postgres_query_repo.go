package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/adwatch/internal/model"
)

// PostgresQueryRepo はPostgreSQLを使用したクエリリポジトリ。
type PostgresQueryRepo struct {
	db *sql.DB
}

// NewPostgresQueryRepo はPostgresQueryRepoを生成する。
func NewPostgresQueryRepo(db *sql.DB) *PostgresQueryRepo {
	return &PostgresQueryRepo{db: db}
}

// Create はクエリを作成する。
func (r *PostgresQueryRepo) Create(ctx context.Context, query *model.Query) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queries
		   (id, user_id, page_id, days, thumbnail_url, uploaded_video, response,
		    created_at, last_queried, last_refreshed)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		query.ID, query.UserID, query.PageID, nullableInt(query.Days),
		query.ThumbnailURL, query.UploadedVideo, nullableJSON(query.Response),
		query.CreatedAt, query.LastQueried, nullableTime(query.LastRefreshed),
	)
	if err != nil {
		return fmt.Errorf("failed to create query: %w", err)
	}
	return nil
}

// FindByID は指定IDのクエリを取得する。見つからない場合はnilを返す。
func (r *PostgresQueryRepo) FindByID(ctx context.Context, id string) (*model.Query, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, page_id, days, thumbnail_url, uploaded_video, response,
		        created_at, last_queried, last_refreshed
		 FROM queries
		 WHERE id = $1`,
		id,
	)

	query, err := scanQuery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find query: %w", err)
	}
	return query, nil
}

// ListByUser はユーザーのクエリをlast_queriedの新しい順に最大limit件取得する。
func (r *PostgresQueryRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Query, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, page_id, days, thumbnail_url, uploaded_video, response,
		        created_at, last_queried, last_refreshed
		 FROM queries
		 WHERE user_id = $1
		 ORDER BY last_queried DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}
	defer rows.Close()

	var queries []*model.Query
	for rows.Next() {
		query, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, query)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queries: %w", err)
	}

	return queries, nil
}

// UpdateMetadata はクエリのメタデータを部分更新する。
// last_queriedは常に更新する。last_refreshedはUpdateRefreshTime指定時、
// または未設定（NULL）の場合に現在時刻を書き込む。
func (r *PostgresQueryRepo) UpdateMetadata(ctx context.Context, id string, update *model.QueryUpdate) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queries SET
		   page_id        = COALESCE($2, page_id),
		   days           = COALESCE($3, days),
		   thumbnail_url  = COALESCE($4, thumbnail_url),
		   uploaded_video = COALESCE($5, uploaded_video),
		   last_queried   = now(),
		   last_refreshed = CASE
		     WHEN $6 OR last_refreshed IS NULL THEN now()
		     ELSE last_refreshed
		   END
		 WHERE id = $1`,
		id,
		nullableString(update.PageID),
		nullableInt(update.Days),
		nullableString(update.ThumbnailURL),
		nullableString(update.UploadedVideo),
		update.UpdateRefreshTime,
	)
	if err != nil {
		return fmt.Errorf("failed to update query metadata: %w", err)
	}
	return nil
}

// UpdateResponse はクエリの検索レスポンスとlast_queriedを更新する。
func (r *PostgresQueryRepo) UpdateResponse(ctx context.Context, id string, response json.RawMessage, refreshed bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queries SET
		   response       = $2,
		   last_queried   = now(),
		   last_refreshed = CASE WHEN $3 THEN now() ELSE last_refreshed END
		 WHERE id = $1`,
		id, nullableJSON(response), refreshed,
	)
	if err != nil {
		return fmt.Errorf("failed to update query response: %w", err)
	}
	return nil
}

// Delete はクエリと配下の監視広告を同一トランザクションで削除する。
func (r *PostgresQueryRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tracked_ads WHERE query_id = $1`, id,
	); err != nil {
		return fmt.Errorf("failed to delete tracked ads: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queries WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("failed to delete query: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ListStale はlast_refreshedがthresholdより古い（または未設定の）クエリを取得する。
func (r *PostgresQueryRepo) ListStale(ctx context.Context, threshold time.Time, limit int) ([]*model.Query, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, page_id, days, thumbnail_url, uploaded_video, response,
		        created_at, last_queried, last_refreshed
		 FROM queries
		 WHERE last_refreshed IS NULL OR last_refreshed < $1
		 ORDER BY last_refreshed ASC NULLS FIRST
		 LIMIT $2`,
		threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale queries: %w", err)
	}
	defer rows.Close()

	var queries []*model.Query
	for rows.Next() {
		query, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan query: %w", err)
		}
		queries = append(queries, query)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale queries: %w", err)
	}

	return queries, nil
}

// rowScanner はsql.Rowとsql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanQuery は1行をmodel.Queryに読み取る。
func scanQuery(row rowScanner) (*model.Query, error) {
	query := &model.Query{}
	var days sql.NullInt64
	var response []byte
	var lastRefreshed sql.NullTime

	err := row.Scan(
		&query.ID, &query.UserID, &query.PageID, &days,
		&query.ThumbnailURL, &query.UploadedVideo, &response,
		&query.CreatedAt, &query.LastQueried, &lastRefreshed,
	)
	if err != nil {
		return nil, err
	}

	if days.Valid {
		d := int(days.Int64)
		query.Days = &d
	}
	if len(response) > 0 {
		query.Response = json.RawMessage(response)
	}
	if lastRefreshed.Valid {
		t := lastRefreshed.Time
		query.LastRefreshed = &t
	}

	return query, nil
}

// nullableInt は*intをsql.NullInt64に変換する。
func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// nullableString は*stringをsql.NullStringに変換する。
func nullableString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

// nullableTime は*time.Timeをsql.NullTimeに変換する。
func nullableTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

// nullableJSON は空のjson.RawMessageをNULLとして書き込むための変換。
func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return []byte(v)
}

// compile-time interface check
var _ QueryRepository = (*PostgresQueryRepo)(nil)
