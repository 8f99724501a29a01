package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/adwatch/internal/model"
	"github.com/hitoshi/adwatch/internal/repository"
)

// staleBatchLimit は1サイクルで処理するクエリの最大件数。
const staleBatchLimit = 50

// RefreshService はクエリリフレッシュの実行インターフェース。
type RefreshService interface {
	// Refresh は指定クエリのレスポンスと配下広告のライブ情報を更新する。
	Refresh(ctx context.Context, query *model.Query) error
}

// Scheduler はリフレッシュのスケジューリングと並列制御を行う。
// ティッカー間隔でlast_refreshedが古いクエリを取得し、
// semaphoreパターンで最大並列数を制御しながらリフレッシュを実行する。
// あわせて期限切れセッションの削除も各サイクルで行う。
type Scheduler struct {
	queries        repository.QueryRepository
	sessions       repository.SessionRepository
	refresher      RefreshService
	logger         *slog.Logger
	staleAfter     time.Duration
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(
	queries repository.QueryRepository,
	sessions repository.SessionRepository,
	refresher RefreshService,
	logger *slog.Logger,
	staleAfter time.Duration,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		queries:        queries,
		sessions:       sessions,
		refresher:      refresher,
		logger:         logger,
		staleAfter:     staleAfter,
		maxConcurrency: maxConcurrency,
	}
}

// Start はティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("リフレッシュスケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("stale_after", s.staleAfter),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("リフレッシュサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("リフレッシュスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("リフレッシュサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はリフレッシュ対象クエリを1回取得し、並列でリフレッシュを実行する。
// semaphoreパターンで最大並列数を制御する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	s.cleanupSessions(ctx)

	threshold := time.Now().Add(-s.staleAfter)
	queries, err := s.queries.ListStale(ctx, threshold, staleBatchLimit)
	if err != nil {
		return err
	}

	if len(queries) == 0 {
		s.logger.Info("リフレッシュ対象のクエリはありません")
		return nil
	}

	s.logger.Info("リフレッシュサイクルを開始します",
		slog.Int("query_count", len(queries)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, query := range queries {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(q *model.Query) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			if err := s.refresher.Refresh(ctx, q); err != nil {
				s.logger.Error("クエリのリフレッシュに失敗しました",
					slog.String("query_id", q.ID),
					slog.String("error", err.Error()),
				)
			}
		}(query)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("リフレッシュサイクルが完了しました",
		slog.Int("query_count", len(queries)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// cleanupSessions は期限切れセッションを削除する。失敗してもサイクルは継続する。
func (s *Scheduler) cleanupSessions(ctx context.Context) {
	deleted, err := s.sessions.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	if deleted > 0 {
		s.logger.Info("期限切れセッションを削除しました",
			slog.Int64("deleted_count", deleted),
		)
	}
}
