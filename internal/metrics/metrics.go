// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 上流クライアントやワーカーから利用する。
type MetricsCollector interface {
	RecordSearchCall(statusCode int)
	RecordSearchLatency(duration time.Duration)
	RecordAdsCall(statusCode int)
	RecordRetryAttempt(encoding string, success bool)
	RecordRefreshSuccess()
	RecordRefreshFailure()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	searchCalls    *prometheus.CounterVec
	searchLatency  prometheus.Histogram
	adsCalls       *prometheus.CounterVec
	retryAttempts  *prometheus.CounterVec
	refreshSuccess prometheus.Counter
	refreshFail    prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		searchCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adwatch_search_calls_total",
			Help: "類似検索サービス呼び出しのステータスコード別合計数",
		}, []string{"status_code"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adwatch_search_latency_seconds",
			Help:    "類似検索サービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		adsCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adwatch_ads_calls_total",
			Help: "広告ライブラリAPI呼び出しのステータスコード別合計数",
		}, []string{"status_code"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adwatch_retry_attempts_total",
			Help: "リトライディスパッチャの試行数（エンコーディング・結果別）",
		}, []string{"encoding", "result"}),
		refreshSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adwatch_refresh_success_total",
			Help: "リフレッシュワーカーの処理成功の合計数",
		}),
		refreshFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adwatch_refresh_fail_total",
			Help: "リフレッシュワーカーの処理失敗の合計数",
		}),
	}

	reg.MustRegister(
		c.searchCalls,
		c.searchLatency,
		c.adsCalls,
		c.retryAttempts,
		c.refreshSuccess,
		c.refreshFail,
	)

	return c
}

// RecordSearchCall は類似検索サービス呼び出しのステータスコードを記録する。
func (c *Collector) RecordSearchCall(statusCode int) {
	c.searchCalls.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSearchLatency は類似検索サービス呼び出しのレイテンシを記録する。
func (c *Collector) RecordSearchLatency(duration time.Duration) {
	c.searchLatency.Observe(duration.Seconds())
}

// RecordAdsCall は広告ライブラリAPI呼び出しのステータスコードを記録する。
func (c *Collector) RecordAdsCall(statusCode int) {
	c.adsCalls.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRetryAttempt はリトライディスパッチャの試行を記録する。
func (c *Collector) RecordRetryAttempt(encoding string, success bool) {
	result := "fail"
	if success {
		result = "success"
	}
	c.retryAttempts.WithLabelValues(encoding, result).Inc()
}

// RecordRefreshSuccess はリフレッシュ処理の成功を記録する。
func (c *Collector) RecordRefreshSuccess() {
	c.refreshSuccess.Inc()
}

// RecordRefreshFailure はリフレッシュ処理の失敗を記録する。
func (c *Collector) RecordRefreshFailure() {
	c.refreshFail.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NopCollector は何も記録しないコレクター。テストで使用する。
type NopCollector struct{}

func (NopCollector) RecordSearchCall(int)              {}
func (NopCollector) RecordSearchLatency(time.Duration) {}
func (NopCollector) RecordAdsCall(int)                 {}
func (NopCollector) RecordRetryAttempt(string, bool)   {}
func (NopCollector) RecordRefreshSuccess()             {}
func (NopCollector) RecordRefreshFailure()             {}

var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}
