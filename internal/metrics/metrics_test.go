package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// counterValue はGather結果から指定メトリクスのカウンタ値を取り出す。
// ラベル付きの場合は全系列の合計を返す。見つからない場合は-1を返す。
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	return -1
}

// TestRecordSearchCall_IncrementsCounter は検索呼び出しカウンタが増加することを検証する。
func TestRecordSearchCall_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSearchCall(200)
	c.RecordSearchCall(200)
	c.RecordSearchCall(502)

	if got := counterValue(t, reg, "adwatch_search_calls_total"); got != 3 {
		t.Errorf("search_calls_total = %v, want 3", got)
	}
}

// TestRecordSearchLatency_ObservesHistogram はレイテンシヒストグラムが記録されることを検証する。
func TestRecordSearchLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSearchLatency(120 * time.Millisecond)
	c.RecordSearchLatency(2 * time.Second)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "adwatch_search_latency_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
			}
		}
	}
	if !found {
		t.Error("adwatch_search_latency_seconds metric not found")
	}
}

// TestRecordAdsCall_IncrementsCounter は広告API呼び出しカウンタが増加することを検証する。
func TestRecordAdsCall_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAdsCall(200)

	if got := counterValue(t, reg, "adwatch_ads_calls_total"); got != 1 {
		t.Errorf("ads_calls_total = %v, want 1", got)
	}
}

// TestRecordRetryAttempt_LabelsByEncodingAndResult はリトライ試行が
// エンコーディングと結果のラベル別に記録されることを検証する。
func TestRecordRetryAttempt_LabelsByEncodingAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRetryAttempt("json", false)
	c.RecordRetryAttempt("multipart", false)
	c.RecordRetryAttempt("urlencoded", true)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	series := map[string]float64{}
	for _, mf := range metrics {
		if mf.GetName() != "adwatch_retry_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			var encoding, result string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "encoding":
					encoding = l.GetValue()
				case "result":
					result = l.GetValue()
				}
			}
			series[encoding+"/"+result] = m.GetCounter().GetValue()
		}
	}

	if series["json/fail"] != 1 {
		t.Errorf("json/fail = %v, want 1", series["json/fail"])
	}
	if series["urlencoded/success"] != 1 {
		t.Errorf("urlencoded/success = %v, want 1", series["urlencoded/success"])
	}
}

// TestRecordRefresh_Counters はリフレッシュの成功・失敗カウンタが増加することを検証する。
func TestRecordRefresh_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRefreshSuccess()
	c.RecordRefreshSuccess()
	c.RecordRefreshFailure()

	if got := counterValue(t, reg, "adwatch_refresh_success_total"); got != 2 {
		t.Errorf("refresh_success_total = %v, want 2", got)
	}
	if got := counterValue(t, reg, "adwatch_refresh_fail_total"); got != 1 {
		t.Errorf("refresh_fail_total = %v, want 1", got)
	}
}

// TestHandler_ServesGatheredMetrics は/metricsハンドラーが登録済みメトリクスを
// テキスト形式で応答することを検証する。
func TestHandler_ServesGatheredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSearchCall(200)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "adwatch_search_calls_total") {
		t.Error("response should contain adwatch_search_calls_total")
	}
}

// TestNopCollector_ImplementsInterface はNopCollectorがインターフェースを満たすことを検証する。
func TestNopCollector_ImplementsInterface(t *testing.T) {
	var _ MetricsCollector = NopCollector{}
	var _ MetricsCollector = (*Collector)(nil)
}
