package searchsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/adwatch/internal/metrics"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// newTestClient はバックオフ待ちを無効化したテスト用クライアントを生成する。
func newTestClient(server *httptest.Server) *Client {
	var buf bytes.Buffer
	c := NewClient(server.Client(), StaticTokenSource("test-token"), server.URL, server.URL+"/retry", newTestLogger(&buf), metrics.NopCollector{})
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestQueryVideo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" {
			t.Errorf("path = %s, want /query", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("multipartのパースに失敗: %v", err)
		}
		if got := r.FormValue("video_url"); got != "gs://bucket/video.mp4" {
			t.Errorf("video_url = %q, want gs://bucket/video.mp4", got)
		}
		if got := r.FormValue("page_id"); got != "page-1" {
			t.Errorf("page_id = %q, want page-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q, want Bearer test-token", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [{"ad_id": "1"}]}`))
	}))
	defer server.Close()

	c := newTestClient(server)

	payload, err := c.QueryVideo(context.Background(), "gs://bucket/video.mp4", "page-1")
	if err != nil {
		t.Fatalf("QueryVideo error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
}

func TestQueryVideo_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"results": []}`))
	}))
	defer server.Close()

	c := newTestClient(server)

	_, err := c.QueryVideo(context.Background(), "gs://bucket/v.mp4", "")
	if err != nil {
		t.Fatalf("QueryVideo error = %v, want success on third attempt", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestQueryVideo_FailsFastOn4xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message": "bad video_url"}`))
	}))
	defer server.Close()

	c := newTestClient(server)

	_, err := c.QueryVideo(context.Background(), "gs://bucket/v.mp4", "")
	if err == nil {
		t.Fatal("QueryVideo error = nil, want error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry on 4xx)", got)
	}

	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("error type = %T, want *UpstreamError", err)
	}
	if upstreamErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", upstreamErr.StatusCode)
	}
}

func TestQueryVideo_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClient(server)

	_, err := c.QueryVideo(context.Background(), "gs://bucket/v.mp4", "")
	if err == nil {
		t.Fatal("QueryVideo error = nil, want error after exhausting attempts")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestSearchByPhashes_ForwardsPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("path = %s, want /search", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("ボディのパースに失敗: %v", err)
		}
		if _, ok := body["phashes"]; !ok {
			t.Error("phashesフィールドが転送されていない")
		}
		w.Write([]byte(`{"results": []}`))
	}))
	defer server.Close()

	c := newTestClient(server)

	_, err := c.SearchByPhashes(context.Background(), json.RawMessage(`{"phashes": ["abc"]}`))
	if err != nil {
		t.Fatalf("SearchByPhashes error = %v", err)
	}
}

func TestSearchByPhashes_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message": "down"}`))
	}))
	defer server.Close()

	c := newTestClient(server)

	_, err := c.SearchByPhashes(context.Background(), json.RawMessage(`{"phashes": []}`))
	if err == nil {
		t.Fatal("SearchByPhashes error = nil, want error")
	}
}

func TestBackoffDelay_Grows(t *testing.T) {
	// 2回目: 500ms+jitter、3回目: 1000ms+jitter
	d2 := backoffDelay(2)
	if d2 < 500*time.Millisecond || d2 >= 600*time.Millisecond {
		t.Errorf("backoffDelay(2) = %v, want [500ms, 600ms)", d2)
	}
	d3 := backoffDelay(3)
	if d3 < 1000*time.Millisecond || d3 >= 1100*time.Millisecond {
		t.Errorf("backoffDelay(3) = %v, want [1000ms, 1100ms)", d3)
	}
}
