package searchsvc

import (
	"encoding/json"
	"testing"
)

func TestNormalize_NewShape(t *testing.T) {
	raw := json.RawMessage(`{
		"results": [
			{"ad_id": "123", "ad_url": "https://example.com/ad/123", "total_distance": 0, "avg_similarity": 0.98, "max_similarity": 1.0, "matches_count": 7}
		]
	}`)

	results := Normalize(raw)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	r := results[0]
	if r.ID != "123" {
		t.Errorf("ID = %q, want %q", r.ID, "123")
	}
	if r.URL == nil || *r.URL != "https://example.com/ad/123" {
		t.Errorf("URL = %v, want ad_url", r.URL)
	}
	if r.TotalDistance == nil || *r.TotalDistance != 0 {
		t.Errorf("TotalDistance = %v, want 0", r.TotalDistance)
	}
	if r.MatchesCount == nil || *r.MatchesCount != 7 {
		t.Errorf("MatchesCount = %v, want 7", r.MatchesCount)
	}
}

func TestNormalize_LegacyShape(t *testing.T) {
	raw := json.RawMessage(`{
		"results": [
			{"video_id": "v-9", "video_url": "https://example.com/v/9", "distance": 2.5}
		]
	}`)

	results := Normalize(raw)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	r := results[0]
	if r.ID != "v-9" {
		t.Errorf("ID = %q, want %q", r.ID, "v-9")
	}
	if r.URL == nil || *r.URL != "https://example.com/v/9" {
		t.Errorf("URL = %v, want video_url", r.URL)
	}
	if r.TotalDistance == nil || *r.TotalDistance != 2.5 {
		t.Errorf("TotalDistance = %v, want 2.5 (from distance)", r.TotalDistance)
	}
}

func TestNormalize_GenericFallback(t *testing.T) {
	raw := json.RawMessage(`{"results": [{"id": "x", "url": "https://example.com/x"}]}`)

	results := Normalize(raw)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].ID != "x" {
		t.Errorf("ID = %q, want %q", results[0].ID, "x")
	}
}

func TestNormalize_NumericAdID(t *testing.T) {
	raw := json.RawMessage(`{"results": [{"ad_id": 456}]}`)

	results := Normalize(raw)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if results[0].ID != "456" {
		t.Errorf("ID = %q, want %q", results[0].ID, "456")
	}
}

func TestNormalize_LocationPriority(t *testing.T) {
	// resultsが空配列の場合はresults_fullへ、それも無ければresponse.resultsへ落ちる
	tests := []struct {
		name   string
		raw    string
		wantID string
	}{
		{
			name:   "results_full",
			raw:    `{"results": [], "results_full": [{"ad_id": "full"}]}`,
			wantID: "full",
		},
		{
			name:   "nested response.results",
			raw:    `{"response": {"results": [{"ad_id": "nested"}]}}`,
			wantID: "nested",
		},
		{
			name:   "bare array payload",
			raw:    `[{"ad_id": "bare"}]`,
			wantID: "bare",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := Normalize(json.RawMessage(tt.raw))
			if len(results) != 1 {
				t.Fatalf("len(results) = %d, want 1", len(results))
			}
			if results[0].ID != tt.wantID {
				t.Errorf("ID = %q, want %q", results[0].ID, tt.wantID)
			}
		})
	}
}

func TestNormalize_DropsNullElements(t *testing.T) {
	raw := json.RawMessage(`{"results": [null, {"ad_id": "a"}, null, "junk"]}`)

	results := Normalize(raw)

	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1 (nulls dropped)", len(results))
	}
	if results[0].ID != "a" {
		t.Errorf("ID = %q, want %q", results[0].ID, "a")
	}
}

func TestNormalize_NeverErrors(t *testing.T) {
	// どんな入力でも空列以上を返し、panicもしない
	inputs := []string{
		``,
		`not json at all`,
		`{}`,
		`{"results": "not an array"}`,
		`{"results": []}`,
		`42`,
		`null`,
	}

	for _, in := range inputs {
		results := Normalize(json.RawMessage(in))
		if results == nil {
			t.Errorf("Normalize(%q) = nil, want non-nil empty slice", in)
		}
		if len(results) != 0 {
			t.Errorf("Normalize(%q) returned %d results, want 0", in, len(results))
		}
	}
}

func TestNormalize_PreservesInputOrder(t *testing.T) {
	raw := json.RawMessage(`{"results": [{"ad_id": "1"}, {"video_id": "2"}, {"id": "3"}]}`)

	results := Normalize(raw)

	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for i, want := range []string{"1", "2", "3"} {
		if results[i].ID != want {
			t.Errorf("results[%d].ID = %q, want %q", i, results[i].ID, want)
		}
	}
}
