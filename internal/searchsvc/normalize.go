package searchsvc

import (
	"encoding/json"
)

// Result は類似検索結果の正規化済みレコード。
// 上流のレスポンス形式（新形式・旧形式）の差異を吸収した安定形。
type Result struct {
	ID            string   `json:"id"`
	URL           *string  `json:"url,omitempty"`
	TotalDistance *float64 `json:"total_distance,omitempty"`
	AvgSimilarity *float64 `json:"avg_similarity,omitempty"`
	MaxSimilarity *float64 `json:"max_similarity,omitempty"`
	MatchesCount  *int     `json:"matches_count,omitempty"`
}

// resultLocations は結果配列を探す場所の優先順位。
// 最初に見つかった空でない配列を採用する。
var resultLocations = []string{"results", "results_full"}

// Normalize は上流の任意のJSONペイロードから正規化済み結果列を生成する。
// 結果配列はresults → results_full → response.resultsの順で探す。
// 各要素はad_id/ad_url/total_distanceを持つ新形式、video_idを持つ旧形式、
// それ以外はid/urlフォールバックとして写像する。null要素は捨てる。
// どんな入力に対してもエラーにはならず、見つからなければ空列を返す。
func Normalize(raw json.RawMessage) []Result {
	items := findResultArray(raw)

	results := make([]Result, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			// null・非オブジェクト要素は捨てる
			continue
		}
		results = append(results, normalizeOne(obj))
	}
	return results
}

// findResultArray はペイロードから候補の結果配列を探す。
func findResultArray(raw json.RawMessage) []any {
	if len(raw) == 0 {
		return nil
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	// ペイロード自体が配列の場合はそのまま使う
	if arr, ok := payload.([]any); ok {
		return arr
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}

	for _, key := range resultLocations {
		if arr, ok := obj[key].([]any); ok && len(arr) > 0 {
			return arr
		}
	}

	// ネストされたresponse.results
	if inner, ok := obj["response"].(map[string]any); ok {
		if arr, ok := inner["results"].([]any); ok && len(arr) > 0 {
			return arr
		}
	}

	return nil
}

// normalizeOne は結果オブジェクト1件を形式判定して正規化する。
func normalizeOne(obj map[string]any) Result {
	// 新形式: ad_id / ad_url / total_distance のいずれかを持つ
	if hasAny(obj, "ad_id", "ad_url", "total_distance") {
		return Result{
			ID:            stringField(obj, "ad_id"),
			URL:           stringPtrField(obj, "ad_url"),
			TotalDistance: floatPtrField(obj, "total_distance"),
			AvgSimilarity: floatPtrField(obj, "avg_similarity"),
			MaxSimilarity: floatPtrField(obj, "max_similarity"),
			MatchesCount:  intPtrField(obj, "matches_count"),
		}
	}

	// 旧形式: video_id を持つ
	if _, ok := obj["video_id"]; ok {
		return Result{
			ID:            stringField(obj, "video_id"),
			URL:           stringPtrField(obj, "video_url"),
			TotalDistance: floatPtrField(obj, "distance"),
			AvgSimilarity: floatPtrField(obj, "avg_similarity"),
			MaxSimilarity: floatPtrField(obj, "max_similarity"),
			MatchesCount:  intPtrField(obj, "matches_count"),
		}
	}

	// どちらでもない場合は汎用フィールドでベストエフォート
	return Result{
		ID:            stringField(obj, "id"),
		URL:           stringPtrField(obj, "url"),
		TotalDistance: floatPtrField(obj, "total_distance"),
		AvgSimilarity: floatPtrField(obj, "avg_similarity"),
		MaxSimilarity: floatPtrField(obj, "max_similarity"),
		MatchesCount:  intPtrField(obj, "matches_count"),
	}
}

func hasAny(obj map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return true
		}
	}
	return false
}

// stringField は文字列または数値のフィールドを文字列として取り出す。
func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case float64:
		// 広告IDが数値で来るケースに対応する
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return ""
	}
}

func stringPtrField(obj map[string]any, key string) *string {
	if s, ok := obj[key].(string); ok {
		return &s
	}
	return nil
}

func floatPtrField(obj map[string]any, key string) *float64 {
	if f, ok := obj[key].(float64); ok {
		return &f
	}
	return nil
}

func intPtrField(obj map[string]any, key string) *int {
	if f, ok := obj[key].(float64); ok {
		i := int(f)
		return &i
	}
	return nil
}
