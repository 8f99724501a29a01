// Package rights は広告の使用権ウィンドウの計算を提供する。
// 広告1件の残日数計算と、クエリ配下の広告群に対する集計の2つの規則を含む。
package rights

import (
	"encoding/json"
	"math"
	"time"

	"github.com/hitoshi/adwatch/internal/model"
)

// AdDates は広告メタデータから抽出した配信期間とアクティブフラグを表す。
type AdDates struct {
	Start    *time.Time
	End      *time.Time
	IsActive bool
}

// ParseAdInfo は広告メタデータのJSONから配信期間とアクティブフラグを抽出する。
// startDate/endDateはエポック秒、startDateString/endDateStringはRFC3339等の日付文字列。
// エポック秒が優先される。isActiveは上流のbooleanをそのまま読む（日付からは導出しない）。
// 不正・欠損はフィールドをnil/falseに落とし、エラーにはしない。
func ParseAdInfo(raw json.RawMessage) AdDates {
	var dates AdDates
	if len(raw) == 0 {
		return dates
	}

	var info struct {
		StartDate       *float64 `json:"startDate"`
		EndDate         *float64 `json:"endDate"`
		StartDateString string   `json:"startDateString"`
		EndDateString   string   `json:"endDateString"`
		IsActive        any      `json:"isActive"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return dates
	}

	dates.Start = resolveDate(info.StartDate, info.StartDateString)
	dates.End = resolveDate(info.EndDate, info.EndDateString)

	// boolean以外の値（文字列"true"等）はアクティブとみなさない
	if b, ok := info.IsActive.(bool); ok {
		dates.IsActive = b
	}

	return dates
}

// resolveDate はエポック秒と日付文字列からtime.Timeを解決する。エポック秒が優先。
func resolveDate(epoch *float64, str string) *time.Time {
	if epoch != nil {
		t := time.Unix(int64(*epoch), 0).UTC()
		return &t
	}
	if str != "" {
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, str); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

// Status は広告1件の使用権ステータスを表す。
// DurationDays/Remainingは日付または契約日数が欠けている場合nil。
type Status struct {
	DurationDays *int
	Remaining    *int
	Exceeded     bool
	IsActive     bool
}

// Calculate は広告1件の使用権ステータスを導出する。
//   - durationDays = round((end - start) / 86400)、0未満は0に切り上げ
//   - remaining = round(days - durationDays)（両方が揃っている場合のみ）
//   - exceeded = remainingが負
//   - isActiveは上流フラグの転記
func Calculate(dates AdDates, days *int) Status {
	status := Status{IsActive: dates.IsActive}

	if dates.Start != nil && dates.End != nil {
		d := roundDays(dates.End.Sub(*dates.Start))
		if d < 0 {
			d = 0
		}
		status.DurationDays = &d
	}

	if days != nil && status.DurationDays != nil {
		r := *days - *status.DurationDays
		status.Remaining = &r
		status.Exceeded = r < 0
	}

	return status
}

// roundDays はDurationを日数に丸める。
func roundDays(d time.Duration) int {
	return int(math.Round(d.Hours() / 24))
}

// Aggregate はクエリ単位の使用権集計を表す。
// 広告群の配信期間の和集合（最早開始〜最遅終了）に対する残日数であり、
// 広告1件ごとの残日数（Status.Remaining）とは別の会計規則。
type Aggregate struct {
	IsActive        bool
	RightsRemaining int
	HasExceeded     bool
	TotalAds        int
}

// BuildAggregate はクエリ配下の広告群から集計を構築する。
// useLiveがtrueの場合、各広告のライブスナップショットを優先して使用する。
//   - isActive: いずれかの広告がアクティブならtrue
//   - totalDays: 各広告の契約日数の合計（欠損は0扱い）
//   - actualDurationDays: 最早開始〜最遅終了の日数（0未満は0）
//   - rightsRemaining: totalDays - actualDurationDays。算出不能時は0
func BuildAggregate(ads []*model.TrackedAd, useLive bool) Aggregate {
	agg := Aggregate{TotalAds: len(ads)}

	var earliestStart, latestEnd *time.Time
	totalDays := 0

	for _, ad := range ads {
		info := ad.ActiveAdInfo(useLive)
		if len(info) == 0 {
			continue
		}
		dates := ParseAdInfo(info)

		if dates.IsActive {
			agg.IsActive = true
		}
		if dates.Start != nil && (earliestStart == nil || dates.Start.Before(*earliestStart)) {
			earliestStart = dates.Start
		}
		if dates.End != nil && (latestEnd == nil || dates.End.After(*latestEnd)) {
			latestEnd = dates.End
		}
		if ad.Days != nil {
			totalDays += *ad.Days
		}
	}

	if earliestStart != nil && latestEnd != nil && totalDays > 0 {
		actual := roundDays(latestEnd.Sub(*earliestStart))
		if actual < 0 {
			actual = 0
		}
		remaining := totalDays - actual
		agg.RightsRemaining = remaining
		agg.HasExceeded = remaining < 0
	}

	return agg
}
