// Package aggregate turns raw provider rows into daily, summary and top-N
// rollups. It performs no I/O; inputs are defensively parsed so malformed
// metric values become 0 rather than errors.
package aggregate

import (
	"sort"

	"github.com/siteglance/siteglance/internal/provider"
	"github.com/siteglance/siteglance/internal/provider/search"
	"github.com/siteglance/siteglance/internal/provider/traffic"
)

// Breakdown holds the additive metrics tracked per secondary dimension.
// Rate metrics are intentionally excluded from breakdowns.
type Breakdown struct {
	Sessions    float64 `json:"sessions"`
	ActiveUsers float64 `json:"activeUsers"`
	Pageviews   float64 `json:"pageviews"`
}

// DailyTraffic is the per-date traffic rollup.
type DailyTraffic struct {
	Date           string
	Sessions       float64
	ActiveUsers    float64
	Pageviews      float64
	Conversions    float64
	EngagementRate float64
	BounceRate     float64
	ByDevice       map[string]Breakdown
	ByChannel      map[string]Breakdown
	SourceRowCount int
}

type trafficBucket struct {
	daily       DailyTraffic
	engageSum   float64
	bounceSum   float64
}

// DailyTrafficRollup groups raw rows by the leading date dimension. Additive
// metrics are summed; rate metrics are averaged over the rows contributing to
// each date. A bucket with zero rows yields rate 0, never a division by zero.
func DailyTrafficRollup(rows []provider.RawRow) []DailyTraffic {
	buckets := make(map[string]*trafficBucket)
	order := make([]string, 0)

	for _, row := range rows {
		date := row.Dimension(traffic.DailyDimDate)
		bucket, ok := buckets[date]
		if !ok {
			bucket = &trafficBucket{daily: DailyTraffic{
				Date:      date,
				ByDevice:  make(map[string]Breakdown),
				ByChannel: make(map[string]Breakdown),
			}}
			buckets[date] = bucket
			order = append(order, date)
		}

		sessions := row.Metric(traffic.DailyMetSessions)
		users := row.Metric(traffic.DailyMetActiveUsers)
		pageviews := row.Metric(traffic.DailyMetPageviews)

		bucket.daily.Sessions += sessions
		bucket.daily.ActiveUsers += users
		bucket.daily.Pageviews += pageviews
		bucket.daily.Conversions += row.Metric(traffic.DailyMetConversions)
		bucket.engageSum += row.Metric(traffic.DailyMetEngagementRate)
		bucket.bounceSum += row.Metric(traffic.DailyMetBounceRate)
		bucket.daily.SourceRowCount++

		// Secondary-dimension names are used verbatim as map keys; rows with
		// the same literal value merge.
		addBreakdown(bucket.daily.ByDevice, row.Dimension(traffic.DailyDimDevice), sessions, users, pageviews)
		addBreakdown(bucket.daily.ByChannel, row.Dimension(traffic.DailyDimChannel), sessions, users, pageviews)
	}

	sort.Strings(order)
	days := make([]DailyTraffic, 0, len(order))
	for _, date := range order {
		bucket := buckets[date]
		if bucket.daily.SourceRowCount > 0 {
			count := float64(bucket.daily.SourceRowCount)
			bucket.daily.EngagementRate = bucket.engageSum / count
			bucket.daily.BounceRate = bucket.bounceSum / count
		}
		days = append(days, bucket.daily)
	}
	return days
}

func addBreakdown(m map[string]Breakdown, key string, sessions, users, pageviews float64) {
	entry := m[key]
	entry.Sessions += sessions
	entry.ActiveUsers += users
	entry.Pageviews += pageviews
	m[key] = entry
}

// TrafficSummary is the window-level traffic rollup.
type TrafficSummary struct {
	Sessions       float64
	ActiveUsers    float64
	Pageviews      float64
	Conversions    float64
	EngagementRate float64
	BounceRate     float64
	Window         provider.Window
}

// SummarizeTraffic sums daily totals and averages daily rates across the
// number of dates present. Window rates are a mean of daily means, which is
// deliberately distinct from the per-date mean of rows.
func SummarizeTraffic(days []DailyTraffic, window provider.Window) TrafficSummary {
	summary := TrafficSummary{Window: window}
	for _, day := range days {
		summary.Sessions += day.Sessions
		summary.ActiveUsers += day.ActiveUsers
		summary.Pageviews += day.Pageviews
		summary.Conversions += day.Conversions
		summary.EngagementRate += day.EngagementRate
		summary.BounceRate += day.BounceRate
	}
	if len(days) > 0 {
		count := float64(len(days))
		summary.EngagementRate /= count
		summary.BounceRate /= count
	}
	return summary
}

// SearchBreakdown holds the additive search metrics tracked per device.
type SearchBreakdown struct {
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
}

// DailySearch is the per-date search-performance rollup.
type DailySearch struct {
	Date           string
	Clicks         float64
	Impressions    float64
	CTR            float64
	Position       float64
	ByDevice       map[string]SearchBreakdown
	SourceRowCount int
}

type searchBucket struct {
	daily       DailySearch
	ctrSum      float64
	positionSum float64
}

// DailySearchRollup groups raw search rows by the leading date dimension.
func DailySearchRollup(rows []provider.RawRow) []DailySearch {
	buckets := make(map[string]*searchBucket)
	order := make([]string, 0)

	for _, row := range rows {
		date := row.Dimension(search.DailyDimDate)
		bucket, ok := buckets[date]
		if !ok {
			bucket = &searchBucket{daily: DailySearch{
				Date:     date,
				ByDevice: make(map[string]SearchBreakdown),
			}}
			buckets[date] = bucket
			order = append(order, date)
		}

		clicks := row.Metric(search.MetClicks)
		impressions := row.Metric(search.MetImpressions)

		bucket.daily.Clicks += clicks
		bucket.daily.Impressions += impressions
		bucket.ctrSum += row.Metric(search.MetCTR)
		bucket.positionSum += row.Metric(search.MetPosition)
		bucket.daily.SourceRowCount++

		device := row.Dimension(search.DailyDimDevice)
		entry := bucket.daily.ByDevice[device]
		entry.Clicks += clicks
		entry.Impressions += impressions
		bucket.daily.ByDevice[device] = entry
	}

	sort.Strings(order)
	days := make([]DailySearch, 0, len(order))
	for _, date := range order {
		bucket := buckets[date]
		if bucket.daily.SourceRowCount > 0 {
			count := float64(bucket.daily.SourceRowCount)
			bucket.daily.CTR = bucket.ctrSum / count
			bucket.daily.Position = bucket.positionSum / count
		}
		days = append(days, bucket.daily)
	}
	return days
}

// SearchSummary is the window-level search rollup.
type SearchSummary struct {
	Clicks      float64
	Impressions float64
	CTR         float64
	Position    float64
	Window      provider.Window
}

// SummarizeSearch sums daily totals and averages daily rates across the dates
// present, mirroring SummarizeTraffic.
func SummarizeSearch(days []DailySearch, window provider.Window) SearchSummary {
	summary := SearchSummary{Window: window}
	for _, day := range days {
		summary.Clicks += day.Clicks
		summary.Impressions += day.Impressions
		summary.CTR += day.CTR
		summary.Position += day.Position
	}
	if len(days) > 0 {
		count := float64(len(days))
		summary.CTR /= count
		summary.Position /= count
	}
	return summary
}
