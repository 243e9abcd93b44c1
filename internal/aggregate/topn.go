package aggregate

import (
	"sort"

	"github.com/siteglance/siteglance/internal/provider"
	"github.com/siteglance/siteglance/internal/provider/search"
	"github.com/siteglance/siteglance/internal/provider/traffic"
)

// DefaultTopLimit caps query and page rankings.
const DefaultTopLimit = 100

// QueryEntry is one ranked search query.
type QueryEntry struct {
	Query       string  `json:"query"`
	Clicks      float64 `json:"clicks"`
	Impressions float64 `json:"impressions"`
	CTR         float64 `json:"ctr"`
	Position    float64 `json:"position"`
}

type queryAccumulator struct {
	entry       QueryEntry
	ctrSum      float64
	positionSum float64
	rowCount    int
}

// TopQueries groups rows by query, sums clicks and impressions, averages the
// rate metrics over each query's rows, then ranks descending by clicks. The
// sort is stable: equal-click queries keep their original relative order.
func TopQueries(rows []provider.RawRow, limit int) []QueryEntry {
	if limit <= 0 {
		limit = DefaultTopLimit
	}

	accumulators := make(map[string]*queryAccumulator)
	order := make([]string, 0)
	for _, row := range rows {
		key := row.Dimension(search.QueryDimQuery)
		acc, ok := accumulators[key]
		if !ok {
			acc = &queryAccumulator{entry: QueryEntry{Query: key}}
			accumulators[key] = acc
			order = append(order, key)
		}
		acc.entry.Clicks += row.Metric(search.MetClicks)
		acc.entry.Impressions += row.Metric(search.MetImpressions)
		acc.ctrSum += row.Metric(search.MetCTR)
		acc.positionSum += row.Metric(search.MetPosition)
		acc.rowCount++
	}

	entries := make([]QueryEntry, 0, len(order))
	for _, key := range order {
		acc := accumulators[key]
		if acc.rowCount > 0 {
			count := float64(acc.rowCount)
			acc.entry.CTR = acc.ctrSum / count
			acc.entry.Position = acc.positionSum / count
		}
		entries = append(entries, acc.entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Clicks > entries[j].Clicks
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// PageEntry is one ranked page.
type PageEntry struct {
	Path           string  `json:"path"`
	Pageviews      float64 `json:"pageviews"`
	ActiveUsers    float64 `json:"activeUsers"`
	EngagementRate float64 `json:"engagementRate"`
}

type pageAccumulator struct {
	entry     PageEntry
	engageSum float64
	rowCount  int
}

// TopPages mirrors TopQueries for the page ranking report, ranked by pageviews.
func TopPages(rows []provider.RawRow, limit int) []PageEntry {
	if limit <= 0 {
		limit = DefaultTopLimit
	}

	accumulators := make(map[string]*pageAccumulator)
	order := make([]string, 0)
	for _, row := range rows {
		key := row.Dimension(traffic.PageDimPath)
		acc, ok := accumulators[key]
		if !ok {
			acc = &pageAccumulator{entry: PageEntry{Path: key}}
			accumulators[key] = acc
			order = append(order, key)
		}
		acc.entry.Pageviews += row.Metric(traffic.PageMetPageviews)
		acc.entry.ActiveUsers += row.Metric(traffic.PageMetActiveUsers)
		acc.engageSum += row.Metric(traffic.PageMetEngagementRate)
		acc.rowCount++
	}

	entries := make([]PageEntry, 0, len(order))
	for _, key := range order {
		acc := accumulators[key]
		if acc.rowCount > 0 {
			acc.entry.EngagementRate = acc.engageSum / float64(acc.rowCount)
		}
		entries = append(entries, acc.entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Pageviews > entries[j].Pageviews
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
