// Package traffic is the typed client for the web-traffic analytics provider.
package traffic

import (
	"context"
	"fmt"
	"net/http"

	"github.com/siteglance/siteglance/internal/provider"
)

// Column layout of the daily report. Aggregation depends on this order.
const (
	DailyDimDate = iota
	DailyDimDevice
	DailyDimChannel
)

const (
	DailyMetSessions = iota
	DailyMetActiveUsers
	DailyMetPageviews
	DailyMetConversions
	DailyMetEngagementRate
	DailyMetBounceRate
)

// Column layout of the top-pages report.
const (
	PageDimPath = iota
)

const (
	PageMetPageviews = iota
	PageMetActiveUsers
	PageMetEngagementRate
)

type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  provider.NewHTTPClient(),
	}
}

// Provide builds the client from the configured endpoints, for DI wiring.
func Provide(urls provider.BaseURLs) *Client {
	return NewClient(urls.Traffic)
}

func (c *Client) endpoint(propertyID string) string {
	return fmt.Sprintf("%s/v1beta/properties/%s:runReport", c.baseURL, propertyID)
}

// FetchDaily requests the primary per-date report: date, device category and
// channel dimensions with session and engagement metrics.
func (c *Client) FetchDaily(ctx context.Context, token, propertyID string, window provider.Window) ([]provider.RawRow, error) {
	request := provider.ReportRequest{
		DateRanges: []provider.DateRange{{StartDate: window.StartDate(), EndDate: window.EndDate()}},
		Dimensions: []provider.Dimension{
			{Name: "date"},
			{Name: "deviceCategory"},
			{Name: "sessionDefaultChannelGroup"},
		},
		Metrics: []provider.Metric{
			{Name: "sessions"},
			{Name: "activeUsers"},
			{Name: "screenPageViews"},
			{Name: "conversions"},
			{Name: "engagementRate"},
			{Name: "bounceRate"},
		},
	}
	return provider.Do(ctx, c.client, c.endpoint(propertyID), token, request)
}

// FetchTopPages requests the page ranking report ordered by pageviews.
func (c *Client) FetchTopPages(ctx context.Context, token, propertyID string, window provider.Window, limit int64) ([]provider.RawRow, error) {
	request := provider.ReportRequest{
		DateRanges: []provider.DateRange{{StartDate: window.StartDate(), EndDate: window.EndDate()}},
		Dimensions: []provider.Dimension{
			{Name: "pagePath"},
		},
		Metrics: []provider.Metric{
			{Name: "screenPageViews"},
			{Name: "activeUsers"},
			{Name: "engagementRate"},
		},
		OrderBys: []provider.OrderBy{{Metric: "screenPageViews", Desc: true}},
		Limit:    limit,
	}
	return provider.Do(ctx, c.client, c.endpoint(propertyID), token, request)
}
