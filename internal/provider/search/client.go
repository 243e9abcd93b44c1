// Package search is the typed client for the search-performance analytics provider.
package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/siteglance/siteglance/internal/provider"
)

// ReportingLagDays is how many trailing days of search data are incomplete.
// Callers must shift the window end backward by this many days before querying.
const ReportingLagDays = 2

// Column layout of the daily report.
const (
	DailyDimDate = iota
	DailyDimDevice
)

// Column layout of the top-queries report.
const (
	QueryDimQuery = iota
)

// Metric layout shared by both search reports.
const (
	MetClicks = iota
	MetImpressions
	MetCTR
	MetPosition
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
	return NewClient(urls.Search)
}

// Lag returns the provider's fixed reporting lag in days.
func (c *Client) Lag() int { return ReportingLagDays }

// ApplyLag shifts a window end backward by the reporting lag.
func (c *Client) ApplyLag(window provider.Window) provider.Window {
	return window.ShiftEnd(c.Lag())
}

func (c *Client) endpoint(siteURL string) string {
	return fmt.Sprintf("%s/v1/sites/%s/searchAnalytics:query", c.baseURL, url.PathEscape(siteURL))
}

// FetchDaily requests per-date search performance broken down by device.
func (c *Client) FetchDaily(ctx context.Context, token, siteURL string, window provider.Window) ([]provider.RawRow, error) {
	request := provider.ReportRequest{
		DateRanges: []provider.DateRange{{StartDate: window.StartDate(), EndDate: window.EndDate()}},
		Dimensions: []provider.Dimension{
			{Name: "date"},
			{Name: "device"},
		},
		Metrics: []provider.Metric{
			{Name: "clicks"},
			{Name: "impressions"},
			{Name: "ctr"},
			{Name: "position"},
		},
	}
	return provider.Do(ctx, c.client, c.endpoint(siteURL), token, request)
}

// FetchTopQueries requests the query ranking report ordered by clicks.
func (c *Client) FetchTopQueries(ctx context.Context, token, siteURL string, window provider.Window, limit int64) ([]provider.RawRow, error) {
	request := provider.ReportRequest{
		DateRanges: []provider.DateRange{{StartDate: window.StartDate(), EndDate: window.EndDate()}},
		Dimensions: []provider.Dimension{
			{Name: "query"},
		},
		Metrics: []provider.Metric{
			{Name: "clicks"},
			{Name: "impressions"},
			{Name: "ctr"},
			{Name: "position"},
		},
		OrderBys: []provider.OrderBy{{Metric: "clicks", Desc: true}},
		Limit:    limit,
	}
	return provider.Do(ctx, c.client, c.endpoint(siteURL), token, request)
}
