// Package provider holds the shared wire contract for upstream analytics APIs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const reportTimeout = 30 * time.Second

// RawRow is one provider API result row. Dimension and metric order is fixed
// per query and must match the aggregation column layout.
type RawRow struct {
	DimensionValues []string
	MetricValues    []string
}

// Window is the date range requested from a provider for one ingestion run.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) StartDate() string { return w.Start.Format("2006-01-02") }
func (w Window) EndDate() string   { return w.End.Format("2006-01-02") }

// ShiftEnd moves the window end backward by n days, for providers with a
// reporting lag. The start is clamped so the window never inverts.
func (w Window) ShiftEnd(days int) Window {
	if days <= 0 {
		return w
	}
	end := w.End.AddDate(0, 0, -days)
	start := w.Start
	if start.After(end) {
		start = end
	}
	return Window{Start: start, End: end}
}

// ReportRequest is the JSON body posted to a provider report endpoint.
type ReportRequest struct {
	DateRanges      []DateRange      `json:"dateRanges"`
	Dimensions      []Dimension      `json:"dimensions"`
	Metrics         []Metric         `json:"metrics"`
	DimensionFilter *DimensionFilter `json:"dimensionFilter,omitempty"`
	OrderBys        []OrderBy        `json:"orderBys,omitempty"`
	Limit           int64            `json:"limit,omitempty"`
}

type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type Dimension struct {
	Name string `json:"name"`
}

type Metric struct {
	Name string `json:"name"`
}

type DimensionFilter struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

type OrderBy struct {
	Metric string `json:"metric"`
	Desc   bool   `json:"desc"`
}

type reportResponse struct {
	Rows []struct {
		DimensionValues []struct {
			Value string `json:"value"`
		} `json:"dimensionValues"`
		MetricValues []struct {
			Value string `json:"value"`
		} `json:"metricValues"`
	} `json:"rows"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a non-2xx response from a provider report endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status %d: %s", e.StatusCode, e.Message)
}

// Do posts a report request and flattens the response rows.
func Do(ctx context.Context, client *http.Client, endpoint, token string, request ReportRequest) ([]RawRow, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body, resp.Status),
		}
	}

	var report reportResponse
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("malformed report response: %w", err)
	}

	rows := make([]RawRow, 0, len(report.Rows))
	for _, row := range report.Rows {
		raw := RawRow{
			DimensionValues: make([]string, 0, len(row.DimensionValues)),
			MetricValues:    make([]string, 0, len(row.MetricValues)),
		}
		for _, dv := range row.DimensionValues {
			raw.DimensionValues = append(raw.DimensionValues, dv.Value)
		}
		for _, mv := range row.MetricValues {
			raw.MetricValues = append(raw.MetricValues, mv.Value)
		}
		rows = append(rows, raw)
	}
	return rows, nil
}

func errorMessage(body []byte, statusText string) string {
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return statusText
}

// NewHTTPClient returns the bounded-timeout client shared by provider calls.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: reportTimeout}
}

// ParseFloat parses a metric value, defaulting absent or garbage input to 0.
func ParseFloat(value string) float64 {
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return parsed
}

// Dimension returns the dimension at index i, or "" when absent.
func (r RawRow) Dimension(i int) string {
	if i < 0 || i >= len(r.DimensionValues) {
		return ""
	}
	return r.DimensionValues[i]
}

// Metric returns the parsed metric at index i, or 0 when absent.
func (r RawRow) Metric(i int) float64 {
	if i < 0 || i >= len(r.MetricValues) {
		return 0
	}
	return ParseFloat(r.MetricValues[i])
}
