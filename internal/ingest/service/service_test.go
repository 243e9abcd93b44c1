package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/siteglance/siteglance/internal/clock"
	"github.com/siteglance/siteglance/internal/config"
	credentialdomain "github.com/siteglance/siteglance/internal/credential/domain"
	ingestdomain "github.com/siteglance/siteglance/internal/ingest/domain"
	"github.com/siteglance/siteglance/internal/ingest/repository"
	"github.com/siteglance/siteglance/internal/provider"
	"github.com/siteglance/siteglance/internal/provider/search"
	"github.com/siteglance/siteglance/internal/provider/traffic"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type credStub struct {
	token string
	err   error
}

func (c *credStub) GetValid(ctx context.Context, siteID snowflake.ID, p sitedomain.Provider) (string, error) {
	return c.token, c.err
}

// fakeProvider answers both report shapes of one provider endpoint. Requests
// are told apart by their leading dimension.
type fakeProvider struct {
	mu       sync.Mutex
	requests []provider.ReportRequest
	daily    []map[string]any
	ranked   []map[string]any
	broken   bool
}

func (f *fakeProvider) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.broken {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"message": "quota exceeded"}}`))
			return
		}

		var req provider.ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.requests = append(f.requests, req)

		rows := f.daily
		if len(req.Dimensions) > 0 {
			switch req.Dimensions[0].Name {
			case "pagePath", "query":
				rows = f.ranked
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows})
	})
}

func reportRow(dims []string, mets []string) map[string]any {
	dimValues := make([]map[string]string, 0, len(dims))
	for _, d := range dims {
		dimValues = append(dimValues, map[string]string{"value": d})
	}
	metValues := make([]map[string]string, 0, len(mets))
	for _, m := range mets {
		metValues = append(metValues, map[string]string{"value": m})
	}
	return map[string]any{"dimensionValues": dimValues, "metricValues": metValues}
}

type ingestFixture struct {
	db       *gorm.DB
	svc      ingestdomain.Service
	repo     ingestdomain.Repository
	clk      *clock.FakeClock
	creds    *credStub
	upstream *fakeProvider
	site     sitedomain.Site
}

func setupIngestService(t *testing.T) *ingestFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	require.NoError(t, db.AutoMigrate(
		&ingestdomain.DailyRecord{},
		&ingestdomain.SummaryRecord{},
		&ingestdomain.TopNRecord{},
		&ingestdomain.MonthlyRollup{},
		&ingestdomain.IngestionStatus{},
		&ingestdomain.ReportCacheEntry{},
	))

	node, err := snowflake.NewNode(6)
	require.NoError(t, err)

	upstream := &fakeProvider{
		daily: []map[string]any{
			reportRow([]string{"20250913", "mobile", "Organic"}, []string{"10", "8", "25", "1", "0.6", "0.5"}),
			reportRow([]string{"20250913", "desktop", "Direct"}, []string{"20", "15", "40", "2", "0.8", "0.3"}),
			reportRow([]string{"20250914", "mobile", "Organic"}, []string{"5", "4", "9", "0", "0.4", "0.2"}),
		},
		ranked: []map[string]any{
			reportRow([]string{"/pricing"}, []string{"40", "30", "0.5"}),
		},
	}
	server := httptest.NewServer(upstream.handler())
	t.Cleanup(server.Close)

	clk := clock.NewFakeClock(time.Date(2025, 9, 15, 5, 0, 0, 0, time.UTC))
	creds := &credStub{token: "tok-valid"}
	repo := repository.Provide(node)
	svc := New(db, zap.NewNop(), clk, repo, creds,
		traffic.NewClient(server.URL), search.NewClient(server.URL), config.Config{})

	return &ingestFixture{
		db:       db,
		svc:      svc,
		repo:     repo,
		clk:      clk,
		creds:    creds,
		upstream: upstream,
		site: sitedomain.Site{
			ID:                node.Generate(),
			Name:              "Example",
			Domain:            "example.com",
			TrafficPropertyID: "prop-1",
			SearchSiteURL:     "https://example.com",
			Onboarded:         true,
		},
	}
}

func TestRunTrafficPersistsWindow(t *testing.T) {
	f := setupIngestService(t)
	ctx := context.Background()
	windowEnd := time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, f.svc.RunTraffic(ctx, f.site, windowEnd, 30))

	records, err := f.repo.ListDailyRecords(ctx, f.db, f.site.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "20250913", records[0].Date)
	assert.Equal(t, 30.0, records[0].Sessions)
	assert.InDelta(t, 0.4, records[0].BounceRate, 1e-9)

	summary, err := f.repo.GetSummary(ctx, f.db, f.site.ID, sitedomain.ProviderTraffic)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 35.0, summary.Sessions)

	status, err := f.repo.GetStatus(ctx, f.db, f.site.ID, sitedomain.ProviderTraffic)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, ingestdomain.StatusSuccess, status.Status)

	// The summary snapshot lands in the report cache.
	var cached int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM report_cache_entries WHERE cache_key = ?`,
		fmt.Sprintf("summary|%s|traffic", f.site.ID)).Scan(&cached).Error)
	assert.Equal(t, int64(1), cached)

	// A 30-day window ending on the 14th starts on August 16th.
	first := f.upstream.requests[0]
	assert.Equal(t, "2025-08-16", first.DateRanges[0].StartDate)
	assert.Equal(t, "2025-09-14", first.DateRanges[0].EndDate)
}

func TestRunTrafficRecordsProviderFailure(t *testing.T) {
	f := setupIngestService(t)
	ctx := context.Background()
	f.upstream.broken = true

	err := f.svc.RunTraffic(ctx, f.site, time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC), 30)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")

	status, getErr := f.repo.GetStatus(ctx, f.db, f.site.ID, sitedomain.ProviderTraffic)
	require.NoError(t, getErr)
	require.NotNil(t, status)
	assert.Equal(t, ingestdomain.StatusError, status.Status)
	assert.Contains(t, status.ErrorMessage, "quota exceeded")
	assert.Nil(t, status.LastFetchedAt)

	records, listErr := f.repo.ListDailyRecords(ctx, f.db, f.site.ID)
	require.NoError(t, listErr)
	assert.Empty(t, records)
}

func TestRunTrafficRecordsCredentialFailure(t *testing.T) {
	f := setupIngestService(t)
	ctx := context.Background()
	f.creds.err = credentialdomain.ErrRefreshFailed

	err := f.svc.RunTraffic(ctx, f.site, time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC), 30)
	require.ErrorIs(t, err, credentialdomain.ErrRefreshFailed)

	status, getErr := f.repo.GetStatus(ctx, f.db, f.site.ID, sitedomain.ProviderTraffic)
	require.NoError(t, getErr)
	require.NotNil(t, status)
	assert.Equal(t, ingestdomain.StatusError, status.Status)
}

func TestRunTrafficSkipsUnlinkedSite(t *testing.T) {
	f := setupIngestService(t)
	f.site.TrafficPropertyID = ""

	require.NoError(t, f.svc.RunTraffic(context.Background(), f.site, time.Now(), 30))
	assert.Empty(t, f.upstream.requests)
}

func TestRunSearchAppliesReportingLag(t *testing.T) {
	f := setupIngestService(t)
	f.upstream.daily = []map[string]any{
		reportRow([]string{"2025-09-10", "MOBILE"}, []string{"10", "100", "0.1", "4"}),
	}
	f.upstream.ranked = []map[string]any{
		reportRow([]string{"best widgets"}, []string{"12", "90", "0.13", "3"}),
	}
	windowEnd := time.Date(2025, 9, 14, 0, 0, 0, 0, time.UTC)

	require.NoError(t, f.svc.RunSearch(context.Background(), f.site, windowEnd, 30))

	// Both report requests query the lag-shifted window.
	for _, req := range f.upstream.requests {
		assert.Equal(t, "2025-09-12", req.DateRanges[0].EndDate)
	}

	status, err := f.repo.GetStatus(context.Background(), f.db, f.site.ID, sitedomain.ProviderSearch)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, ingestdomain.StatusSuccess, status.Status)
}

func TestRunTrafficBenchmarkWritesRollup(t *testing.T) {
	f := setupIngestService(t)
	ctx := context.Background()

	require.NoError(t, f.svc.RunTrafficBenchmark(ctx, f.site, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)))

	req := f.upstream.requests[0]
	assert.Equal(t, "2025-08-01", req.DateRanges[0].StartDate)
	assert.Equal(t, "2025-08-31", req.DateRanges[0].EndDate)

	rollup, err := f.repo.GetMonthlyRollup(ctx, f.db, f.site.ID, sitedomain.ProviderTraffic, "2025-08")
	require.NoError(t, err)
	require.NotNil(t, rollup)
	assert.Equal(t, 35.0, rollup.Sessions)
}

func TestRunSearchBenchmarkClampsToReportingLag(t *testing.T) {
	f := setupIngestService(t)
	f.upstream.daily = []map[string]any{
		reportRow([]string{"2025-09-05", "MOBILE"}, []string{"10", "100", "0.1", "4"}),
	}
	f.upstream.ranked = nil

	// Benchmarking the current month: the end clamps to now minus the lag.
	require.NoError(t, f.svc.RunSearchBenchmark(context.Background(), f.site, time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)))

	req := f.upstream.requests[0]
	assert.Equal(t, "2025-09-01", req.DateRanges[0].StartDate)
	assert.Equal(t, "2025-09-13", req.DateRanges[0].EndDate)
}

func TestCleanupCacheUsesRetentionCutoff(t *testing.T) {
	f := setupIngestService(t)
	ctx := context.Background()

	put := func(key string, age time.Duration) {
		require.NoError(t, f.repo.PutCacheEntry(ctx, f.db, ingestdomain.ReportCacheEntry{
			CacheKey:  key,
			Payload:   []byte(`{}`),
			CreatedAt: f.clk.Now().Add(-age),
		}))
	}
	put("old", 30*time.Hour)
	put("fresh", time.Hour)

	deleted, err := f.svc.CleanupCache(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
