package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/siteglance/siteglance/internal/clock"
	exportdomain "github.com/siteglance/siteglance/internal/export/domain"
	obsmetrics "github.com/siteglance/siteglance/internal/observability/metrics"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}

type siteRepoStub struct {
	sites   []sitedomain.Site
	listErr error
	reset   int64
}

func (s *siteRepoStub) List(ctx context.Context, db *gorm.DB) ([]sitedomain.Site, error) {
	return s.sites, s.listErr
}

func (s *siteRepoStub) ListOnboarded(ctx context.Context, db *gorm.DB) ([]sitedomain.Site, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var onboarded []sitedomain.Site
	for _, site := range s.sites {
		if site.Onboarded {
			onboarded = append(onboarded, site)
		}
	}
	return onboarded, nil
}

func (s *siteRepoStub) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sitedomain.Site, error) {
	for i := range s.sites {
		if s.sites[i].ID == id {
			return &s.sites[i], nil
		}
	}
	return nil, sitedomain.ErrSiteNotFound
}

func (s *siteRepoStub) ResetAIQuotas(ctx context.Context, db *gorm.DB) (int64, error) {
	s.reset++
	return int64(len(s.sites)), nil
}

type ingestCall struct {
	siteID    snowflake.ID
	operation string
	at        time.Time
}

type ingestStub struct {
	mu         sync.Mutex
	calls      []ingestCall
	failSites  map[snowflake.ID]error
	monthStart time.Time
	windowEnd  time.Time
	cleanupErr error
	deleted    int64
}

func (s *ingestStub) record(siteID snowflake.ID, operation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ingestCall{siteID: siteID, operation: operation})
	if err, ok := s.failSites[siteID]; ok {
		return err
	}
	return nil
}

func (s *ingestStub) RunTraffic(ctx context.Context, site sitedomain.Site, windowEnd time.Time, windowDays int) error {
	s.windowEnd = windowEnd
	return s.record(site.ID, "traffic")
}

func (s *ingestStub) RunSearch(ctx context.Context, site sitedomain.Site, windowEnd time.Time, windowDays int) error {
	return s.record(site.ID, "search")
}

func (s *ingestStub) RunTrafficBenchmark(ctx context.Context, site sitedomain.Site, monthStart time.Time) error {
	s.monthStart = monthStart
	return s.record(site.ID, "traffic_benchmark")
}

func (s *ingestStub) RunSearchBenchmark(ctx context.Context, site sitedomain.Site, monthStart time.Time) error {
	return s.record(site.ID, "search_benchmark")
}

func (s *ingestStub) CleanupCache(ctx context.Context, retention time.Duration) (int64, error) {
	return s.deleted, s.cleanupErr
}

func (s *ingestStub) operations(siteID snowflake.ID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, call := range s.calls {
		if call.siteID == siteID {
			out = append(out, call.operation)
		}
	}
	return out
}

type exportStub struct {
	mu      sync.Mutex
	results map[snowflake.ID]error
	months  []time.Time
}

func (s *exportStub) UpsertRow(ctx context.Context, row exportdomain.ExportRow) (exportdomain.UpsertResult, error) {
	return exportdomain.UpsertResult{}, nil
}

func (s *exportStub) ExportMonth(ctx context.Context, site sitedomain.Site, monthStart time.Time) (exportdomain.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.months = append(s.months, monthStart)
	if err, ok := s.results[site.ID]; ok {
		return exportdomain.UpsertResult{}, err
	}
	return exportdomain.UpsertResult{Inserted: 1}, nil
}

type fixture struct {
	sched  *Scheduler
	sites  *siteRepoStub
	ingest *ingestStub
	export *exportStub
	clk    *clock.FakeClock
	sleeps []time.Duration
}

func linkedSite(id int64) sitedomain.Site {
	return sitedomain.Site{
		ID:                snowflake.ID(id),
		Name:              fmt.Sprintf("site-%d", id),
		Domain:            fmt.Sprintf("site-%d.example", id),
		TrafficPropertyID: fmt.Sprintf("prop-%d", id),
		SearchSiteURL:     fmt.Sprintf("https://site-%d.example", id),
		Onboarded:         true,
	}
}

func setupScheduler(t *testing.T, cfg Config, sites ...sitedomain.Site) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	f := &fixture{
		sites:  &siteRepoStub{sites: sites},
		ingest: &ingestStub{failSites: map[snowflake.ID]error{}},
		export: &exportStub{results: map[snowflake.ID]error{}},
		clk:    clock.NewFakeClock(time.Date(2025, 9, 15, 5, 0, 0, 0, time.UTC)),
	}
	cfg.Timezone = "UTC"

	sched, err := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     f.clk,
		Sites:     f.sites,
		IngestSvc: f.ingest,
		ExportSvc: f.export,
		Config:    cfg,
	})
	require.NoError(t, err)

	sched.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	f.sched = sched
	return f
}

func TestDailyIngestSiteFailureDoesNotAbortBatch(t *testing.T) {
	f := setupScheduler(t, Config{}, linkedSite(1), linkedSite(2), linkedSite(3))
	f.ingest.failSites[snowflake.ID(2)] = errors.New("provider api error: status 500")

	result, err := f.sched.DailyIngestJob(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []snowflake.ID{2}, result.FailedSiteIDs)

	// The failing site never stops the sites after it.
	assert.Equal(t, []string{"traffic", "search"}, f.ingest.operations(3))
}

func TestDailyIngestWindowEndsYesterday(t *testing.T) {
	f := setupScheduler(t, Config{}, linkedSite(1))

	_, err := f.sched.DailyIngestJob(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Date(2025, 9, 14, 5, 0, 0, 0, time.UTC), f.ingest.windowEnd)
}

func TestDailyIngestSkipsUnlinkedProviders(t *testing.T) {
	site := linkedSite(1)
	site.SearchSiteURL = ""
	f := setupScheduler(t, Config{}, site)

	result, err := f.sched.DailyIngestJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"traffic"}, f.ingest.operations(site.ID))
}

func TestDailyIngestCoversSitesNotYetOnboarded(t *testing.T) {
	pending := linkedSite(2)
	pending.Onboarded = false
	f := setupScheduler(t, Config{}, linkedSite(1), pending)

	result, err := f.sched.DailyIngestJob(context.Background())
	require.NoError(t, err)

	// A provider link is enough for ingestion; onboarding only gates export.
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, []string{"traffic", "search"}, f.ingest.operations(pending.ID))
}

func TestMonthlyBenchmarkCoversSitesNotYetOnboarded(t *testing.T) {
	pending := linkedSite(1)
	pending.Onboarded = false
	f := setupScheduler(t, Config{}, pending)

	result, err := f.sched.MonthlyBenchmarkJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, []string{"traffic_benchmark", "search_benchmark"}, f.ingest.operations(pending.ID))
}

func TestMonthlyExportOnlyTargetsOnboardedSites(t *testing.T) {
	pending := linkedSite(2)
	pending.Onboarded = false
	f := setupScheduler(t, Config{}, linkedSite(1), pending)

	result, err := f.sched.MonthlyExportJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Len(t, f.export.months, 1)
}

func TestBatchPacingSleepsBetweenSites(t *testing.T) {
	f := setupScheduler(t, Config{SitePacing: 250 * time.Millisecond},
		linkedSite(1), linkedSite(2), linkedSite(3))

	_, err := f.sched.DailyIngestJob(context.Background())
	require.NoError(t, err)

	// No sleep before the first site, one between each pair after.
	require.Len(t, f.sleeps, 2)
	assert.Equal(t, 250*time.Millisecond, f.sleeps[0])
	assert.Equal(t, 250*time.Millisecond, f.sleeps[1])
}

func TestMonthlyBenchmarkTargetsPreviousMonth(t *testing.T) {
	f := setupScheduler(t, Config{}, linkedSite(1))

	result, err := f.sched.MonthlyBenchmarkJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC), f.ingest.monthStart)
	assert.Equal(t, []string{"traffic_benchmark", "search_benchmark"}, f.ingest.operations(1))
}

func TestMonthlyExportSkipsEmptyMonths(t *testing.T) {
	f := setupScheduler(t, Config{}, linkedSite(1), linkedSite(2), linkedSite(3))
	f.export.results[snowflake.ID(1)] = exportdomain.ErrNothingToPush
	f.export.results[snowflake.ID(2)] = fmt.Errorf("%w: sheet unavailable", exportdomain.ErrExport)

	result, err := f.sched.MonthlyExportJob(context.Background())
	require.NoError(t, err)

	// No rollup is a skip, a sheet failure is a failure.
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []snowflake.ID{2}, result.FailedSiteIDs)
}

func TestRunJobWrapsErrors(t *testing.T) {
	f := setupScheduler(t, Config{})

	err := f.sched.runJob(context.Background(), "exploding_job", func(ctx context.Context) (BatchResult, error) {
		return BatchResult{}, errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exploding_job")
}

func TestRunJobTreatsTimeoutAsSoftFailure(t *testing.T) {
	f := setupScheduler(t, Config{})

	err := f.sched.runJob(context.Background(), "slow_job", func(ctx context.Context) (BatchResult, error) {
		return BatchResult{Succeeded: 4}, context.DeadlineExceeded
	})
	assert.NoError(t, err)
}

func TestRunJobHonorsJobTimeout(t *testing.T) {
	f := setupScheduler(t, Config{JobTimeout: 10 * time.Millisecond})

	err := f.sched.runJob(context.Background(), "stuck_job", func(ctx context.Context) (BatchResult, error) {
		<-ctx.Done()
		return BatchResult{}, ctx.Err()
	})
	assert.NoError(t, err)
}

func TestForEachSiteStopsWhenContextDies(t *testing.T) {
	f := setupScheduler(t, Config{SitePacing: time.Millisecond},
		linkedSite(1), linkedSite(2), linkedSite(3))

	ctx, cancel := context.WithCancel(context.Background())
	result, err := f.sched.forEachSite(ctx, "daily_ingest", f.sites.List, func(ctx context.Context, site sitedomain.Site) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Succeeded)
}

func TestQuotaResetJob(t *testing.T) {
	f := setupScheduler(t, Config{}, linkedSite(1), linkedSite(2))

	result, err := f.sched.QuotaResetJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)
	assert.Equal(t, int64(1), f.sites.reset)
}

func TestCacheCleanupJobPropagatesErrors(t *testing.T) {
	f := setupScheduler(t, Config{})
	f.ingest.deleted = 12

	result, err := f.sched.CacheCleanupJob(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BatchResult{}, result)

	f.ingest.cleanupErr = errors.New("db down")
	_, err = f.sched.CacheCleanupJob(context.Background())
	assert.Error(t, err)
}

func TestRunJobRecordsBatchMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	f := setupScheduler(t, Config{}, linkedSite(1), linkedSite(2))
	f.ingest.failSites[snowflake.ID(2)] = errors.New("provider api error: status 500")

	err := f.sched.runJob(context.Background(), "daily_ingest", f.sched.DailyIngestJob)
	require.NoError(t, err)

	labels := map[string]string{"job": "daily_ingest", "service": "siteglance", "env": "unknown"}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "siteglance_scheduler_job_runs_total", labels))
	assert.Equal(t, 1.0, getCounterValue(t, registry, "siteglance_scheduler_sites_processed_total", labels))
	assert.Equal(t, 1.0, getCounterValue(t, registry, "siteglance_scheduler_sites_failed_total", labels))
	assert.Equal(t, 0.0, getCounterValue(t, registry, "siteglance_scheduler_job_errors_total", labels))
}

func TestRunJobRecordsTimeoutMetric(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	f := setupScheduler(t, Config{}, linkedSite(1))

	err := f.sched.runJob(context.Background(), "slow_job", func(ctx context.Context) (BatchResult, error) {
		return BatchResult{}, context.DeadlineExceeded
	})
	require.NoError(t, err)

	labels := map[string]string{"job": "slow_job", "service": "siteglance", "env": "unknown"}
	assert.Equal(t, 1.0, getCounterValue(t, registry, "siteglance_scheduler_job_timeouts_total", labels))
}

func TestPreviousMonthStartAcrossYearBoundary(t *testing.T) {
	got := previousMonthStart(time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), got)
}
