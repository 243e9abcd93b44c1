package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteglance/siteglance/internal/aggregate"
	"github.com/siteglance/siteglance/internal/clock"
	"github.com/siteglance/siteglance/internal/config"
	credentialdomain "github.com/siteglance/siteglance/internal/credential/domain"
	ingestdomain "github.com/siteglance/siteglance/internal/ingest/domain"
	"github.com/siteglance/siteglance/internal/observability/logger"
	"github.com/siteglance/siteglance/internal/provider"
	"github.com/siteglance/siteglance/internal/provider/search"
	"github.com/siteglance/siteglance/internal/provider/traffic"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     ingestdomain.Repository
	creds    credentialdomain.Service
	traffic  *traffic.Client
	search   *search.Client
	topLimit int
}

func New(db *gorm.DB, log *zap.Logger, clk clock.Clock, repo ingestdomain.Repository, creds credentialdomain.Service, trafficClient *traffic.Client, searchClient *search.Client, cfg config.Config) ingestdomain.Service {
	limit := cfg.Scheduler.TopEntityLimit
	if limit <= 0 {
		limit = aggregate.DefaultTopLimit
	}
	return &service{
		db:       db,
		log:      log.Named("ingest"),
		clock:    clk,
		repo:     repo,
		creds:    creds,
		traffic:  trafficClient,
		search:   searchClient,
		topLimit: limit,
	}
}

// RunTraffic executes one site's traffic pipeline for a trailing window:
// credential, report fetches, aggregation, atomic persistence. Any failure is
// recorded in the site's ingestion status before it propagates.
func (s *service) RunTraffic(ctx context.Context, site sitedomain.Site, windowEnd time.Time, windowDays int) error {
	if !site.Linked(sitedomain.ProviderTraffic) {
		return nil
	}
	window := trailingWindow(windowEnd, windowDays)

	agg, err := s.fetchTraffic(ctx, site, window)
	if err != nil {
		s.recordFailure(ctx, site.ID, sitedomain.ProviderTraffic, err)
		return err
	}
	if err := s.repo.UpsertTrafficWindow(ctx, s.db, site.ID, *agg); err != nil {
		s.recordFailure(ctx, site.ID, sitedomain.ProviderTraffic, err)
		return err
	}
	s.snapshotSummary(ctx, site.ID, sitedomain.ProviderTraffic, agg.Summary)
	return nil
}

func (s *service) fetchTraffic(ctx context.Context, site sitedomain.Site, window provider.Window) (*ingestdomain.TrafficAggregates, error) {
	token, err := s.creds.GetValid(ctx, site.ID, sitedomain.ProviderTraffic)
	if err != nil {
		return nil, err
	}

	rows, err := s.traffic.FetchDaily(ctx, token, site.TrafficPropertyID, window)
	if err != nil {
		return nil, err
	}
	pageRows, err := s.traffic.FetchTopPages(ctx, token, site.TrafficPropertyID, window, int64(s.topLimit))
	if err != nil {
		return nil, err
	}

	days := aggregate.DailyTrafficRollup(rows)
	return &ingestdomain.TrafficAggregates{
		Days:      days,
		Summary:   aggregate.SummarizeTraffic(days, window),
		TopPages:  aggregate.TopPages(pageRows, s.topLimit),
		FetchedAt: s.clock.Now(),
	}, nil
}

// RunSearch mirrors RunTraffic for the search provider. The window end is
// shifted backward by the provider's reporting lag before querying.
func (s *service) RunSearch(ctx context.Context, site sitedomain.Site, windowEnd time.Time, windowDays int) error {
	if !site.Linked(sitedomain.ProviderSearch) {
		return nil
	}
	window := s.search.ApplyLag(trailingWindow(windowEnd, windowDays))

	agg, err := s.fetchSearch(ctx, site, window)
	if err != nil {
		s.recordFailure(ctx, site.ID, sitedomain.ProviderSearch, err)
		return err
	}
	if err := s.repo.UpsertSearchWindow(ctx, s.db, site.ID, *agg); err != nil {
		s.recordFailure(ctx, site.ID, sitedomain.ProviderSearch, err)
		return err
	}
	s.snapshotSummary(ctx, site.ID, sitedomain.ProviderSearch, agg.Summary)
	return nil
}

func (s *service) fetchSearch(ctx context.Context, site sitedomain.Site, window provider.Window) (*ingestdomain.SearchAggregates, error) {
	token, err := s.creds.GetValid(ctx, site.ID, sitedomain.ProviderSearch)
	if err != nil {
		return nil, err
	}

	rows, err := s.search.FetchDaily(ctx, token, site.SearchSiteURL, window)
	if err != nil {
		return nil, err
	}
	queryRows, err := s.search.FetchTopQueries(ctx, token, site.SearchSiteURL, window, int64(s.topLimit))
	if err != nil {
		return nil, err
	}

	days := aggregate.DailySearchRollup(rows)
	return &ingestdomain.SearchAggregates{
		Days:       days,
		Summary:    aggregate.SummarizeSearch(days, window),
		TopQueries: aggregate.TopQueries(queryRows, s.topLimit),
		FetchedAt:  s.clock.Now(),
	}, nil
}

// RunTrafficBenchmark persists one previous calendar month into the rollup
// store, distinct from the rolling window slots.
func (s *service) RunTrafficBenchmark(ctx context.Context, site sitedomain.Site, monthStart time.Time) error {
	if !site.Linked(sitedomain.ProviderTraffic) {
		return nil
	}
	window := monthWindow(monthStart)

	agg, err := s.fetchTraffic(ctx, site, window)
	if err != nil {
		return err
	}
	return s.repo.UpsertTrafficRollup(ctx, s.db, site.ID, yearMonth(monthStart), agg.Summary, s.clock.Now())
}

func (s *service) RunSearchBenchmark(ctx context.Context, site sitedomain.Site, monthStart time.Time) error {
	if !site.Linked(sitedomain.ProviderSearch) {
		return nil
	}
	window := monthWindow(monthStart)
	// Clamp the month end to the provider's reporting lag when the month
	// boundary is closer than the lag.
	latest := s.clock.Now().AddDate(0, 0, -s.search.Lag())
	if window.End.After(latest) {
		window.End = latest
	}

	agg, err := s.fetchSearch(ctx, site, window)
	if err != nil {
		return err
	}
	return s.repo.UpsertSearchRollup(ctx, s.db, site.ID, yearMonth(monthStart), agg.Summary, s.clock.Now())
}

// CleanupCache drops ingestion-adjacent snapshots older than the retention.
func (s *service) CleanupCache(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-retention)
	return s.repo.DeleteCacheEntriesBefore(ctx, s.db, cutoff)
}

// recordFailure overwrites the ingestion status slot; persistence problems
// here are logged, never allowed to mask the original error.
func (s *service) recordFailure(ctx context.Context, siteID snowflake.ID, provider sitedomain.Provider, cause error) {
	status := ingestdomain.IngestionStatus{
		SiteID:       siteID,
		Provider:     provider,
		Status:       ingestdomain.StatusError,
		ErrorMessage: cause.Error(),
		UpdatedAt:    s.clock.Now(),
	}
	if err := s.repo.WriteStatus(ctx, s.db, status); err != nil {
		logger.WithSite(s.log, siteID.String()).Error("failed to record ingestion error",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
	}
}

// snapshotSummary writes the latest summary into the report cache for
// downstream consumers; failures are logged and swallowed.
func (s *service) snapshotSummary(ctx context.Context, siteID snowflake.ID, provider sitedomain.Provider, summary any) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return
	}
	entry := ingestdomain.ReportCacheEntry{
		CacheKey:  fmt.Sprintf("summary|%s|%s", siteID, provider),
		Payload:   datatypes.JSON(payload),
		CreatedAt: s.clock.Now(),
	}
	if err := s.repo.PutCacheEntry(ctx, s.db, entry); err != nil {
		logger.WithSite(s.log, siteID.String()).Warn("failed to snapshot summary",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
	}
}

func trailingWindow(end time.Time, days int) provider.Window {
	if days <= 0 {
		days = 30
	}
	return provider.Window{
		Start: end.AddDate(0, 0, -(days - 1)),
		End:   end,
	}
}

func monthWindow(monthStart time.Time) provider.Window {
	start := time.Date(monthStart.Year(), monthStart.Month(), 1, 0, 0, 0, 0, time.UTC)
	return provider.Window{
		Start: start,
		End:   start.AddDate(0, 1, -1),
	}
}

func yearMonth(monthStart time.Time) string {
	return monthStart.Format("2006-01")
}
