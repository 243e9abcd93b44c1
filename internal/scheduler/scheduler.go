package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteglance/siteglance/internal/clock"
	exportdomain "github.com/siteglance/siteglance/internal/export/domain"
	ingestdomain "github.com/siteglance/siteglance/internal/ingest/domain"
	obsmetrics "github.com/siteglance/siteglance/internal/observability/metrics"
	"github.com/siteglance/siteglance/internal/ratelimit"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler missing required dependency")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Sites     sitedomain.Repository
	IngestSvc ingestdomain.Service
	ExportSvc exportdomain.Service

	Locker   *ratelimit.Locker           `optional:"true"`
	Throttle *ratelimit.ProviderThrottle `optional:"true"`
	Config   Config                      `optional:"true"`
}

// Scheduler owns the five periodic jobs. Each job iterates sites sequentially
// with a fixed pacing delay; one site's failure never aborts the batch.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	sites     sitedomain.Repository
	ingestSvc ingestdomain.Service
	exportSvc exportdomain.Service
	locker    *ratelimit.Locker
	throttle  *ratelimit.ProviderThrottle

	// sleep is swapped out in tests so pacing does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

// BatchResult summarizes one job invocation across the site batch.
type BatchResult struct {
	Succeeded     int
	Failed        int
	FailedSiteIDs []snowflake.ID
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Sites == nil || p.IngestSvc == nil || p.ExportSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		sites:     p.Sites,
		ingestSvc: p.IngestSvc,
		exportSvc: p.ExportSvc,
		locker:    p.Locker,
		throttle:  p.Throttle,
		sleep:     sleepContext,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) location() *time.Location {
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// runJob wraps a job with the distributed lock guard, the wall-clock budget,
// metrics and run logging. A lock held elsewhere skips the run; a budget
// overrun is a soft timeout, counted but not propagated.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (BatchResult, error)) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()

	if s.locker != nil && !s.cfg.DisableLockGuard {
		key := "scheduler:lock:" + name
		token, ok, err := s.locker.TryLock(ctx, key, s.cfg.JobTimeout)
		if err != nil {
			s.log.Warn("job lock unavailable, continuing without guard",
				zap.String("job", name),
				zap.Error(err),
			)
		} else if !ok {
			schedMetrics.IncJobSkipped(name)
			s.log.Info("job skipped, lock held elsewhere", zap.String("job", name))
			return nil
		} else {
			defer func() {
				if releaseErr := s.locker.Release(context.WithoutCancel(ctx), key, token); releaseErr != nil {
					s.log.Warn("failed to release job lock",
						zap.String("job", name),
						zap.Error(releaseErr),
					)
				}
			}()
		}
	}

	run := s.newJobRun(name)
	s.logJobStart(run)
	schedMetrics.IncJobRun(name)

	result, err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	schedMetrics.AddSitesProcessed(name, result.Succeeded)
	schedMetrics.AddSitesFailed(name, result.Failed)
	s.logJobFinish(run, result, err)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

// forEachSite runs fn for every site the lister yields, in sequence. Per-site
// failures are logged and counted; only a failed site enumeration or a dead
// context propagates.
func (s *Scheduler) forEachSite(ctx context.Context, job string, list func(context.Context, *gorm.DB) ([]sitedomain.Site, error), fn func(ctx context.Context, site sitedomain.Site) error) (BatchResult, error) {
	sites, err := list(ctx, s.db)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list sites: %w", err)
	}

	var result BatchResult
	for i, site := range sites {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if i > 0 && s.cfg.SitePacing > 0 {
			if err := s.sleep(ctx, s.cfg.SitePacing); err != nil {
				return result, err
			}
		}

		siteCtx, cancel := context.WithTimeout(ctx, s.cfg.SiteTimeout)
		siteErr := fn(siteCtx, site)
		cancel()

		if siteErr != nil {
			result.Failed++
			result.FailedSiteIDs = append(result.FailedSiteIDs, site.ID)
			s.logSiteError(job, site.ID, siteErr)
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

func (s *Scheduler) throttleProvider(ctx context.Context, provider sitedomain.Provider) {
	if !s.throttle.Enabled() {
		return
	}
	if err := s.throttle.Wait(ctx, string(provider)); err != nil {
		// A broken throttle backend must not stop ingestion.
		s.log.Warn("provider throttle unavailable",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
	}
}

// DailyIngestJob refreshes every site's trailing window for both providers.
// Any site with a provider link is ingested, onboarded or not; the window ends
// yesterday, so today's partial data is picked up tomorrow.
func (s *Scheduler) DailyIngestJob(ctx context.Context) (BatchResult, error) {
	windowEnd := s.clock.Now().In(s.location()).AddDate(0, 0, -1)

	return s.forEachSite(ctx, "daily_ingest", s.sites.List, func(ctx context.Context, site sitedomain.Site) error {
		var siteErr error
		if site.Linked(sitedomain.ProviderTraffic) {
			s.throttleProvider(ctx, sitedomain.ProviderTraffic)
			siteErr = errors.Join(siteErr, s.ingestSvc.RunTraffic(ctx, site, windowEnd, s.cfg.IngestWindowDays))
		}
		if site.Linked(sitedomain.ProviderSearch) {
			s.throttleProvider(ctx, sitedomain.ProviderSearch)
			siteErr = errors.Join(siteErr, s.ingestSvc.RunSearch(ctx, site, windowEnd, s.cfg.IngestWindowDays))
		}
		return siteErr
	})
}

// MonthlyBenchmarkJob persists the previous calendar month into the rollup
// store for every site.
func (s *Scheduler) MonthlyBenchmarkJob(ctx context.Context) (BatchResult, error) {
	monthStart := previousMonthStart(s.clock.Now().In(s.location()))

	return s.forEachSite(ctx, "monthly_benchmark", s.sites.List, func(ctx context.Context, site sitedomain.Site) error {
		var siteErr error
		if site.Linked(sitedomain.ProviderTraffic) {
			s.throttleProvider(ctx, sitedomain.ProviderTraffic)
			siteErr = errors.Join(siteErr, s.ingestSvc.RunTrafficBenchmark(ctx, site, monthStart))
		}
		if site.Linked(sitedomain.ProviderSearch) {
			s.throttleProvider(ctx, sitedomain.ProviderSearch)
			siteErr = errors.Join(siteErr, s.ingestSvc.RunSearchBenchmark(ctx, site, monthStart))
		}
		return siteErr
	})
}

// MonthlyExportJob pushes the previous month's rollups to the spreadsheet for
// onboarded sites only. Sites with no rollup for the month are skipped, not
// failed.
func (s *Scheduler) MonthlyExportJob(ctx context.Context) (BatchResult, error) {
	monthStart := previousMonthStart(s.clock.Now().In(s.location()))
	var inserted, updated int

	result, err := s.forEachSite(ctx, "monthly_export", s.sites.ListOnboarded, func(ctx context.Context, site sitedomain.Site) error {
		upsert, exportErr := s.exportSvc.ExportMonth(ctx, site, monthStart)
		if errors.Is(exportErr, exportdomain.ErrNothingToPush) {
			return nil
		}
		if exportErr != nil {
			return exportErr
		}
		inserted += upsert.Inserted
		updated += upsert.Updated
		return nil
	})

	s.log.Info("monthly export finished",
		zap.String("year_month", monthStart.Format("2006-01")),
		zap.Int("rows_inserted", inserted),
		zap.Int("rows_updated", updated),
	)
	return result, err
}

// CacheCleanupJob drops report cache entries past the retention window.
func (s *Scheduler) CacheCleanupJob(ctx context.Context) (BatchResult, error) {
	deleted, err := s.ingestSvc.CleanupCache(ctx, s.cfg.CacheRetention)
	if err != nil {
		return BatchResult{}, err
	}
	s.log.Info("cache cleanup finished",
		zap.Int64("deleted_count", deleted),
		zap.Duration("retention", s.cfg.CacheRetention),
	)
	return BatchResult{}, nil
}

// QuotaResetJob resets every site's monthly AI summary allowance.
func (s *Scheduler) QuotaResetJob(ctx context.Context) (BatchResult, error) {
	reset, err := s.sites.ResetAIQuotas(ctx, s.db)
	if err != nil {
		return BatchResult{}, err
	}
	s.log.Info("ai quota reset finished", zap.Int64("sites_reset", reset))
	return BatchResult{}, nil
}

func previousMonthStart(now time.Time) time.Time {
	firstOfThisMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfThisMonth.AddDate(0, -1, 0)
}
