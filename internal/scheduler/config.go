package scheduler

import (
	"time"

	appconfig "github.com/siteglance/siteglance/internal/config"
)

// Config controls job triggers and the per-site pacing inside a batch.
type Config struct {
	Timezone         string
	DailyIngestSpec  string
	BenchmarkSpec    string
	ExportSpec       string
	CacheCleanupSpec string
	QuotaResetSpec   string

	SitePacing       time.Duration
	SiteTimeout      time.Duration
	JobTimeout       time.Duration
	IngestWindowDays int
	CacheRetention   time.Duration
	DisableLockGuard bool
}

func DefaultConfig() Config {
	return Config{
		Timezone:         "Asia/Tokyo",
		DailyIngestSpec:  "0 5 * * *",
		BenchmarkSpec:    "0 6 1 * *",
		ExportSpec:       "0 7 1 * *",
		CacheCleanupSpec: "0 3 * * *",
		QuotaResetSpec:   "5 0 1 * *",
		SitePacing:       time.Second,
		SiteTimeout:      2 * time.Minute,
		JobTimeout:       50 * time.Minute,
		IngestWindowDays: 30,
		CacheRetention:   24 * time.Hour,
	}
}

func ProvideConfig(cfg appconfig.Config) Config {
	sched := cfg.Scheduler
	return Config{
		Timezone:         sched.Timezone,
		DailyIngestSpec:  sched.DailyIngestSpec,
		BenchmarkSpec:    sched.BenchmarkSpec,
		ExportSpec:       sched.ExportSpec,
		CacheCleanupSpec: sched.CacheCleanupSpec,
		QuotaResetSpec:   sched.QuotaResetSpec,
		SitePacing:       sched.TenantPacing,
		SiteTimeout:      sched.TenantTimeout,
		JobTimeout:       sched.JobTimeout,
		IngestWindowDays: sched.IngestWindowDays,
		CacheRetention:   sched.CacheRetention,
		DisableLockGuard: sched.DisableLockGuard,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Timezone == "" {
		c.Timezone = defaults.Timezone
	}
	if c.DailyIngestSpec == "" {
		c.DailyIngestSpec = defaults.DailyIngestSpec
	}
	if c.BenchmarkSpec == "" {
		c.BenchmarkSpec = defaults.BenchmarkSpec
	}
	if c.ExportSpec == "" {
		c.ExportSpec = defaults.ExportSpec
	}
	if c.CacheCleanupSpec == "" {
		c.CacheCleanupSpec = defaults.CacheCleanupSpec
	}
	if c.QuotaResetSpec == "" {
		c.QuotaResetSpec = defaults.QuotaResetSpec
	}
	if c.SitePacing < 0 {
		c.SitePacing = defaults.SitePacing
	}
	if c.SiteTimeout <= 0 {
		c.SiteTimeout = defaults.SiteTimeout
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.IngestWindowDays <= 0 {
		c.IngestWindowDays = defaults.IngestWindowDays
	}
	if c.CacheRetention <= 0 {
		c.CacheRetention = defaults.CacheRetention
	}
	return c
}
