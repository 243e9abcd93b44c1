// Package domain contains persistence models for aggregated analytics rollups.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteglance/siteglance/internal/aggregate"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DailyRecord holds one site's aggregated metrics for one date. Traffic and
// search ingests each own a declared subset of columns; an upsert from one
// job never touches the other job's columns.
type DailyRecord struct {
	ID     snowflake.ID `gorm:"primaryKey"`
	SiteID snowflake.ID `gorm:"not null;uniqueIndex:idx_daily_records_site_date"`
	Date   string       `gorm:"type:text;not null;uniqueIndex:idx_daily_records_site_date"`

	// Traffic ingest columns.
	Sessions        float64        `gorm:"not null;default:0"`
	ActiveUsers     float64        `gorm:"not null;default:0"`
	Pageviews       float64        `gorm:"not null;default:0"`
	Conversions     float64        `gorm:"not null;default:0"`
	EngagementRate  float64        `gorm:"not null;default:0"`
	BounceRate      float64        `gorm:"not null;default:0"`
	ByDevice        datatypes.JSON `gorm:"type:jsonb"`
	ByChannel       datatypes.JSON `gorm:"type:jsonb"`
	TrafficRowCount int            `gorm:"not null;default:0"`

	// Search ingest columns.
	Clicks         float64        `gorm:"not null;default:0"`
	Impressions    float64        `gorm:"not null;default:0"`
	CTR            float64        `gorm:"column:ctr;not null;default:0"`
	Position       float64        `gorm:"not null;default:0"`
	SearchByDevice datatypes.JSON `gorm:"type:jsonb"`
	SearchRowCount int            `gorm:"not null;default:0"`

	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DailyRecord) TableName() string { return "daily_records" }

// SummaryRecord is the fixed "current summary" slot per site and provider,
// merge-overwritten on every scheduled run.
type SummaryRecord struct {
	ID       snowflake.ID        `gorm:"primaryKey"`
	SiteID   snowflake.ID        `gorm:"not null;uniqueIndex:idx_summary_records_site_provider"`
	Provider sitedomain.Provider `gorm:"type:text;not null;uniqueIndex:idx_summary_records_site_provider"`

	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`

	Sessions       float64 `gorm:"not null;default:0"`
	ActiveUsers    float64 `gorm:"not null;default:0"`
	Pageviews      float64 `gorm:"not null;default:0"`
	Conversions    float64 `gorm:"not null;default:0"`
	EngagementRate float64 `gorm:"not null;default:0"`
	BounceRate     float64 `gorm:"not null;default:0"`

	Clicks      float64 `gorm:"not null;default:0"`
	Impressions float64 `gorm:"not null;default:0"`
	CTR         float64 `gorm:"column:ctr;not null;default:0"`
	Position    float64 `gorm:"not null;default:0"`

	LastFetchedAt time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SummaryRecord) TableName() string { return "summary_records" }

// TopNKind distinguishes the ranked-list slots.
type TopNKind string

const (
	TopNQueries TopNKind = "queries"
	TopNPages   TopNKind = "pages"
)

// TopNRecord is a fixed ranked-list slot per site, merge-overwritten per run.
type TopNRecord struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	SiteID      snowflake.ID   `gorm:"not null;uniqueIndex:idx_topn_records_site_kind"`
	Kind        TopNKind       `gorm:"type:text;not null;uniqueIndex:idx_topn_records_site_kind"`
	Entries     datatypes.JSON `gorm:"type:jsonb"`
	PeriodStart time.Time      `gorm:"not null"`
	PeriodEnd   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TopNRecord) TableName() string { return "topn_records" }

// MonthlyRollup is the benchmark store, one row per site, provider and
// calendar month, distinct from the rolling summary slot.
type MonthlyRollup struct {
	ID        snowflake.ID        `gorm:"primaryKey"`
	SiteID    snowflake.ID        `gorm:"not null;uniqueIndex:idx_monthly_rollups_key"`
	Provider  sitedomain.Provider `gorm:"type:text;not null;uniqueIndex:idx_monthly_rollups_key"`
	YearMonth string              `gorm:"type:text;not null;uniqueIndex:idx_monthly_rollups_key"`

	Sessions       float64 `gorm:"not null;default:0"`
	ActiveUsers    float64 `gorm:"not null;default:0"`
	Pageviews      float64 `gorm:"not null;default:0"`
	Conversions    float64 `gorm:"not null;default:0"`
	EngagementRate float64 `gorm:"not null;default:0"`
	BounceRate     float64 `gorm:"not null;default:0"`

	Clicks      float64 `gorm:"not null;default:0"`
	Impressions float64 `gorm:"not null;default:0"`
	CTR         float64 `gorm:"column:ctr;not null;default:0"`
	Position    float64 `gorm:"not null;default:0"`

	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (MonthlyRollup) TableName() string { return "monthly_rollups" }

// IngestionStatus is the per-site per-provider last-run outcome, overwritten
// on every run regardless of outcome.
type IngestionStatus struct {
	SiteID        snowflake.ID        `gorm:"primaryKey"`
	Provider      sitedomain.Provider `gorm:"type:text;primaryKey"`
	LastFetchedAt *time.Time
	Status        string    `gorm:"type:text;not null"`
	ErrorMessage  string    `gorm:"type:text;not null;default:''"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (IngestionStatus) TableName() string { return "ingestion_statuses" }

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ReportCacheEntry is an ingestion-adjacent snapshot read by downstream
// consumers, cleaned up after a fixed retention window.
type ReportCacheEntry struct {
	CacheKey  string         `gorm:"primaryKey;type:text"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null"`
}

// TableName sets the database table name.
func (ReportCacheEntry) TableName() string { return "report_cache_entries" }

// TrafficAggregates is one traffic ingestion window's output.
type TrafficAggregates struct {
	Days      []aggregate.DailyTraffic
	Summary   aggregate.TrafficSummary
	TopPages  []aggregate.PageEntry
	FetchedAt time.Time
}

// SearchAggregates is one search ingestion window's output.
type SearchAggregates struct {
	Days       []aggregate.DailySearch
	Summary    aggregate.SearchSummary
	TopQueries []aggregate.QueryEntry
	FetchedAt  time.Time
}

type Repository interface {
	UpsertTrafficWindow(ctx context.Context, db *gorm.DB, siteID snowflake.ID, agg TrafficAggregates) error
	UpsertSearchWindow(ctx context.Context, db *gorm.DB, siteID snowflake.ID, agg SearchAggregates) error
	UpsertTrafficRollup(ctx context.Context, db *gorm.DB, siteID snowflake.ID, yearMonth string, summary aggregate.TrafficSummary, now time.Time) error
	UpsertSearchRollup(ctx context.Context, db *gorm.DB, siteID snowflake.ID, yearMonth string, summary aggregate.SearchSummary, now time.Time) error
	WriteStatus(ctx context.Context, db *gorm.DB, status IngestionStatus) error
	GetStatus(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider) (*IngestionStatus, error)
	GetSummary(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider) (*SummaryRecord, error)
	GetMonthlyRollup(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider, yearMonth string) (*MonthlyRollup, error)
	ListDailyRecords(ctx context.Context, db *gorm.DB, siteID snowflake.ID) ([]DailyRecord, error)
	PutCacheEntry(ctx context.Context, db *gorm.DB, entry ReportCacheEntry) error
	DeleteCacheEntriesBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

// Service runs one site's ingestion pipeline end to end.
type Service interface {
	RunTraffic(ctx context.Context, site sitedomain.Site, windowEnd time.Time, windowDays int) error
	RunSearch(ctx context.Context, site sitedomain.Site, windowEnd time.Time, windowDays int) error
	RunTrafficBenchmark(ctx context.Context, site sitedomain.Site, monthStart time.Time) error
	RunSearchBenchmark(ctx context.Context, site sitedomain.Site, monthStart time.Time) error
	CleanupCache(ctx context.Context, retention time.Duration) (int64, error)
}

var (
	ErrPersistence = errors.New("persistence_failed")
)
