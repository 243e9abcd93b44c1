// Package domain contains the monthly spreadsheet export contract.
package domain

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"gorm.io/gorm"
)

// ExportRow is one site-month line in the external spreadsheet. The column
// order is fixed; SiteID and YearMonth together form the upsert key.
type ExportRow struct {
	SiteID    snowflake.ID
	SiteName  string
	Domain    string
	YearMonth string

	Sessions       float64
	ActiveUsers    float64
	Pageviews      float64
	Conversions    float64
	EngagementRate float64
	BounceRate     float64

	Clicks      float64
	Impressions float64
	CTR         float64
	Position    float64
}

// Header returns the spreadsheet column order matching Values.
func Header() []string {
	return []string{
		"site_id", "site_name", "domain", "year_month",
		"sessions", "active_users", "pageviews", "conversions",
		"engagement_rate", "bounce_rate",
		"clicks", "impressions", "ctr", "position",
	}
}

// Values renders the row in Header order.
func (r ExportRow) Values() []string {
	return []string{
		r.SiteID.String(),
		r.SiteName,
		r.Domain,
		r.YearMonth,
		formatMetric(r.Sessions),
		formatMetric(r.ActiveUsers),
		formatMetric(r.Pageviews),
		formatMetric(r.Conversions),
		formatMetric(r.EngagementRate),
		formatMetric(r.BounceRate),
		formatMetric(r.Clicks),
		formatMetric(r.Impressions),
		formatMetric(r.CTR),
		formatMetric(r.Position),
	}
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// UpsertResult counts how a batch of row writes landed.
type UpsertResult struct {
	Inserted int
	Updated  int
}

// ErrorLog records one failed site export for a run.
type ErrorLog struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	SiteID       snowflake.ID `gorm:"not null;index"`
	YearMonth    string       `gorm:"type:text;not null"`
	ErrorMessage string       `gorm:"type:text;not null"`
	CreatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (ErrorLog) TableName() string { return "export_error_logs" }

type Repository interface {
	InsertErrorLog(ctx context.Context, db *gorm.DB, log ErrorLog) error
}

// Service pushes one site's previous-month rollups to the spreadsheet.
type Service interface {
	UpsertRow(ctx context.Context, row ExportRow) (UpsertResult, error)
	ExportMonth(ctx context.Context, site sitedomain.Site, monthStart time.Time) (UpsertResult, error)
}

var (
	ErrExport        = errors.New("export_failed")
	ErrNothingToPush = errors.New("no_rollup_for_month")
)
