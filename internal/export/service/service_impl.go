package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteglance/siteglance/internal/clock"
	exportdomain "github.com/siteglance/siteglance/internal/export/domain"
	"github.com/siteglance/siteglance/internal/export/sheet"
	ingestdomain "github.com/siteglance/siteglance/internal/ingest/domain"
	"github.com/siteglance/siteglance/internal/observability/logger"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Column offsets of the upsert key inside an exported row, matching
// exportdomain.Header.
const (
	colSiteID    = 0
	colYearMonth = 3
)

type service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	genID   *snowflake.Node
	sheet   *sheet.Client
	repo    exportdomain.Repository
	rollups ingestdomain.Repository
}

func New(db *gorm.DB, log *zap.Logger, clk clock.Clock, genID *snowflake.Node, sheetClient *sheet.Client, repo exportdomain.Repository, rollups ingestdomain.Repository) exportdomain.Service {
	return &service{
		db:      db,
		log:     log.Named("export"),
		clock:   clk,
		genID:   genID,
		sheet:   sheetClient,
		repo:    repo,
		rollups: rollups,
	}
}

// UpsertRow writes one site-month line into the spreadsheet. Rows are matched
// by (site_id, year_month); a hit updates in place, a miss appends. Running
// the same export twice never duplicates a row.
func (s *service) UpsertRow(ctx context.Context, row exportdomain.ExportRow) (exportdomain.UpsertResult, error) {
	existing, err := s.sheet.ListRows(ctx)
	if err != nil {
		return exportdomain.UpsertResult{}, fmt.Errorf("%w: list rows: %v", exportdomain.ErrExport, err)
	}

	values := row.Values()
	for _, candidate := range existing {
		if matchesKey(candidate, row) {
			if err := s.sheet.UpdateRow(ctx, candidate.Index, values); err != nil {
				return exportdomain.UpsertResult{}, fmt.Errorf("%w: update row %d: %v", exportdomain.ErrExport, candidate.Index, err)
			}
			return exportdomain.UpsertResult{Updated: 1}, nil
		}
	}

	if err := s.sheet.AppendRow(ctx, values); err != nil {
		return exportdomain.UpsertResult{}, fmt.Errorf("%w: append row: %v", exportdomain.ErrExport, err)
	}
	return exportdomain.UpsertResult{Inserted: 1}, nil
}

func matchesKey(candidate sheet.Row, row exportdomain.ExportRow) bool {
	if len(candidate.Values) <= colYearMonth {
		return false
	}
	return candidate.Values[colSiteID] == row.SiteID.String() &&
		candidate.Values[colYearMonth] == row.YearMonth
}

// ExportMonth reads the site's rollups for the given calendar month and pushes
// them as one spreadsheet row. A failure is recorded in the export error log
// before it propagates.
func (s *service) ExportMonth(ctx context.Context, site sitedomain.Site, monthStart time.Time) (exportdomain.UpsertResult, error) {
	yearMonth := monthStart.Format("2006-01")

	row, err := s.buildRow(ctx, site, yearMonth)
	if err != nil {
		if !errors.Is(err, exportdomain.ErrNothingToPush) {
			s.recordFailure(ctx, site.ID, yearMonth, err)
		}
		return exportdomain.UpsertResult{}, err
	}

	result, err := s.UpsertRow(ctx, *row)
	if err != nil {
		s.recordFailure(ctx, site.ID, yearMonth, err)
		return exportdomain.UpsertResult{}, err
	}
	return result, nil
}

func (s *service) buildRow(ctx context.Context, site sitedomain.Site, yearMonth string) (*exportdomain.ExportRow, error) {
	trafficRollup, err := s.rollups.GetMonthlyRollup(ctx, s.db, site.ID, sitedomain.ProviderTraffic, yearMonth)
	if err != nil {
		return nil, err
	}
	searchRollup, err := s.rollups.GetMonthlyRollup(ctx, s.db, site.ID, sitedomain.ProviderSearch, yearMonth)
	if err != nil {
		return nil, err
	}
	if trafficRollup == nil && searchRollup == nil {
		return nil, fmt.Errorf("%w: no rollups for %s", exportdomain.ErrNothingToPush, yearMonth)
	}

	row := exportdomain.ExportRow{
		SiteID:    site.ID,
		SiteName:  site.Name,
		Domain:    site.Domain,
		YearMonth: yearMonth,
	}
	if trafficRollup != nil {
		row.Sessions = trafficRollup.Sessions
		row.ActiveUsers = trafficRollup.ActiveUsers
		row.Pageviews = trafficRollup.Pageviews
		row.Conversions = trafficRollup.Conversions
		row.EngagementRate = trafficRollup.EngagementRate
		row.BounceRate = trafficRollup.BounceRate
	}
	if searchRollup != nil {
		row.Clicks = searchRollup.Clicks
		row.Impressions = searchRollup.Impressions
		row.CTR = searchRollup.CTR
		row.Position = searchRollup.Position
	}
	return &row, nil
}

func (s *service) recordFailure(ctx context.Context, siteID snowflake.ID, yearMonth string, cause error) {
	entry := exportdomain.ErrorLog{
		ID:           s.genID.Generate(),
		SiteID:       siteID,
		YearMonth:    yearMonth,
		ErrorMessage: cause.Error(),
		CreatedAt:    s.clock.Now(),
	}
	if err := s.repo.InsertErrorLog(ctx, s.db, entry); err != nil {
		logger.WithSite(s.log, siteID.String()).Error("failed to record export error",
			zap.String("year_month", yearMonth),
			zap.Error(err),
		)
	}
}
