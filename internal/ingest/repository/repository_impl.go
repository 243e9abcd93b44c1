package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteglance/siteglance/internal/aggregate"
	ingestdomain "github.com/siteglance/siteglance/internal/ingest/domain"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) ingestdomain.Repository {
	return &repo{genID: genID}
}

// UpsertTrafficWindow merge-writes every daily record in the window, the
// summary slot and the top-pages slot inside one transaction, then records
// ingestion success. A reader never observes a half-updated window. Only
// traffic-owned columns are written; search columns are left untouched.
func (r *repo) UpsertTrafficWindow(ctx context.Context, db *gorm.DB, siteID snowflake.ID, agg ingestdomain.TrafficAggregates) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, day := range agg.Days {
			byDevice, err := toJSON(day.ByDevice)
			if err != nil {
				return err
			}
			byChannel, err := toJSON(day.ByChannel)
			if err != nil {
				return err
			}
			err = tx.Exec(
				`INSERT INTO daily_records
				   (id, site_id, date, sessions, active_users, pageviews, conversions,
				    engagement_rate, bounce_rate, by_device, by_channel, traffic_row_count, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (site_id, date) DO UPDATE SET
				   sessions = excluded.sessions,
				   active_users = excluded.active_users,
				   pageviews = excluded.pageviews,
				   conversions = excluded.conversions,
				   engagement_rate = excluded.engagement_rate,
				   bounce_rate = excluded.bounce_rate,
				   by_device = excluded.by_device,
				   by_channel = excluded.by_channel,
				   traffic_row_count = excluded.traffic_row_count,
				   updated_at = excluded.updated_at`,
				r.genID.Generate(), siteID, day.Date,
				day.Sessions, day.ActiveUsers, day.Pageviews, day.Conversions,
				day.EngagementRate, day.BounceRate, byDevice, byChannel,
				day.SourceRowCount, agg.FetchedAt,
			).Error
			if err != nil {
				return fmt.Errorf("%w: daily record %s: %v", ingestdomain.ErrPersistence, day.Date, err)
			}
		}

		err := tx.Exec(
			`INSERT INTO summary_records
			   (id, site_id, provider, period_start, period_end, sessions, active_users,
			    pageviews, conversions, engagement_rate, bounce_rate, last_fetched_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (site_id, provider) DO UPDATE SET
			   period_start = excluded.period_start,
			   period_end = excluded.period_end,
			   sessions = excluded.sessions,
			   active_users = excluded.active_users,
			   pageviews = excluded.pageviews,
			   conversions = excluded.conversions,
			   engagement_rate = excluded.engagement_rate,
			   bounce_rate = excluded.bounce_rate,
			   last_fetched_at = excluded.last_fetched_at,
			   updated_at = excluded.updated_at`,
			r.genID.Generate(), siteID, sitedomain.ProviderTraffic,
			agg.Summary.Window.Start, agg.Summary.Window.End,
			agg.Summary.Sessions, agg.Summary.ActiveUsers, agg.Summary.Pageviews,
			agg.Summary.Conversions, agg.Summary.EngagementRate, agg.Summary.BounceRate,
			agg.FetchedAt, agg.FetchedAt,
		).Error
		if err != nil {
			return fmt.Errorf("%w: traffic summary: %v", ingestdomain.ErrPersistence, err)
		}

		if err := r.upsertTopN(ctx, tx, siteID, ingestdomain.TopNPages, agg.TopPages, agg.Summary.Window.Start, agg.Summary.Window.End, agg.FetchedAt); err != nil {
			return err
		}

		return r.writeStatus(tx, ingestdomain.IngestionStatus{
			SiteID:        siteID,
			Provider:      sitedomain.ProviderTraffic,
			LastFetchedAt: &agg.FetchedAt,
			Status:        ingestdomain.StatusSuccess,
			UpdatedAt:     agg.FetchedAt,
		})
	})
}

// UpsertSearchWindow mirrors UpsertTrafficWindow for the search provider,
// writing only search-owned columns.
func (r *repo) UpsertSearchWindow(ctx context.Context, db *gorm.DB, siteID snowflake.ID, agg ingestdomain.SearchAggregates) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, day := range agg.Days {
			byDevice, err := toJSON(day.ByDevice)
			if err != nil {
				return err
			}
			err = tx.Exec(
				`INSERT INTO daily_records
				   (id, site_id, date, clicks, impressions, ctr, position, search_by_device,
				    search_row_count, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (site_id, date) DO UPDATE SET
				   clicks = excluded.clicks,
				   impressions = excluded.impressions,
				   ctr = excluded.ctr,
				   position = excluded.position,
				   search_by_device = excluded.search_by_device,
				   search_row_count = excluded.search_row_count,
				   updated_at = excluded.updated_at`,
				r.genID.Generate(), siteID, day.Date,
				day.Clicks, day.Impressions, day.CTR, day.Position, byDevice,
				day.SourceRowCount, agg.FetchedAt,
			).Error
			if err != nil {
				return fmt.Errorf("%w: daily record %s: %v", ingestdomain.ErrPersistence, day.Date, err)
			}
		}

		err := tx.Exec(
			`INSERT INTO summary_records
			   (id, site_id, provider, period_start, period_end, clicks, impressions,
			    ctr, position, last_fetched_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (site_id, provider) DO UPDATE SET
			   period_start = excluded.period_start,
			   period_end = excluded.period_end,
			   clicks = excluded.clicks,
			   impressions = excluded.impressions,
			   ctr = excluded.ctr,
			   position = excluded.position,
			   last_fetched_at = excluded.last_fetched_at,
			   updated_at = excluded.updated_at`,
			r.genID.Generate(), siteID, sitedomain.ProviderSearch,
			agg.Summary.Window.Start, agg.Summary.Window.End,
			agg.Summary.Clicks, agg.Summary.Impressions, agg.Summary.CTR, agg.Summary.Position,
			agg.FetchedAt, agg.FetchedAt,
		).Error
		if err != nil {
			return fmt.Errorf("%w: search summary: %v", ingestdomain.ErrPersistence, err)
		}

		if err := r.upsertTopN(ctx, tx, siteID, ingestdomain.TopNQueries, agg.TopQueries, agg.Summary.Window.Start, agg.Summary.Window.End, agg.FetchedAt); err != nil {
			return err
		}

		return r.writeStatus(tx, ingestdomain.IngestionStatus{
			SiteID:        siteID,
			Provider:      sitedomain.ProviderSearch,
			LastFetchedAt: &agg.FetchedAt,
			Status:        ingestdomain.StatusSuccess,
			UpdatedAt:     agg.FetchedAt,
		})
	})
}

func (r *repo) upsertTopN(ctx context.Context, tx *gorm.DB, siteID snowflake.ID, kind ingestdomain.TopNKind, entries any, periodStart, periodEnd, now time.Time) error {
	_ = ctx
	payload, err := toJSON(entries)
	if err != nil {
		return err
	}
	err = tx.Exec(
		`INSERT INTO topn_records (id, site_id, kind, entries, period_start, period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, kind) DO UPDATE SET
		   entries = excluded.entries,
		   period_start = excluded.period_start,
		   period_end = excluded.period_end,
		   updated_at = excluded.updated_at`,
		r.genID.Generate(), siteID, kind, payload, periodStart, periodEnd, now,
	).Error
	if err != nil {
		return fmt.Errorf("%w: top-n %s: %v", ingestdomain.ErrPersistence, kind, err)
	}
	return nil
}

func (r *repo) UpsertTrafficRollup(ctx context.Context, db *gorm.DB, siteID snowflake.ID, yearMonth string, summary aggregate.TrafficSummary, now time.Time) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO monthly_rollups
		   (id, site_id, provider, year_month, sessions, active_users, pageviews,
		    conversions, engagement_rate, bounce_rate, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, provider, year_month) DO UPDATE SET
		   sessions = excluded.sessions,
		   active_users = excluded.active_users,
		   pageviews = excluded.pageviews,
		   conversions = excluded.conversions,
		   engagement_rate = excluded.engagement_rate,
		   bounce_rate = excluded.bounce_rate,
		   updated_at = excluded.updated_at`,
		r.genID.Generate(), siteID, sitedomain.ProviderTraffic, yearMonth,
		summary.Sessions, summary.ActiveUsers, summary.Pageviews,
		summary.Conversions, summary.EngagementRate, summary.BounceRate, now,
	).Error
	if err != nil {
		return fmt.Errorf("%w: traffic rollup %s: %v", ingestdomain.ErrPersistence, yearMonth, err)
	}
	return nil
}

func (r *repo) UpsertSearchRollup(ctx context.Context, db *gorm.DB, siteID snowflake.ID, yearMonth string, summary aggregate.SearchSummary, now time.Time) error {
	err := db.WithContext(ctx).Exec(
		`INSERT INTO monthly_rollups
		   (id, site_id, provider, year_month, clicks, impressions, ctr, position, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, provider, year_month) DO UPDATE SET
		   clicks = excluded.clicks,
		   impressions = excluded.impressions,
		   ctr = excluded.ctr,
		   position = excluded.position,
		   updated_at = excluded.updated_at`,
		r.genID.Generate(), siteID, sitedomain.ProviderSearch, yearMonth,
		summary.Clicks, summary.Impressions, summary.CTR, summary.Position, now,
	).Error
	if err != nil {
		return fmt.Errorf("%w: search rollup %s: %v", ingestdomain.ErrPersistence, yearMonth, err)
	}
	return nil
}

func (r *repo) WriteStatus(ctx context.Context, db *gorm.DB, status ingestdomain.IngestionStatus) error {
	return r.writeStatus(db.WithContext(ctx), status)
}

// writeStatus overwrites the status slot. A nil LastFetchedAt preserves the
// previous fetch time so error runs keep the stale-data indicator accurate.
func (r *repo) writeStatus(tx *gorm.DB, status ingestdomain.IngestionStatus) error {
	return tx.Exec(
		`INSERT INTO ingestion_statuses (site_id, provider, last_fetched_at, status, error_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (site_id, provider) DO UPDATE SET
		   last_fetched_at = COALESCE(excluded.last_fetched_at, ingestion_statuses.last_fetched_at),
		   status = excluded.status,
		   error_message = excluded.error_message,
		   updated_at = excluded.updated_at`,
		status.SiteID, status.Provider, status.LastFetchedAt,
		status.Status, status.ErrorMessage, status.UpdatedAt,
	).Error
}

func (r *repo) GetStatus(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider) (*ingestdomain.IngestionStatus, error) {
	var status ingestdomain.IngestionStatus
	err := db.WithContext(ctx).Raw(
		`SELECT site_id, provider, last_fetched_at, status, error_message, updated_at
		 FROM ingestion_statuses WHERE site_id = ? AND provider = ?`,
		siteID, provider,
	).Scan(&status).Error
	if err != nil {
		return nil, err
	}
	if status.SiteID == 0 {
		return nil, nil
	}
	return &status, nil
}

func (r *repo) GetSummary(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider) (*ingestdomain.SummaryRecord, error) {
	var summary ingestdomain.SummaryRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM summary_records WHERE site_id = ? AND provider = ?`,
		siteID, provider,
	).Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	if summary.ID == 0 {
		return nil, nil
	}
	return &summary, nil
}

func (r *repo) GetMonthlyRollup(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider, yearMonth string) (*ingestdomain.MonthlyRollup, error) {
	var rollup ingestdomain.MonthlyRollup
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM monthly_rollups WHERE site_id = ? AND provider = ? AND year_month = ?`,
		siteID, provider, yearMonth,
	).Scan(&rollup).Error
	if err != nil {
		return nil, err
	}
	if rollup.ID == 0 {
		return nil, nil
	}
	return &rollup, nil
}

func (r *repo) ListDailyRecords(ctx context.Context, db *gorm.DB, siteID snowflake.ID) ([]ingestdomain.DailyRecord, error) {
	var records []ingestdomain.DailyRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM daily_records WHERE site_id = ? ORDER BY date ASC`,
		siteID,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) PutCacheEntry(ctx context.Context, db *gorm.DB, entry ingestdomain.ReportCacheEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO report_cache_entries (cache_key, payload, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET
		   payload = excluded.payload,
		   created_at = excluded.created_at`,
		entry.CacheKey, entry.Payload, entry.CreatedAt,
	).Error
}

func (r *repo) DeleteCacheEntriesBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM report_cache_entries WHERE created_at < ?`,
		cutoff,
	)
	return result.RowsAffected, result.Error
}

func toJSON(v any) (datatypes.JSON, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(payload), nil
}
