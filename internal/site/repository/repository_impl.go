package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() sitedomain.Repository {
	return &repo{}
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]sitedomain.Site, error) {
	var sites []sitedomain.Site
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, domain, traffic_property_id, search_site_url, onboarded,
		        ai_quota_used, ai_quota_limit, created_at, updated_at
		 FROM sites ORDER BY created_at ASC`,
	).Scan(&sites).Error
	if err != nil {
		return nil, err
	}
	return sites, nil
}

func (r *repo) ListOnboarded(ctx context.Context, db *gorm.DB) ([]sitedomain.Site, error) {
	var sites []sitedomain.Site
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, domain, traffic_property_id, search_site_url, onboarded,
		        ai_quota_used, ai_quota_limit, created_at, updated_at
		 FROM sites WHERE onboarded = ? ORDER BY created_at ASC`,
		true,
	).Scan(&sites).Error
	if err != nil {
		return nil, err
	}
	return sites, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*sitedomain.Site, error) {
	var site sitedomain.Site
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, domain, traffic_property_id, search_site_url, onboarded,
		        ai_quota_used, ai_quota_limit, created_at, updated_at
		 FROM sites WHERE id = ?`,
		id,
	).Scan(&site).Error
	if err != nil {
		return nil, err
	}
	if site.ID == 0 {
		return nil, nil
	}
	return &site, nil
}

func (r *repo) ResetAIQuotas(ctx context.Context, db *gorm.DB) (int64, error) {
	result := db.WithContext(ctx).Exec(`UPDATE sites SET ai_quota_used = 0 WHERE ai_quota_used <> 0`)
	return result.RowsAffected, result.Error
}
