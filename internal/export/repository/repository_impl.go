package repository

import (
	"context"
	"fmt"

	exportdomain "github.com/siteglance/siteglance/internal/export/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() exportdomain.Repository {
	return &repo{}
}

func (r *repo) InsertErrorLog(ctx context.Context, db *gorm.DB, log exportdomain.ErrorLog) error {
	err := db.WithContext(ctx).Exec(`
		INSERT INTO export_error_logs (id, site_id, year_month, error_message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, log.ID, log.SiteID, log.YearMonth, log.ErrorMessage, log.CreatedAt).Error
	if err != nil {
		return fmt.Errorf("insert export error log: %w", err)
	}
	return nil
}
