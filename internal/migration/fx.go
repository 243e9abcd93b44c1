package migration

import (
	"github.com/siteglance/siteglance/internal/config"
	credentialdomain "github.com/siteglance/siteglance/internal/credential/domain"
	exportdomain "github.com/siteglance/siteglance/internal/export/domain"
	ingestdomain "github.com/siteglance/siteglance/internal/ingest/domain"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Non-postgres deployments (local sqlite) take the gorm schema
			// directly; versioned migrations only target postgres.
			return conn.AutoMigrate(
				&sitedomain.Site{},
				&credentialdomain.Credential{},
				&ingestdomain.DailyRecord{},
				&ingestdomain.SummaryRecord{},
				&ingestdomain.TopNRecord{},
				&ingestdomain.MonthlyRollup{},
				&ingestdomain.IngestionStatus{},
				&ingestdomain.ReportCacheEntry{},
				&exportdomain.ErrorLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
