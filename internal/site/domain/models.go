// Package domain contains persistence models for monitored sites.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Provider identifies an upstream analytics data source.
type Provider string

const (
	ProviderTraffic Provider = "traffic"
	ProviderSearch  Provider = "search"
)

// Site is one customer-owned property being monitored.
type Site struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	Name              string       `gorm:"type:text;not null"`
	Domain            string       `gorm:"type:text;not null"`
	TrafficPropertyID string       `gorm:"type:text"`
	SearchSiteURL     string       `gorm:"type:text"`
	Onboarded         bool         `gorm:"not null;default:false"`
	AIQuotaUsed       int          `gorm:"not null;default:0"`
	AIQuotaLimit      int          `gorm:"not null;default:0"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Site) TableName() string { return "sites" }

// PropertyRef returns the provider-side property reference for the site.
func (s Site) PropertyRef(provider Provider) string {
	switch provider {
	case ProviderTraffic:
		return s.TrafficPropertyID
	case ProviderSearch:
		return s.SearchSiteURL
	default:
		return ""
	}
}

// Linked reports whether the site has an active link for the provider.
func (s Site) Linked(provider Provider) bool {
	return s.PropertyRef(provider) != ""
}

type Repository interface {
	List(ctx context.Context, db *gorm.DB) ([]Site, error)
	ListOnboarded(ctx context.Context, db *gorm.DB) ([]Site, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Site, error)
	ResetAIQuotas(ctx context.Context, db *gorm.DB) (int64, error)
}

var (
	ErrSiteNotFound = errors.New("site_not_found")
)
