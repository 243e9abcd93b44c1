// Package domain contains persistence models for per-site OAuth credentials.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"gorm.io/gorm"
)

// Credential stores one token pair for a site and provider.
// Token columns hold AES-GCM sealed values, never plaintext.
type Credential struct {
	ID              snowflake.ID        `gorm:"primaryKey"`
	SiteID          snowflake.ID        `gorm:"not null;uniqueIndex:idx_credentials_site_provider"`
	Provider        sitedomain.Provider `gorm:"type:text;not null;uniqueIndex:idx_credentials_site_provider"`
	AccessTokenEnc  string              `gorm:"type:text;not null"`
	RefreshTokenEnc *string             `gorm:"type:text"`
	ExpiresAt       time.Time           `gorm:"not null"`
	CreatedAt       time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Credential) TableName() string { return "credentials" }

type Repository interface {
	FindBySite(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider) (*Credential, error)
	UpdateAccessToken(ctx context.Context, db *gorm.DB, id snowflake.ID, accessTokenEnc string, expiresAt, updatedAt time.Time) error
}

// Service returns access tokens guaranteed valid for immediate use.
type Service interface {
	GetValid(ctx context.Context, siteID snowflake.ID, provider sitedomain.Provider) (string, error)
}

var (
	ErrCredentialNotFound  = errors.New("credential_not_found")
	ErrMissingRefreshToken = errors.New("missing_refresh_token")
	ErrRefreshFailed       = errors.New("refresh_failed")
)
