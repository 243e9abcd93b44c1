package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	credentialdomain "github.com/siteglance/siteglance/internal/credential/domain"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() credentialdomain.Repository {
	return &repo{}
}

func (r *repo) FindBySite(ctx context.Context, db *gorm.DB, siteID snowflake.ID, provider sitedomain.Provider) (*credentialdomain.Credential, error) {
	var cred credentialdomain.Credential
	err := db.WithContext(ctx).Raw(
		`SELECT id, site_id, provider, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at
		 FROM credentials WHERE site_id = ? AND provider = ?`,
		siteID,
		provider,
	).Scan(&cred).Error
	if err != nil {
		return nil, err
	}
	if cred.ID == 0 {
		return nil, nil
	}
	return &cred, nil
}

func (r *repo) UpdateAccessToken(ctx context.Context, db *gorm.DB, id snowflake.ID, accessTokenEnc string, expiresAt, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credentials
		 SET access_token_enc = ?, expires_at = ?, updated_at = ?
		 WHERE id = ?`,
		accessTokenEnc,
		expiresAt,
		updatedAt,
		id,
	).Error
}
