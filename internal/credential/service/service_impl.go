package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/siteglance/siteglance/internal/cache"
	"github.com/siteglance/siteglance/internal/clock"
	"github.com/siteglance/siteglance/internal/config"
	"github.com/siteglance/siteglance/internal/credential/cipher"
	credentialdomain "github.com/siteglance/siteglance/internal/credential/domain"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const refreshTimeout = 15 * time.Second

type service struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      credentialdomain.Repository
	box       *cipher.Box
	clock     clock.Clock
	client    *http.Client
	tokens    cache.TokenCache
	providers map[sitedomain.Provider]config.ProviderConfig
	flight    singleflight.Group
}

func New(db *gorm.DB, log *zap.Logger, repo credentialdomain.Repository, box *cipher.Box, tokens cache.TokenCache, clk clock.Clock, cfg config.Config) credentialdomain.Service {
	return &service{
		db:     db,
		log:    log.Named("credential"),
		repo:   repo,
		box:    box,
		tokens: tokens,
		clock:  clk,
		client: &http.Client{
			Timeout: refreshTimeout,
		},
		providers: map[sitedomain.Provider]config.ProviderConfig{
			sitedomain.ProviderTraffic: cfg.Traffic,
			sitedomain.ProviderSearch:  cfg.Search,
		},
	}
}

// GetValid returns a decrypted access token, refreshing it first when expired.
// Refreshes are single-flight per site and provider so concurrent callers of an
// expired credential share one token exchange.
func (s *service) GetValid(ctx context.Context, siteID snowflake.ID, provider sitedomain.Provider) (string, error) {
	if s.tokens != nil {
		if token, ok := s.tokens.Get(siteID.String(), string(provider)); ok {
			return token, nil
		}
	}

	cred, err := s.repo.FindBySite(ctx, s.db, siteID, provider)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", credentialdomain.ErrCredentialNotFound
	}

	if s.clock.Now().Before(cred.ExpiresAt) {
		token, err := s.box.Open(cred.AccessTokenEnc)
		if err != nil {
			return "", err
		}
		if s.tokens != nil {
			s.tokens.Set(siteID.String(), string(provider), token, cred.ExpiresAt)
		}
		return token, nil
	}

	key := siteID.String() + "|" + string(provider)
	token, err, _ := s.flight.Do(key, func() (any, error) {
		return s.refresh(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (s *service) refresh(ctx context.Context, cred *credentialdomain.Credential) (string, error) {
	if cred.RefreshTokenEnc == nil || strings.TrimSpace(*cred.RefreshTokenEnc) == "" {
		return "", credentialdomain.ErrMissingRefreshToken
	}
	refreshToken, err := s.box.Open(*cred.RefreshTokenEnc)
	if err != nil {
		return "", err
	}

	providerCfg, ok := s.providers[cred.Provider]
	if !ok || providerCfg.TokenURL == "" {
		return "", fmt.Errorf("%w: no token endpoint for provider %s", credentialdomain.ErrRefreshFailed, cred.Provider)
	}

	token, err := s.exchangeRefreshToken(ctx, providerCfg, refreshToken)
	if err != nil {
		s.log.Warn("token refresh failed",
			zap.String("site_id", cred.SiteID.String()),
			zap.String("provider", string(cred.Provider)),
			zap.Error(err),
		)
		return "", err
	}

	sealed, err := s.box.Seal(token.AccessToken)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	expiresAt := now.Add(time.Duration(token.ExpiresIn) * time.Second)
	if err := s.repo.UpdateAccessToken(ctx, s.db, cred.ID, sealed, expiresAt, now); err != nil {
		return "", err
	}
	if s.tokens != nil {
		s.tokens.Set(cred.SiteID.String(), string(cred.Provider), token.AccessToken, expiresAt)
	}

	s.log.Info("credential refreshed",
		zap.String("site_id", cred.SiteID.String()),
		zap.String("provider", string(cred.Provider)),
		zap.Time("expires_at", expiresAt),
	)
	return token.AccessToken, nil
}

func (s *service) exchangeRefreshToken(ctx context.Context, providerCfg config.ProviderConfig, refreshToken string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", providerCfg.ClientID)
	form.Set("client_secret", providerCfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, providerCfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credentialdomain.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", credentialdomain.ErrRefreshFailed, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: token endpoint returned %d", credentialdomain.ErrRefreshFailed, resp.StatusCode)
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil || token.AccessToken == "" {
		return nil, fmt.Errorf("%w: malformed token response", credentialdomain.ErrRefreshFailed)
	}
	return &token, nil
}
