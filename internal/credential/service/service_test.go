package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/siteglance/siteglance/internal/cache"
	"github.com/siteglance/siteglance/internal/clock"
	"github.com/siteglance/siteglance/internal/config"
	"github.com/siteglance/siteglance/internal/credential/cipher"
	credentialdomain "github.com/siteglance/siteglance/internal/credential/domain"
	"github.com/siteglance/siteglance/internal/credential/repository"
	sitedomain "github.com/siteglance/siteglance/internal/site/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type tokenEndpoint struct {
	server *httptest.Server
	calls  atomic.Int64
	status atomic.Int64
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()

	endpoint := &tokenEndpoint{}
	endpoint.status.Store(http.StatusOK)
	endpoint.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status := int(endpoint.status.Load())
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("refreshed-%d", endpoint.calls.Load()),
			"expires_in":   3600,
		})
	}))
	t.Cleanup(endpoint.server.Close)
	return endpoint
}

type credFixture struct {
	db    *gorm.DB
	box   *cipher.Box
	clk   *clock.FakeClock
	svc   credentialdomain.Service
	node  *snowflake.Node
	token *tokenEndpoint
}

func setupCredentialService(t *testing.T) *credFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	require.NoError(t, db.AutoMigrate(&sitedomain.Site{}, &credentialdomain.Credential{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	box, err := cipher.New(testKey)
	require.NoError(t, err)

	endpoint := newTokenEndpoint(t)
	cfg := config.Config{
		Traffic: config.ProviderConfig{TokenURL: endpoint.server.URL},
		Search:  config.ProviderConfig{TokenURL: endpoint.server.URL},
	}

	clk := clock.NewFakeClock(time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC))
	svc := New(db, zap.NewNop(), repository.Provide(), box, cache.NewTokenCache(clk), clk, cfg)

	return &credFixture{db: db, box: box, clk: clk, svc: svc, node: node, token: endpoint}
}

func (f *credFixture) seedCredential(t *testing.T, provider sitedomain.Provider, accessToken string, refreshToken *string, expiresAt time.Time) *credentialdomain.Credential {
	t.Helper()

	accessEnc, err := f.box.Seal(accessToken)
	require.NoError(t, err)

	var refreshEnc *string
	if refreshToken != nil {
		sealed, err := f.box.Seal(*refreshToken)
		require.NoError(t, err)
		refreshEnc = &sealed
	}

	cred := &credentialdomain.Credential{
		ID:              f.node.Generate(),
		SiteID:          f.node.Generate(),
		Provider:        provider,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       expiresAt,
		CreatedAt:       f.clk.Now(),
		UpdatedAt:       f.clk.Now(),
	}
	require.NoError(t, f.db.Create(cred).Error)
	return cred
}

func (f *credFixture) reload(t *testing.T, id snowflake.ID) credentialdomain.Credential {
	t.Helper()
	var cred credentialdomain.Credential
	require.NoError(t, f.db.First(&cred, "id = ?", id).Error)
	return cred
}

func strPtr(s string) *string { return &s }

func TestGetValidReturnsStoredTokenBeforeExpiry(t *testing.T) {
	f := setupCredentialService(t)
	cred := f.seedCredential(t, sitedomain.ProviderTraffic, "live-token", strPtr("refresh"), f.clk.Now().Add(time.Hour))

	token, err := f.svc.GetValid(context.Background(), cred.SiteID, sitedomain.ProviderTraffic)
	require.NoError(t, err)
	assert.Equal(t, "live-token", token)
	assert.Equal(t, int64(0), f.token.calls.Load())
}

func TestGetValidServesFromTokenCache(t *testing.T) {
	f := setupCredentialService(t)
	cred := f.seedCredential(t, sitedomain.ProviderTraffic, "live-token", strPtr("refresh"), f.clk.Now().Add(time.Hour))

	_, err := f.svc.GetValid(context.Background(), cred.SiteID, sitedomain.ProviderTraffic)
	require.NoError(t, err)

	// A cached token survives even if the row disappears underneath.
	require.NoError(t, f.db.Exec("DELETE FROM credentials WHERE id = ?", cred.ID).Error)

	token, err := f.svc.GetValid(context.Background(), cred.SiteID, sitedomain.ProviderTraffic)
	require.NoError(t, err)
	assert.Equal(t, "live-token", token)
}

func TestGetValidRefreshesExpiredCredential(t *testing.T) {
	f := setupCredentialService(t)
	cred := f.seedCredential(t, sitedomain.ProviderTraffic, "stale-token", strPtr("refresh"), f.clk.Now().Add(-time.Minute))

	token, err := f.svc.GetValid(context.Background(), cred.SiteID, sitedomain.ProviderTraffic)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", token)
	assert.Equal(t, int64(1), f.token.calls.Load())

	stored := f.reload(t, cred.ID)
	assert.NotEqual(t, cred.AccessTokenEnc, stored.AccessTokenEnc)
	assert.WithinDuration(t, f.clk.Now().Add(time.Hour), stored.ExpiresAt, time.Second)

	opened, err := f.box.Open(stored.AccessTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", opened)
}

func TestGetValidConcurrentRefreshIsSingleFlight(t *testing.T) {
	f := setupCredentialService(t)
	cred := f.seedCredential(t, sitedomain.ProviderSearch, "stale-token", strPtr("refresh"), f.clk.Now().Add(-time.Minute))

	var wg sync.WaitGroup
	tokens := make(chan string, 10)
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := f.svc.GetValid(context.Background(), cred.SiteID, sitedomain.ProviderSearch)
			tokens <- token
			errs <- err
		}()
	}
	wg.Wait()
	close(tokens)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for token := range tokens {
		assert.Equal(t, "refreshed-1", token)
	}
	assert.Equal(t, int64(1), f.token.calls.Load())
}

func TestGetValidMissingRefreshToken(t *testing.T) {
	f := setupCredentialService(t)
	cred := f.seedCredential(t, sitedomain.ProviderTraffic, "stale-token", nil, f.clk.Now().Add(-time.Minute))

	_, err := f.svc.GetValid(context.Background(), cred.SiteID, sitedomain.ProviderTraffic)
	assert.ErrorIs(t, err, credentialdomain.ErrMissingRefreshToken)
	assert.Equal(t, int64(0), f.token.calls.Load())
}

func TestGetValidRefreshFailureLeavesCredentialUntouched(t *testing.T) {
	f := setupCredentialService(t)
	cred := f.seedCredential(t, sitedomain.ProviderTraffic, "stale-token", strPtr("refresh"), f.clk.Now().Add(-time.Minute))
	f.token.status.Store(http.StatusInternalServerError)

	_, err := f.svc.GetValid(context.Background(), cred.SiteID, sitedomain.ProviderTraffic)
	assert.ErrorIs(t, err, credentialdomain.ErrRefreshFailed)

	stored := f.reload(t, cred.ID)
	assert.Equal(t, cred.AccessTokenEnc, stored.AccessTokenEnc)
	assert.WithinDuration(t, cred.ExpiresAt, stored.ExpiresAt, time.Second)
}

func TestGetValidUnknownSite(t *testing.T) {
	f := setupCredentialService(t)

	_, err := f.svc.GetValid(context.Background(), f.node.Generate(), sitedomain.ProviderTraffic)
	assert.ErrorIs(t, err, credentialdomain.ErrCredentialNotFound)
}
