package credential

import (
	"github.com/siteglance/siteglance/internal/cache"
	"github.com/siteglance/siteglance/internal/config"
	"github.com/siteglance/siteglance/internal/credential/cipher"
	"github.com/siteglance/siteglance/internal/credential/repository"
	"github.com/siteglance/siteglance/internal/credential/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credential",
	fx.Provide(provideBox),
	fx.Provide(cache.NewTokenCache),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)

func provideBox(cfg config.Config) (*cipher.Box, error) {
	return cipher.New(cfg.CredentialKey)
}
