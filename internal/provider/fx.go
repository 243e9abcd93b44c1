package provider

import (
	"github.com/siteglance/siteglance/internal/config"
	"go.uber.org/fx"
)

// BaseURLs carries the configured provider endpoints to the client
// constructors in the traffic and search subpackages.
type BaseURLs struct {
	Traffic string
	Search  string
}

var Module = fx.Module("provider",
	fx.Provide(provideBaseURLs),
)

func provideBaseURLs(cfg config.Config) BaseURLs {
	return BaseURLs{
		Traffic: cfg.Traffic.ReportURL,
		Search:  cfg.Search.ReportURL,
	}
}
