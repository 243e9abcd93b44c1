package ingest

import (
	"github.com/siteglance/siteglance/internal/ingest/repository"
	"github.com/siteglance/siteglance/internal/ingest/service"
	"github.com/siteglance/siteglance/internal/provider/search"
	"github.com/siteglance/siteglance/internal/provider/traffic"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(traffic.Provide),
	fx.Provide(search.Provide),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
