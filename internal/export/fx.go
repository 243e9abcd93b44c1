package export

import (
	"github.com/siteglance/siteglance/internal/config"
	"github.com/siteglance/siteglance/internal/export/repository"
	"github.com/siteglance/siteglance/internal/export/service"
	"github.com/siteglance/siteglance/internal/export/sheet"
	"go.uber.org/fx"
)

var Module = fx.Module("export",
	fx.Provide(provideSheetClient),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)

func provideSheetClient(cfg config.Config) *sheet.Client {
	return sheet.NewClient(cfg.Export.BaseURL, cfg.Export.SheetID, cfg.Export.Token)
}
