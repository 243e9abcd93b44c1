package site

import (
	"github.com/siteglance/siteglance/internal/site/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("site",
	fx.Provide(repository.Provide),
)
