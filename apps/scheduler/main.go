package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/siteglance/siteglance/internal/clock"
	"github.com/siteglance/siteglance/internal/config"
	"github.com/siteglance/siteglance/internal/credential"
	"github.com/siteglance/siteglance/internal/export"
	"github.com/siteglance/siteglance/internal/ingest"
	"github.com/siteglance/siteglance/internal/observability"
	"github.com/siteglance/siteglance/internal/provider"
	"github.com/siteglance/siteglance/internal/ratelimit"
	"github.com/siteglance/siteglance/internal/scheduler"
	"github.com/siteglance/siteglance/internal/site"
	"github.com/siteglance/siteglance/pkg/db"
	"go.uber.org/fx"
)

// Scheduler-only process: no migrations, pointed at an already-migrated
// database. Used when the ingestion loop is deployed apart from operational
// tooling.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		site.Module,
		credential.Module,
		provider.Module,
		ingest.Module,
		export.Module,
		ratelimit.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
