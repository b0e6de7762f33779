package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/metergate/metergate/internal/clock"
	"github.com/metergate/metergate/internal/config"
	"github.com/metergate/metergate/internal/metering"
	"github.com/metergate/metergate/internal/observability"
	"github.com/metergate/metergate/internal/pricing"
	"github.com/metergate/metergate/internal/ratelimit"
	"github.com/metergate/metergate/internal/server"
	"github.com/metergate/metergate/internal/sweeper"
	"github.com/metergate/metergate/pkg/db"
	"github.com/metergate/metergate/pkg/log"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		ratelimit.Module,
		pricing.Module,
		metering.Module,
		sweeper.Module,
		server.Module,
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
