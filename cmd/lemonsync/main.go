package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lemonsync/internal/clock"
	"github.com/smallbiznis/lemonsync/internal/config"
	"github.com/smallbiznis/lemonsync/internal/metricspush"
	"github.com/smallbiznis/lemonsync/internal/migration"
	"github.com/smallbiznis/lemonsync/internal/observability"
	"github.com/smallbiznis/lemonsync/internal/server"
	"github.com/smallbiznis/lemonsync/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		metricspush.Module,
	)
	app.Run()
}

// RegisterSnowflake uses NODE_ID so replicas generate disjoint ids.
func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("NODE_ID"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		nodeID = parsed
	}
	return snowflake.NewNode(nodeID)
}
