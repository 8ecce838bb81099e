package main

import (
	"context"

	"github.com/alecthomas/kingpin/v2"
	"github.com/phrazzld/cadence/internal/platform/postgres"
)

type migrateCommand struct {
	root      *rootCommand
	direction string
}

func newMigrateCommand(root *rootCommand, app *kingpin.Application) *migrateCommand {
	c := &migrateCommand{root: root}
	cmd := app.Command("migrate", "Manage the database schema.")
	cmd.Arg("command", "Migration to run.").Default(postgres.MigrateUp).
		EnumVar(&c.direction, postgres.MigrateUp, postgres.MigrateDown, postgres.MigrateReset, postgres.MigrateStatus, postgres.MigrateVersion)
	return c
}

func (c *migrateCommand) Name() string { return "migrate" }

func (c *migrateCommand) Run(ctx context.Context) error {
	cfg, err := c.root.loadConfig(map[string]any{"server.storage": "postgres"})
	if err != nil {
		return err
	}
	logger := c.root.logger(cfg)

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	return postgres.Migrate(ctx, db.SQL(), c.direction, logger)
}
