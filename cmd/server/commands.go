package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/alecthomas/kingpin/v2"
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/platform/logger"
)

// command is implemented by every subcommand registered in Run.
type command interface {
	Name() string
	Run(ctx context.Context) error
}

// rootCommand holds the global flags and the process streams shared by all
// commands.
type rootCommand struct {
	ConfigPath string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func newRootCommand(app *kingpin.Application) *rootCommand {
	c := &rootCommand{}
	app.Flag("config", "Path to a YAML configuration file. Environment variables override it.").
		Envar("CADENCE_CONFIG_FILE").StringVar(&c.ConfigPath)
	return c
}

// loadConfig reads the configuration with the given flag overrides applied
// last.
func (r *rootCommand) loadConfig(overrides map[string]any) (*config.Config, error) {
	return config.LoadWithOverrides(r.ConfigPath, overrides)
}

// logger writes to stderr so command output on stdout stays clean.
func (r *rootCommand) logger(cfg *config.Config) *slog.Logger {
	return logger.SetupWithWriter(cfg.Server, r.Stderr).With("version", Version)
}
