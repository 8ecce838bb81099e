package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/platform/postgres"
)

type serveCommand struct {
	root    *rootCommand
	storage string
	migrate bool
}

func newServeCommand(root *rootCommand, app *kingpin.Application) *serveCommand {
	c := &serveCommand{root: root}
	cmd := app.Command("serve", "Run the HTTP API, the task poller and the background jobs.").Default()
	cmd.Flag("storage", "Persistence backend, overriding server.storage.").EnumVar(&c.storage, "postgres", "memory")
	cmd.Flag("migrate", "Apply pending migrations before serving.").BoolVar(&c.migrate)
	return c
}

func (c *serveCommand) Name() string { return "serve" }

func (c *serveCommand) Run(ctx context.Context) error {
	overrides := map[string]any{}
	if c.storage != "" {
		overrides["server.storage"] = c.storage
	}
	cfg, err := c.root.loadConfig(overrides)
	if err != nil {
		return err
	}
	logger := c.root.logger(cfg)
	m := metrics.New()

	st, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	if cfg.Server.Storage == "memory" {
		logger.Warn("using in-memory storage, state is lost on exit")
	} else if c.migrate {
		if err := postgres.Migrate(ctx, st.db, postgres.MigrateUp, logger); err != nil {
			return err
		}
	}

	model, err := newModel(ctx, cfg.LLM, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create language model: %w", err)
	}

	app, err := newApplication(cfg, st, model, m, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	return app.run(ctx, ln)
}

// run serves HTTP on ln and runs the background jobs until ctx is cancelled
// or one of them fails.
func (a *application) run(ctx context.Context, ln net.Listener) error {
	var g run.Group

	// Context.
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// HTTP server.
	{
		server := &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(
			func() error {
				a.logger.Info("starting server", "addr", ln.Addr().String())
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout())
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					a.logger.Error("server shutdown failed", "error", err)
				}
			},
		)
	}

	// Background jobs.
	jobs := []func(context.Context) error{a.poller.Run}
	if a.cycle != nil {
		jobs = append(jobs, a.cycle.Run)
	}
	if a.sweeper != nil {
		jobs = append(jobs, a.sweeper.Run)
	}
	for _, job := range jobs {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(
			func() error {
				return job(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	err := g.Run()
	a.logger.Info("server shutdown completed")
	return err
}
