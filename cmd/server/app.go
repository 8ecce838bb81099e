package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/cadence/internal/api"
	"github.com/phrazzld/cadence/internal/api/middleware"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/autogen"
	"github.com/phrazzld/cadence/internal/channel"
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/decision"
	"github.com/phrazzld/cadence/internal/dedup"
	"github.com/phrazzld/cadence/internal/events"
	"github.com/phrazzld/cadence/internal/executor"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/guardrail"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/lock"
	"github.com/phrazzld/cadence/internal/platform/gemini"
	"github.com/phrazzld/cadence/internal/platform/httpclient"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/platform/postgres"
	"github.com/phrazzld/cadence/internal/service/auth"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/phrazzld/cadence/internal/store/memory"
	"github.com/phrazzld/cadence/internal/task"
)

const requestTimeout = 30 * time.Second

// storage is an opened persistence backend.
type storage struct {
	// db is nil for the memory backend.
	db     *sql.DB
	stores store.Stores
	tx     store.Transactor
	close  func() error
}

// openStorage opens the backend selected by server.storage.
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	if cfg.Server.Storage == "memory" {
		mem := memory.New()
		return &storage{stores: mem.Stores(), tx: mem, close: func() error { return nil }}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return &storage{db: db.SQL(), stores: db.Stores(), tx: db, close: db.Close}, nil
}

// newModel builds the Gemini model wrapped in the local retry policy.
func newModel(ctx context.Context, cfg config.LLMConfig, m *metrics.Metrics, logger *slog.Logger) (generation.Model, error) {
	base, err := gemini.NewModel(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}
	return generation.NewRetrying(base, retryPolicy(cfg), m, logger), nil
}

func retryPolicy(cfg config.LLMConfig) generation.RetryPolicy {
	policy := generation.DefaultRetryPolicy()
	policy.MaxRetries = uint64(cfg.MaxRetries)
	policy.BaseDelay = time.Duration(cfg.BaseDelaySeconds * float64(time.Second))
	policy.MaxDelay = time.Duration(cfg.MaxDelaySeconds * float64(time.Second))
	return policy
}

// application is the assembled engine. Optional components are nil when
// their configuration is absent.
type application struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	handler http.Handler
	poller  *task.Poller
	cycle   *autogen.Cycle
	sweeper *channel.Sweeper
}

// newApplication wires every component on top of st and model.
func newApplication(cfg *config.Config, st *storage, model generation.Model, m *metrics.Metrics, logger *slog.Logger) (*application, error) {
	prompts := generation.DefaultCatalog()
	checker := guardrail.NewChecker(hours(cfg.Guardrails.OutreachCooldownHours), minutes(cfg.Poller.PauseRecheckMinutes))
	locks := lock.NewManager(st.stores.Locks, logger, m)

	emitter := events.NewEmitter(logger)
	if cfg.Notify.WebhookURL != "" {
		client := httpclient.New(httpclient.DefaultOptions(seconds(cfg.Notify.TimeoutSeconds)), logger)
		emitter.Register(events.NewWebhookNotifier(cfg.Notify.WebhookURL, client))
	}
	journal := audit.NewJournal(emitter, logger)

	in := intake.New(st.tx, dedup.NewMatcher(nil), journal, m, logger)
	planner := decision.New(st.stores, model, prompts, checker, journal, logger)

	deps := executor.Deps{
		Stores:  st.stores,
		Model:   model,
		Prompts: prompts,
		Checker: checker,
		Journal: journal,
		Metrics: m,
		Logger:  logger,
	}

	app := &application{cfg: cfg, logger: logger, metrics: m}

	var voice *channel.Voice
	if cfg.Telephony.BaseURL != "" {
		client := httpclient.New(httpclient.DefaultOptions(seconds(cfg.Telephony.TimeoutSeconds)), logger)
		voice = channel.NewVoice(cfg.Telephony, client, st.stores, m, logger)
		deps.Caller = voice
		app.sweeper = channel.NewSweeper(voice, locks, channel.SweeperConfig{
			Interval:   seconds(cfg.Telephony.SweepIntervalSeconds),
			StuckAfter: minutes(cfg.Telephony.StuckMinutes),
			LockMax:    seconds(cfg.Telephony.SweepIntervalSeconds),
		}, m, logger)
	}
	if cfg.Email.APIURL != "" {
		client := httpclient.New(httpclient.DefaultOptions(seconds(cfg.Email.TimeoutSeconds)), logger)
		deps.Mailer = channel.NewEmail(cfg.Email, client, st.stores, m, logger)
	}
	if cfg.Messaging.BaseURL != "" {
		client := httpclient.New(httpclient.DefaultOptions(seconds(cfg.Messaging.TimeoutSeconds)), logger)
		deps.Messenger = channel.NewMessaging(cfg.Messaging, client, st.stores, m, logger)
	}
	runner := executor.New(deps)

	app.poller = task.NewPoller(st.stores, st.tx, locks, planner, runner, journal, m, task.PollerConfig{
		Interval:   seconds(cfg.Poller.IntervalSeconds),
		BatchSize:  cfg.Poller.BatchSize,
		StaleAfter: minutes(cfg.Poller.StaleMinutes),
		LockMax:    seconds(cfg.Poller.LockMaxSeconds),
	}, logger)

	if cfg.Generation.Enabled {
		app.cycle = autogen.New(st.stores, locks, model, prompts, checker, in, journal, m, autogen.Config{
			Interval:        minutes(cfg.Generation.IntervalMinutes),
			LockMax:         seconds(cfg.Generation.LockMaxSeconds),
			MaxContacts:     cfg.Generation.MaxContacts,
			MaxTasks:        cfg.Generation.MaxTasksPerPersona,
			CompletedWithin: hours(cfg.Generation.CompletedWithinHours),
		}, logger)
	}

	jwtService, err := auth.NewJWTService(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWT service: %w", err)
	}

	routes := api.RouterDeps{
		Tasks:          api.NewTaskHandler(task.NewService(st.stores, in, journal, logger), logger),
		Auth:           middleware.NewAuthMiddleware(jwtService),
		WebhookSecret:  cfg.Telephony.WebhookSecret,
		Metrics:        m.Handler(),
		RequestTimeout: requestTimeout,
		Logger:         logger,
	}
	if voice != nil {
		routes.Telephony = api.NewTelephonyHandler(voice, st.stores.Activity, journal, logger)
	}
	app.handler = api.NewRouter(routes)

	return app, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func hours(n int) time.Duration   { return time.Duration(n) * time.Hour }
