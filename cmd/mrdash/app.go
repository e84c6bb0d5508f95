package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sugos/mrdash/internal/adapters/clinic"
	"github.com/sugos/mrdash/internal/adapters/gemini"
	"github.com/sugos/mrdash/internal/audit"
	"github.com/sugos/mrdash/internal/dashboard"
	"github.com/sugos/mrdash/internal/session"
	"github.com/sugos/mrdash/internal/shared/config"
	"github.com/sugos/mrdash/internal/shared/database"
	"github.com/sugos/mrdash/internal/shared/logging"
)

// App holds all application dependencies
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Session *session.Session
	Sink    audit.Sink
	Checks  map[string]dashboard.ReadyCheck

	closers []func()
}

// Close releases audit sink connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	return cfg, logging.New(cfg.Server.Env, cfg.Log.Level), nil
}

func newApp(ctx context.Context) (*App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		Logger: logger,
		Checks: map[string]dashboard.ReadyCheck{},
	}

	if err := app.openAuditSink(ctx); err != nil {
		app.Close()
		return nil, err
	}

	recorder := audit.NewRecorder(app.Sink, cfg.Audit.HMACKey, logger)
	if err := recorder.Initialize(ctx); err != nil {
		app.Close()
		return nil, err
	}

	clinicClient := clinic.New(clinic.Config{
		AuthTimeout:  cfg.Clinic.AuthTimeout,
		FetchTimeout: cfg.Clinic.FetchTimeout,
	}, logger)

	// Summarization stays disabled without a verified credential.
	var summarizer session.Summarizer
	if cfg.AI.Verified() {
		gateway, err := gemini.New(ctx, gemini.Config{
			APIKey:          cfg.AI.APIKey,
			Timeout:         cfg.AI.Timeout,
			Temperature:     cfg.AI.Temperature,
			MaxOutputTokens: cfg.AI.MaxOutputTokens,
		}, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("summarization disabled")
		} else {
			summarizer = gateway
		}
	} else {
		logger.Warn().Msg("GOOGLE_API_KEY not configured, summarization disabled")
	}

	sess, err := session.New(session.Config{
		Environments: environments(cfg),
		DefaultCredentials: clinic.Credentials{
			Username: cfg.Credentials.Username,
			Password: cfg.Credentials.Password,
		},
		Models: cfg.AI.Models,
	}, clinicClient, summarizer, recorder, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Session = sess

	return app, nil
}

func (a *App) openAuditSink(ctx context.Context) error {
	cfg := a.Config.Audit

	switch cfg.Sink {
	case "postgres":
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		a.closers = append(a.closers, db.Close)

		if err := database.Migrate(ctx, db.Pool, a.Logger); err != nil {
			return fmt.Errorf("failed to migrate audit database: %w", err)
		}
		a.Sink = audit.NewPostgresSink(db.Pool)
		a.Checks["audit_database"] = db.Health

	case "eventstore":
		sink, err := audit.NewEventStoreSink(cfg.EventStoreURL, cfg.Stream)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() {
			if err := sink.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("failed to close eventstore client")
			}
		})
		a.Sink = sink

	case "log":
		a.Sink = audit.NewLogSink(a.Logger)

	default:
		return fmt.Errorf("unknown audit sink %q", cfg.Sink)
	}

	a.Logger.Info().Str("sink", a.Sink.Name()).Msg("audit trail enabled")
	return nil
}

func environments(cfg *config.Config) []clinic.Environment {
	envs := make([]clinic.Environment, 0, len(cfg.Environments))
	for _, env := range cfg.Environments {
		envs = append(envs, clinic.Environment{
			Key:         env.Key,
			DisplayName: env.DisplayName,
			APIBaseURL:  env.APIBaseURL,
		})
	}
	return envs
}

// errNotReadable is returned by audit verify for sinks that cannot be read back.
var errNotReadable = errors.New("the configured audit sink cannot be read back (use postgres or eventstore)")
