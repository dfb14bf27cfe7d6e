package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/actions"
	"github.com/selfheal/selfheal/pkg/config"
	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/policy"
	"github.com/selfheal/selfheal/pkg/reasoning"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
	"github.com/spf13/cobra"
)

// app holds the components shared by the commands that touch the store.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	guard  *policy.Engine
	engine *engine.Engine
	logger zerolog.Logger
}

// openApp loads the configuration, sets up telemetry and opens the
// migrated store. The engine is built separately by buildEngine.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}
	err = store.Init(ctx)
	if err == nil {
		err = store.Migrate(ctx)
	}
	if err != nil {
		_ = store.Close()
		_ = tel.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	logger.Debug().Str("path", cfg.Store.Path).Msg("Store opened")

	return &app{cfg: cfg, tel: tel, store: store, logger: logger}, nil
}

// buildEngine wires the policy guard, the reasoning strategy and the action
// registry into a pipeline engine. notifier may be nil.
func (a *app) buildEngine(ctx context.Context, notifier engine.Notifier) error {
	guard, err := policy.NewEngine(a.logger)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if len(a.cfg.Policy.Dirs) > 0 {
		if err := guard.LoadPolicies(ctx, a.cfg.Policy.Dirs); err != nil {
			return fmt.Errorf("failed to load policies: %w", err)
		}
	}

	var primary reasoning.Analyzer
	client := reasoning.NewClient(a.cfg.Reasoning.ClientConfig(), a.logger)
	if client.Configured() {
		primary = client
		a.logger.Info().Str("model", client.Model()).Msg("Remote reasoning engine enabled")
	} else {
		a.logger.Warn().Msg("No reasoning API key configured, using the keyword classifier")
	}
	reasoner := reasoning.NewStrategy(primary, a.cfg.Reasoning.Timeout, a.logger)

	e, err := engine.New(engine.Options{
		Store:     a.store,
		Telemetry: a.tel,
		Reasoner:  reasoner,
		Actions:   actions.DefaultRegistry(a.cfg.Actions.HandlerConfig(), a.logger),
		Guard:     guard,
		Notifier:  notifier,
		Config:    a.cfg.EngineConfig(),
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}

	a.guard = guard
	a.engine = e
	return nil
}

// Close stops the engine and releases the store and telemetry.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown(ctx))
	}
	errs = append(errs, a.store.Close(), a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}

// withApp opens the store, optionally builds the engine, runs fn and closes
// everything afterwards.
func withApp(cmd *cobra.Command, needEngine bool, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if cerr := a.Close(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if needEngine {
		if err := a.buildEngine(ctx, nil); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}
