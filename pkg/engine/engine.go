package engine

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/selfheal/selfheal/pkg/telemetry"
)

// Options configures New.
type Options struct {
	Store     stores.Store
	Telemetry *telemetry.Telemetry
	Reasoner  Reasoner
	Actions   ActionDispatcher
	Guard     StepGuard

	// Notifier is optional.
	Notifier Notifier

	// Templates defaults to the built-in category templates.
	Templates TemplateSelector

	Config Config
	Logger zerolog.Logger
}

// Engine bundles the pipeline components over one store.
type Engine struct {
	Ingestor  *Ingestor
	Grouper   *Grouper
	Gateway   *Gateway
	Decider   *Decider
	Executor  *Executor
	Workflows *Workflows
	Pool      *Pool
	Loop      *Loop

	config Config
	store  stores.Store
}

// New wires the pipeline components together and starts the execution
// pool workers. Call Shutdown to stop them.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if opts.Reasoner == nil {
		return nil, errors.New("engine: reasoner is required")
	}
	if opts.Actions == nil {
		return nil, errors.New("engine: action dispatcher is required")
	}
	if opts.Guard == nil {
		return nil, errors.New("engine: step guard is required")
	}

	cfg := opts.Config.withDefaults()
	if err := cfg.Approval.Validate(); err != nil {
		return nil, err
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	logger := opts.Logger

	e := &Engine{config: cfg, store: opts.Store}
	e.Ingestor = NewIngestor(opts.Store, tel, logger)
	e.Grouper = NewGrouper(opts.Store, cfg, logger)
	e.Gateway = NewGateway(opts.Store, opts.Reasoner, tel, logger)
	e.Decider = NewDecider(opts.Store, opts.Templates, cfg.Approval, tel, logger)
	e.Executor = NewExecutor(opts.Store, opts.Actions, opts.Guard, tel, logger)
	e.Workflows = NewWorkflows(opts.Store, tel, logger)
	e.Pool = NewPool(cfg.Workers, cfg.QueueSize, e.Executor.Execute, tel.Metrics, logger)
	e.Loop = NewLoop(opts.Store, e.Grouper, e.Gateway, e.Decider, e.Pool, opts.Notifier, cfg, tel, logger)

	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Shutdown stops the control loop and drains the execution pool.
func (e *Engine) Shutdown(ctx context.Context) error {
	loopErr := e.Loop.Stop(ctx)
	poolErr := e.Pool.Shutdown(ctx)
	return errors.Join(loopErr, poolErr)
}
