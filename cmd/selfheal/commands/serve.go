package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/selfheal/selfheal/pkg/api"
	"github.com/selfheal/selfheal/pkg/notify"
	"github.com/selfheal/selfheal/pkg/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(version string) *cobra.Command {
	var noLoop bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the control loop",
		Long: `Run the HTTP API, the websocket notification hub and the control loop.

On start the store is migrated and workflows left running by a previous
process are paused for review. SIGINT or SIGTERM stops the loop, drains
in-flight executions and shuts the server down.`,
		Example: `  # Serve with selfheal.yaml from the working directory
  selfheal serve

  # Serve on another port without starting the loop
  SELFHEAL_SERVER_LISTEN=:9000 selfheal serve --no-loop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), version, noLoop)
		},
	}

	cmd.Flags().BoolVar(&noLoop, "no-loop", false, "do not start the control loop automatically")

	return cmd
}

// streamedEvents are the pipeline events forwarded to websocket observers
// in addition to the loop's issue/workflow messages.
var streamedEvents = []string{
	telemetry.EventTypeStepCompleted,
	telemetry.EventTypeStepFailed,
	telemetry.EventTypePolicyViolation,
	telemetry.EventTypeWorkflowPaused,
	telemetry.EventTypeWorkflowRollback,
	telemetry.EventTypeLoopStatus,
}

func runServe(ctx context.Context, version string, noLoop bool) (err error) {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	cfg := a.cfg
	logger := a.logger

	hub := notify.NewHub(logger, cfg.Server.AllowedOrigins...)
	notifiers := notify.Multi{hub}

	var redisNotifier *notify.RedisNotifier
	if cfg.Notify.RedisURL != "" {
		redisNotifier, err = notify.NewRedisNotifier(ctx, cfg.Notify.RedisURL, cfg.Notify.RedisChannel, logger)
		if err != nil {
			_ = a.Close(context.Background())
			return err
		}
		notifiers = append(notifiers, redisNotifier)
		logger.Info().Str("channel", redisNotifier.Channel()).Msg("Publishing notifications to Redis")
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		hub.Close()
		if redisNotifier != nil {
			_ = redisNotifier.Close()
		}
		if cerr := a.Close(shutdownCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := a.buildEngine(ctx, notifiers); err != nil {
		return err
	}
	a.tel.Events.Subscribe(hub.ForwardEvent, telemetry.FilterByType(streamedEvents...))

	if n, err := a.engine.Loop.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover workflows: %w", err)
	} else if n > 0 {
		logger.Warn().Int("workflows", n).Msg("Paused workflows interrupted by a previous shutdown")
	}

	if err := a.tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	handler, err := api.New(ctx, api.Config{
		Engine:       a.engine,
		Store:        a.store,
		Hub:          hub,
		Metrics:      a.tel.Metrics,
		BasePath:     cfg.Server.BasePath,
		Auth:         api.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
		WebhookRPS:   cfg.Server.WebhookRPS,
		WebhookBurst: cfg.Server.WebhookBurst,
		Version:      version,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Policy.Watch && len(cfg.Policy.Dirs) > 0 {
		if err := a.guard.WatchPolicies(gctx, cfg.Policy.Dirs); err != nil {
			return fmt.Errorf("failed to watch policies: %w", err)
		}
	}

	if cfg.Agent.AutoStart && !noLoop {
		if err := a.engine.Loop.Start(); err != nil {
			return err
		}
	}

	g.Go(func() error {
		logger.Info().
			Str("listen", cfg.Server.Listen).
			Str("base_path", cfg.Server.BasePath).
			Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
