package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/selfheal/selfheal/cmd/selfheal/commands"
)

// Build metadata, injected with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	initGlobalLogger(os.Getenv("LOG_LEVEL"))

	// First SIGINT/SIGTERM cancels ctx so serve and the loop drain
	// gracefully; a second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stop()
			log.Info().Msg("Shutdown requested, press Ctrl+C again to force")
		case <-done:
		}
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	close(done)
	stop()
	if err != nil {
		log.Error().Err(err).Msg("selfheal failed")
		os.Exit(1)
	}
}

// initGlobalLogger sets up the package-level logger used before the
// configuration is loaded. Unknown levels fall back to info.
func initGlobalLogger(level string) {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
