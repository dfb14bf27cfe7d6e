package reasoning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
)

// Analyzer is the primary reasoning collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, signalContext string) (*Draft, error)
}

// Strategy calls the primary analyzer under a timeout and falls back to
// Classify on any failure.
type Strategy struct {
	primary Analyzer
	timeout time.Duration
	logger  zerolog.Logger
}

// NewStrategy creates a two-stage reasoning strategy. A nil primary means
// every cluster is classified by the fallback.
func NewStrategy(primary Analyzer, timeout time.Duration, logger zerolog.Logger) *Strategy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Strategy{
		primary: primary,
		timeout: timeout,
		logger:  logger.With().Str("component", "reasoning").Logger(),
	}
}

// Reason analyzes a cluster. It fails only for an empty cluster.
func (s *Strategy) Reason(ctx context.Context, signals []*models.Signal) (*Result, error) {
	if len(signals) == 0 {
		return nil, fmt.Errorf("no signals to analyze")
	}

	signalContext := FormatSignals(signals)

	if s.primary != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		draft, err := s.primary.Analyze(callCtx, signalContext)
		cancel()

		if err == nil {
			return &Result{Draft: *draft, Source: SourceRemote}, nil
		}

		if errors.Is(err, ErrNoAPIKey) {
			s.logger.Debug().Msg("No reasoning engine configured, using fallback analysis")
		} else {
			s.logger.Warn().Err(err).Int("signals", len(signals)).Msg("Reasoning engine failed, using fallback analysis")
		}
	}

	return &Result{Draft: Classify(signalContext), Source: SourceFallback}, nil
}
