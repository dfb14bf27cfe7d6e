package telemetry

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root service logger. Pipeline components receive
// zerolog.Logger values derived from it with Component.
type Logger struct {
	zlog   zerolog.Logger
	output io.Closer
}

// NewLogger builds the root logger from the logging configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	zlog := zctx.Logger()

	// Sampling keeps bursts of per-tick debug lines from flooding the output.
	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}

	return &Logger{zlog: zlog, output: closer}, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}

// Zerolog returns the root zerolog.Logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.output == nil {
		return nil
	}
	return l.output.Close()
}

// ForSignal tags logger with a signal and the subject it concerns.
func ForSignal(logger zerolog.Logger, signalID, subjectID string) zerolog.Logger {
	return logger.With().Str("signal_id", signalID).Str("subject_id", subjectID).Logger()
}

// ForWorkflow tags logger with a workflow and the issue it remediates.
func ForWorkflow(logger zerolog.Logger, workflowID, issueID string) zerolog.Logger {
	return logger.With().Str("workflow_id", workflowID).Str("issue_id", issueID).Logger()
}

// ForStep tags logger with the step being executed.
func ForStep(logger zerolog.Logger, stepID int, actionType string) zerolog.Logger {
	return logger.With().Int("step_id", stepID).Str("action_type", actionType).Logger()
}
