package engine

import "time"

// Config holds the tunables of the pipeline.
type Config struct {
	// LoopInterval is the delay between control loop ticks.
	LoopInterval time.Duration `json:"loop_interval"`

	// PatternWindow bounds how far back pattern detection looks.
	PatternWindow time.Duration `json:"pattern_window"`

	// MinPatternCount is the minimum cluster size for a pattern.
	MinPatternCount int `json:"min_pattern_count"`

	// MaxClustersPerTick caps how many clusters one tick analyzes.
	MaxClustersPerTick int `json:"max_clusters_per_tick"`

	// FallbackBatch is how many recent signals are grouped when no pattern
	// qualifies.
	FallbackBatch int `json:"fallback_batch"`

	// ApprovedSweepLimit caps how many approved workflows one tick starts.
	ApprovedSweepLimit int `json:"approved_sweep_limit"`

	// Workers is the number of concurrent workflow executions.
	Workers int `json:"workers"`

	// QueueSize bounds the execution queue.
	QueueSize int `json:"queue_size"`

	// Approval is the approval gate policy.
	Approval ApprovalPolicy `json:"approval"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		LoopInterval:       5 * time.Second,
		PatternWindow:      time.Hour,
		MinPatternCount:    2,
		MaxClustersPerTick: 5,
		FallbackBatch:      10,
		ApprovedSweepLimit: 10,
		Workers:            4,
		QueueSize:          64,
		Approval:           DefaultApprovalPolicy(),
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LoopInterval <= 0 {
		c.LoopInterval = d.LoopInterval
	}
	if c.PatternWindow <= 0 {
		c.PatternWindow = d.PatternWindow
	}
	if c.MinPatternCount <= 0 {
		c.MinPatternCount = d.MinPatternCount
	}
	if c.MaxClustersPerTick <= 0 {
		c.MaxClustersPerTick = d.MaxClustersPerTick
	}
	if c.FallbackBatch <= 0 {
		c.FallbackBatch = d.FallbackBatch
	}
	if c.ApprovedSweepLimit <= 0 {
		c.ApprovedSweepLimit = d.ApprovedSweepLimit
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Approval == (ApprovalPolicy{}) {
		c.Approval = d.Approval
	}
	return c
}
