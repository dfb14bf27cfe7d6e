package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
)

// ClusterKey identifies a group of signals sharing type and subject.
type ClusterKey struct {
	Type      models.SignalType `json:"type"`
	SubjectID string            `json:"subject_id"`
}

// String renders the key as "type:subject".
func (k ClusterKey) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.SubjectID)
}

// Cluster is a group of signals analyzed as one unit.
type Cluster struct {
	Key       ClusterKey `json:"key"`
	SignalIDs []string   `json:"signal_ids"`
}

// Size returns the number of signals in the cluster.
func (c Cluster) Size() int {
	return len(c.SignalIDs)
}

// DetectPatterns groups the unprocessed signals observed within window
// before now by (type, subject) and keeps the groups with at least
// minCount members, largest first. Groups of equal size keep the order in
// which their first signal appears in the input.
func DetectPatterns(signals []*models.Signal, now time.Time, window time.Duration, minCount int) []Cluster {
	cutoff := now.Add(-window)

	recent := make([]*models.Signal, 0, len(signals))
	for _, s := range signals {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		recent = append(recent, s)
	}

	groups := GroupAll(recent)

	patterns := make([]Cluster, 0, len(groups))
	for _, g := range groups {
		if g.Size() >= minCount {
			patterns = append(patterns, g)
		}
	}

	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Size() > patterns[j].Size()
	})

	return patterns
}

// GroupAll groups every unprocessed signal by (type, subject) without a
// size filter, in order of first appearance.
func GroupAll(signals []*models.Signal) []Cluster {
	index := make(map[ClusterKey]int)
	clusters := make([]Cluster, 0)

	for _, s := range signals {
		if s.Processed {
			continue
		}
		key := ClusterKey{Type: s.Type, SubjectID: s.SubjectID}
		i, ok := index[key]
		if !ok {
			i = len(clusters)
			index[key] = i
			clusters = append(clusters, Cluster{Key: key})
		}
		clusters[i].SignalIDs = append(clusters[i].SignalIDs, s.ID)
	}

	return clusters
}

// Grouper reads unprocessed signals from the store and turns them into
// clusters for one tick.
type Grouper struct {
	store  stores.Repository
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewGrouper creates a pattern grouper.
func NewGrouper(store stores.Repository, cfg Config, logger zerolog.Logger) *Grouper {
	return &Grouper{
		store:  store,
		config: cfg.withDefaults(),
		logger: logger.With().Str("component", "grouper").Logger(),
		now:    time.Now,
	}
}

// Clusters returns at most MaxClustersPerTick clusters. Patterns are
// detected over every unprocessed signal in the window; if none qualifies,
// the newest FallbackBatch unprocessed signals are grouped without the size
// filter so isolated signals are never dropped.
func (g *Grouper) Clusters(ctx context.Context) ([]Cluster, error) {
	unprocessed := false
	now := g.now()
	since := now.Add(-g.config.PatternWindow)

	recent, err := g.store.ListSignals(ctx, stores.SignalFilter{
		Processed: &unprocessed,
		Since:     &since,
	})
	if err != nil {
		return nil, classifyStoreError(err, "detect_patterns", "")
	}

	clusters := DetectPatterns(recent, now, g.config.PatternWindow, g.config.MinPatternCount)
	if len(clusters) == 0 {
		batch, err := g.store.ListSignals(ctx, stores.SignalFilter{
			Processed: &unprocessed,
			Limit:     g.config.FallbackBatch,
		})
		if err != nil {
			return nil, classifyStoreError(err, "list_unprocessed", "")
		}
		clusters = GroupAll(batch)
		if len(clusters) > 0 {
			g.logger.Debug().Int("signals", len(batch)).Int("clusters", len(clusters)).
				Msg("No patterns detected, grouping individual signals")
		}
	}

	if len(clusters) > g.config.MaxClustersPerTick {
		clusters = clusters[:g.config.MaxClustersPerTick]
	}

	return clusters, nil
}

// Signals loads the signals of a cluster. Signals that were claimed since
// the snapshot was taken are skipped.
func (g *Grouper) Signals(ctx context.Context, c Cluster) ([]*models.Signal, error) {
	signals := make([]*models.Signal, 0, len(c.SignalIDs))
	for _, id := range c.SignalIDs {
		s, err := g.store.GetSignal(ctx, id)
		if err != nil {
			return nil, classifyStoreError(err, "load_cluster", id)
		}
		if s.Processed {
			continue
		}
		signals = append(signals, s)
	}
	return signals, nil
}
