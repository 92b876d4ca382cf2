// Package featurestore implements the feed engine's online feature store
// and its periodic warmer.
package featurestore

import (
	"context"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/cache"
	"github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/feed"
	"github.com/nova-corefabric/corefabric/pkg/logger"
)

const featureTTL = 7 * 24 * time.Hour

// Store is the online feature store: a cache.Cache namespaced under
// "features", keyed by subject id, with a fixed 7-day TTL.
type Store struct {
	cache cache.Cache
}

func NewStore(c cache.Cache) *Store {
	return &Store{cache: c}
}

func key(subjectID string) string { return "features:" + subjectID }

func (s *Store) Get(ctx context.Context, subjectID string) (feed.FeatureVector, bool, error) {
	var fv feed.FeatureVector
	err := s.cache.Get(ctx, key(subjectID), &fv)
	if err == nil {
		return fv, true, nil
	}
	if errors.CodeOf(err) == errors.CodeNotFound {
		return nil, false, nil
	}
	return nil, false, err
}

// Write is called only by the warmer; 7-day TTL is fixed, not
// caller-configurable, matching the spec's Feature Vector invariant.
func (s *Store) Write(ctx context.Context, subjectID string, fv feed.FeatureVector) error {
	return s.cache.Set(ctx, key(subjectID), fv, featureTTL)
}

// ActiveUsersSource supplies the warmer's input: the set of users whose
// features should be recomputed this cycle. Its own implementation (an
// analytics query, a sampled cohort, …) is an external collaborator.
type ActiveUsersSource interface {
	ActiveUsers(ctx context.Context) ([]string, error)
}

// FeatureComputer produces a subject's feature vector for the warmer to
// persist. Feature computation logic itself is out of this core's scope.
type FeatureComputer interface {
	Compute(ctx context.Context, subjectID string) (feed.FeatureVector, error)
}

// WarmerConfig tunes the periodic warming cycle.
type WarmerConfig struct {
	Interval        time.Duration `env:"FEATURE_WARMER_INTERVAL" env-default:"5m"`
	BatchSize       int           `env:"FEATURE_WARMER_BATCH_SIZE" env-default:"100"`
	InterBatchSleep time.Duration `env:"FEATURE_WARMER_INTER_BATCH_SLEEP" env-default:"250ms"`
}

// Warmer periodically recomputes and writes feature vectors for the
// active-user cohort, in bounded batches with a pause between batches to
// avoid spiking the store.
type Warmer struct {
	cfg      WarmerConfig
	store    *Store
	users    ActiveUsersSource
	computer FeatureComputer
}

func NewWarmer(cfg WarmerConfig, store *Store, users ActiveUsersSource, computer FeatureComputer) *Warmer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Warmer{cfg: cfg, store: store, users: users, computer: computer}
}

// Run blocks until ctx is cancelled, running one warming cycle
// immediately and then every cfg.Interval. A cycle error is logged and
// the warmer continues to the next cycle rather than exiting.
func (w *Warmer) Run(ctx context.Context) {
	w.runCycle(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runCycle(ctx)
		}
	}
}

func (w *Warmer) runCycle(ctx context.Context) {
	users, err := w.users.ActiveUsers(ctx)
	if err != nil {
		logger.L().ErrorContext(ctx, "feature warmer could not list active users", "error", err)
		return
	}

	for i := 0; i < len(users); i += w.cfg.BatchSize {
		if ctx.Err() != nil {
			return
		}
		end := i + w.cfg.BatchSize
		if end > len(users) {
			end = len(users)
		}
		w.warmBatch(ctx, users[i:end])

		if end < len(users) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.InterBatchSleep):
			}
		}
	}
}

func (w *Warmer) warmBatch(ctx context.Context, batch []string) {
	for _, subjectID := range batch {
		if ctx.Err() != nil {
			return
		}
		fv, err := w.computer.Compute(ctx, subjectID)
		if err != nil {
			logger.L().WarnContext(ctx, "feature warmer compute failed, skipping subject", "subject_id", subjectID, "error", err)
			continue
		}
		if err := w.store.Write(ctx, subjectID, fv); err != nil {
			logger.L().WarnContext(ctx, "feature warmer write failed", "subject_id", subjectID, "error", err)
		}
	}
}
