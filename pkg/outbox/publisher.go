package outbox

import (
	"context"
	"strconv"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/concurrency/distlock"
	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/logger"
	"github.com/nova-corefabric/corefabric/pkg/messaging"
)

// Publisher drains pending entries to a broker topic in per-aggregate
// order, leasing batches so only one replica drains a given batch at a
// time, and marking entries published on broker acknowledgement.
type Publisher struct {
	store    Store
	producer messaging.Producer
	locker   distlock.Locker
	cfg      Config

	lockKey string
}

// NewPublisher wires a Store to a broker producer. lockKey scopes the
// distributed drain lease so at most one process across replicas drains a
// batch concurrently; pass "" to disable cross-process leasing (safe for a
// single-replica deployment or tests).
func NewPublisher(store Store, producer messaging.Producer, locker distlock.Locker, cfg Config, lockKey string) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	return &Publisher{store: store, producer: producer, locker: locker, cfg: cfg, lockKey: lockKey}
}

// DrainBatch leases up to Config.BatchSize pending entries, publishes them
// to the broker in order (keyed by aggregate id to preserve per-aggregate
// ordering at the partition level), and marks successes published. It
// returns the number of entries published.
func (p *Publisher) DrainBatch(ctx context.Context) (int, error) {
	if p.locker != nil && p.lockKey != "" {
		lock := p.locker.NewLock(p.lockKey, p.cfg.LeaseDuration)
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return 0, apperrors.Wrap(err, "acquire outbox drain lease")
		}
		if !acquired {
			return 0, nil
		}
		defer lock.Release(ctx)
	}

	entries, err := p.store.LeaseBatch(ctx, p.cfg.BatchSize, time.Now().Add(p.cfg.LeaseDuration))
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var published []int64
	for _, e := range entries {
		msg := &messaging.Message{
			Key:     []byte(e.AggregateID),
			Payload: e.Payload,
			Headers: map[string]string{
				"event_type":   e.EventType,
				"aggregate_id": e.AggregateID,
				"version":      versionString(e.Version),
			},
		}
		if err := p.producer.Publish(ctx, msg); err != nil {
			logger.L().ErrorContext(ctx, "outbox publish failed, entry stays leased until expiry",
				"aggregate_id", e.AggregateID, "version", e.Version, "error", err)
			continue
		}
		published = append(published, e.Sequence)
	}

	if len(published) == 0 {
		return 0, nil
	}
	if err := p.store.MarkPublished(ctx, published); err != nil {
		return 0, err
	}
	return len(published), nil
}

// Run drives DrainBatch on a fixed interval and periodically reclaims
// expired leases, until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	interval := p.cfg.FlushInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reclaimTicker := time.NewTicker(p.cfg.LeaseDuration)
	defer reclaimTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaimTicker.C:
			if n, err := p.store.ReleaseExpiredLeases(ctx); err != nil {
				logger.L().ErrorContext(ctx, "outbox lease reclaim failed", "error", err)
			} else if n > 0 {
				logger.L().InfoContext(ctx, "outbox leases reclaimed", "count", n)
			}
		case <-ticker.C:
			if _, err := p.DrainBatch(ctx); err != nil {
				logger.L().ErrorContext(ctx, "outbox drain batch failed", "error", err)
			}
		}
	}
}

// CheckBacklog returns BackpressureFull if the pending+in_flight backlog
// reaches or exceeds Config.BacklogHighWater, for Append callers to consult before
// writing.
func (p *Publisher) CheckBacklog(ctx context.Context) error {
	if p.cfg.BacklogHighWater <= 0 {
		return nil
	}
	size, err := p.store.BacklogSize(ctx)
	if err != nil {
		return err
	}
	if size >= p.cfg.BacklogHighWater {
		return apperrors.New("BACKPRESSURE_FULL", "outbox backlog exceeds high-water mark", nil)
	}
	return nil
}

// Retention deletes published entries older than Config.RetentionGrace.
// Intended to run on a long, infrequent interval (hours).
func (p *Publisher) Retention(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-p.cfg.RetentionGrace)
	n, err := p.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.L().InfoContext(ctx, "outbox retention deleted published entries", "count", n)
	}
	return n, nil
}

func versionString(v int64) string {
	return strconv.FormatInt(v, 10)
}
