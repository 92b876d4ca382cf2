package ingest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/cache"
	"github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/events"
	"github.com/nova-corefabric/corefabric/pkg/logger"
	"github.com/nova-corefabric/corefabric/pkg/messaging"
	"github.com/nova-corefabric/corefabric/pkg/resilience"
)

// Batcher groups records per destination table and flushes each group when
// it reaches Config.BatchSize or Config.BatchFlushInterval elapses,
// whichever comes first. A failed flush is retried with jittered
// exponential backoff, for at most Config.MaxRetries write attempts in all
// (the first one included), after which the batch is
// dead-lettered with its original payloads, the error class, and the
// retry count.
type Batcher struct {
	cfg    Config
	writer AnalyticsWriter
	dlq    messaging.Producer
	bus    events.Bus
	retry  resilience.RetryConfig

	mu      sync.Mutex
	groups  map[string][]Record
	lastFlush time.Time

	stats BatchStats
}

// BatchStats are the Batcher's running counters. Flushed and DeadLettered
// are updated on each flush; nothing in this package increments
// Duplicates, and Batcher has no method that returns the counters.
type BatchStats struct {
	mu            sync.Mutex
	Flushed       int64
	DeadLettered  int64
	Duplicates    int64
}

func (s *BatchStats) addFlushed(n int64) {
	s.mu.Lock()
	s.Flushed += n
	s.mu.Unlock()
}
func (s *BatchStats) addDeadLettered(n int64) {
	s.mu.Lock()
	s.DeadLettered += n
	s.mu.Unlock()
}
func (s *BatchStats) addDuplicate() {
	s.mu.Lock()
	s.Duplicates++
	s.mu.Unlock()
}

// NewBatcher constructs a Batcher. bus is used to publish invalidation
// notices for successfully written tables; dlq is used for retry-exhausted
// batches.
func NewBatcher(cfg Config, writer AnalyticsWriter, dlq messaging.Producer, bus events.Bus) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}

	return &Batcher{
		cfg:       cfg,
		writer:    writer,
		dlq:       dlq,
		bus:       bus,
		retry:     retry,
		groups:    make(map[string][]Record),
		lastFlush: time.Now(),
	}
}

// Add appends r to its destination table's pending group, flushing
// immediately if the group has reached Config.BatchSize.
func (b *Batcher) Add(ctx context.Context, r Record) error {
	b.mu.Lock()
	b.groups[r.Table] = append(b.groups[r.Table], r)
	full := len(b.groups[r.Table]) >= b.cfg.BatchSize
	var toFlush []Record
	if full {
		toFlush = b.groups[r.Table]
		delete(b.groups, r.Table)
	}
	b.mu.Unlock()

	if full {
		return b.flushGroup(ctx, r.Table, toFlush)
	}
	return nil
}

// FlushDue flushes every group whose flush interval has elapsed, regardless
// of size. Intended to be called on a timer.
func (b *Batcher) FlushDue(ctx context.Context) error {
	b.mu.Lock()
	if time.Since(b.lastFlush) < b.cfg.BatchFlushInterval {
		b.mu.Unlock()
		return nil
	}
	pending := b.groups
	b.groups = make(map[string][]Record)
	b.lastFlush = time.Now()
	b.mu.Unlock()

	var firstErr error
	for table, records := range pending {
		if len(records) == 0 {
			continue
		}
		if err := b.flushGroup(ctx, table, records); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Batcher) flushGroup(ctx context.Context, table string, records []Record) error {
	attempt := 0
	err := resilience.Retry(ctx, b.retry, func(ctx context.Context) error {
		attempt++
		return b.writer.WriteBatch(ctx, table, records)
	})

	if err != nil {
		b.stats.addDeadLettered(int64(len(records)))
		logger.L().ErrorContext(ctx, "ingest batch exhausted retries, dead-lettering",
			"table", table, "count", len(records), "attempts", attempt, "error", err)
		return b.deadLetter(ctx, table, records, err, attempt)
	}

	b.stats.addFlushed(int64(len(records)))

	if b.bus != nil {
		keys := make([]string, 0, len(records))
		for _, r := range records {
			keys = append(keys, r.DedupKey)
		}
		_ = b.bus.Publish(ctx, "invalidate", events.Event{
			Type:      "ingest.flushed",
			Source:    "ingest",
			Timestamp: time.Now(),
			Payload:   cache.InvalidationNotice{Namespace: table, Keys: keys, Reason: "ingest_flush"},
		})
	}
	return nil
}

func (b *Batcher) deadLetter(ctx context.Context, table string, records []Record, cause error, attempts int) error {
	if b.dlq == nil {
		return errors.Wrap(cause, "ingest batch failed and no DLQ producer configured")
	}
	for _, r := range records {
		msg := &messaging.Message{
			Topic:   b.cfg.DLQTopic,
			Payload: r.Payload,
			Headers: map[string]string{
				"table":       table,
				"operation":   string(r.Operation),
				"error_class": string(errors.CodeOf(cause)),
				"attempts":    strconv.Itoa(attempts),
			},
		}
		if err := b.dlq.Publish(ctx, msg); err != nil {
			return errors.Wrap(err, "publish to dead-letter queue")
		}
	}
	return nil
}
