// Package outbox implements the transactional outbox pattern: a durable,
// per-aggregate ordered append log co-located with a service's primary
// store, drained at-least-once to a message broker.
package outbox

import (
	"context"
	"time"
)

// State is the publish lifecycle of an outbox entry.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StatePublished State = "published"
)

// Entry is a single outbox row.
type Entry struct {
	Sequence    int64             `gorm:"primaryKey;autoIncrement"`
	AggregateID string            `gorm:"index:idx_aggregate_version,priority:1"`
	EventType   string
	Version     int64 `gorm:"index:idx_aggregate_version,priority:2"`
	Payload     []byte
	Metadata    map[string]string `gorm:"serializer:json"`
	CreatedAt   time.Time
	State       State `gorm:"index"`
	LeaseUntil  *time.Time
	PublishedAt *time.Time
}

func (Entry) TableName() string { return "outbox_entries" }

// NewEvent is the caller-supplied payload for one event to append.
type NewEvent struct {
	EventType string
	Payload   []byte
	Metadata  map[string]string
}

// Config configures the outbox store and publisher.
type Config struct {
	BatchSize         int           `env:"OUTBOX_BATCH_SIZE" env-default:"100"`
	FlushInterval     time.Duration `env:"OUTBOX_FLUSH_INTERVAL" env-default:"500ms"`
	LeaseDuration     time.Duration `env:"OUTBOX_LEASE_DURATION" env-default:"30s"`
	MaxRetries        int           `env:"OUTBOX_MAX_RETRIES" env-default:"5"`
	BacklogHighWater  int64         `env:"OUTBOX_BACKLOG_HIGH_WATER" env-default:"100000"`
	RetentionGrace    time.Duration `env:"OUTBOX_RETENTION_GRACE" env-default:"24h"`
}

// Store is the persistence contract for the outbox: appending within a
// caller-supplied transaction, and serving the publisher's drain/retention
// loops.
type Store interface {
	// Append creates len(events) new entries for aggregateID, versioned
	// expectedVersion+1..+N, failing ConcurrencyConflict if the aggregate's
	// current max version does not equal expectedVersion. Must run inside
	// the transaction identified by tx (an opaque handle from the caller's
	// own transactional scope).
	Append(ctx context.Context, tx interface{}, aggregateID string, expectedVersion int64, events []NewEvent) error

	// CurrentVersion returns the highest version recorded for aggregateID,
	// or 0 if none exists.
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)

	// LeaseBatch selects up to limit pending entries ordered by
	// (aggregate_id, version), marks them in_flight with the given lease
	// expiry, and returns them.
	LeaseBatch(ctx context.Context, limit int, leaseUntil time.Time) ([]Entry, error)

	// MarkPublished transitions entries to published.
	MarkPublished(ctx context.Context, sequences []int64) error

	// ReleaseExpiredLeases returns in_flight entries whose lease has
	// elapsed back to pending, for redrive.
	ReleaseExpiredLeases(ctx context.Context) (int, error)

	// DeletePublishedBefore removes published entries older than cutoff.
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// BacklogSize returns the count of pending+in_flight entries, used to
	// enforce the backpressure high-water mark.
	BacklogSize(ctx context.Context) (int64, error)
}
