package ingest

import (
	"context"
	"fmt"

	"github.com/nova-corefabric/corefabric/pkg/cache"
	"github.com/nova-corefabric/corefabric/pkg/errors"
)

// Deduper identifies already-processed records by a stable key, backed by a
// distributed cache with a short TTL. A key already present means an exact
// duplicate; the cache's own eviction is what bounds memory.
type Deduper struct {
	cache cache.Cache
	ttl   Config
}

func NewDeduper(c cache.Cache, cfg Config) *Deduper {
	return &Deduper{cache: c, ttl: cfg}
}

// CDCKey is the stable dedup key for a CDC record: the combination of
// source, primary key, timestamp and operation — not the row content,
// since the same logical change may be redelivered verbatim.
func CDCKey(r CDCRecord) string {
	return fmt.Sprintf("cdc:%s.%s:%s:%d:%s", r.Source.DB, r.Source.Table, r.PrimaryKey, r.TsMs, r.Operation)
}

// DomainKey is the stable dedup key for a domain event.
func DomainKey(e DomainEvent) string {
	return "event:" + e.EventID
}

// SeenOrMark returns true if key was already recorded (a duplicate),
// otherwise records it and returns false.
func (d *Deduper) SeenOrMark(ctx context.Context, key string) (bool, error) {
	var marker bool
	err := d.cache.Get(ctx, key, &marker)
	if err == nil {
		return true, nil
	}
	if errors.CodeOf(err) != errors.CodeNotFound {
		// Dedup cache unavailable: fail open rather than drop a genuine
		// retry, per the "must not drop genuine retries" invariant.
		return false, err
	}

	if err := d.cache.Set(ctx, key, true, d.ttl.DedupTTL); err != nil {
		return false, err
	}
	return false, nil
}
