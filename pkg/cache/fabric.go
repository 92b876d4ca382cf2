package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/datastructures/lru"
	"github.com/nova-corefabric/corefabric/pkg/errors"
	"github.com/nova-corefabric/corefabric/pkg/events"
	"github.com/nova-corefabric/corefabric/pkg/logger"
)

// Fingerprint is the stable cache key: namespace + entity + a discriminator
// that changes whenever the underlying value does (e.g. a row version).
type Fingerprint struct {
	Namespace  string
	Entity     string
	VersionKey string
}

func (f Fingerprint) String() string {
	return f.Namespace + ":" + f.Entity + ":" + f.VersionKey
}

type l1Entry struct {
	payload    []byte
	generation uint64
	expiresAt  time.Time
}

// InvalidationNotice is published on the bus whenever a namespace's
// generation advances.
type InvalidationNotice struct {
	Namespace  string   `json:"namespace"`
	Keys       []string `json:"keys,omitempty"`
	Reason     string   `json:"reason"`
	Generation uint64   `json:"generation"`
}

const invalidationTopicPrefix = "invalidate."

// FabricConfig configures the multi-tier cache.
type FabricConfig struct {
	L1Capacity int           `env:"CACHE_L1_CAPACITY" env-default:"10000"`
	L1TTL      time.Duration `env:"CACHE_L1_TTL" env-default:"30s"`
	DefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL" env-default:"5m"`
}

// Fabric composes an in-process L1, a shared L2 and an invalidation bus into
// the coherent multi-tier cache described by the cache fabric contract: L1
// generation never exceeds L2 generation, and invalidation bumps a
// namespace's generation rather than evicting outright.
type Fabric struct {
	cfg FabricConfig
	l1  *lru.Cache[string, l1Entry]
	l2  Cache
	bus events.Bus

	mu          sync.RWMutex
	generations map[string]uint64 // namespace -> locally-known generation

	stats *Stats
}

// NewFabric wires an L1/L2/bus triple into a Fabric and subscribes to the
// invalidation bus immediately, per the "subscribe at startup" contract.
func NewFabric(ctx context.Context, cfg FabricConfig, l2 Cache, bus events.Bus) (*Fabric, error) {
	f := &Fabric{
		cfg:         cfg,
		l1:          lru.New[string, l1Entry](cfg.L1Capacity),
		l2:          l2,
		bus:         bus,
		generations: make(map[string]uint64),
		stats:       newStats(),
	}

	if err := bus.Subscribe(ctx, "invalidate", func(ctx context.Context, e events.Event) error {
		notice, ok := e.Payload.(InvalidationNotice)
		if !ok {
			return nil
		}
		if notice.Generation > 0 {
			// Authoritative generation from a fellow Fabric's own Invalidate.
			f.applyGenerationBump(notice.Namespace, notice.Generation)
		} else {
			// Relative bump from an external publisher (e.g. the ingest
			// pipeline) that has no notion of the fabric's generation
			// counter — still a bump, never a bare eviction.
			f.bumpGeneration(notice.Namespace)
		}
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "subscribe to invalidation bus")
	}

	return f, nil
}

func (f *Fabric) localGeneration(namespace string) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.generations[namespace]
}

func (f *Fabric) applyGenerationBump(namespace string, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen > f.generations[namespace] {
		f.generations[namespace] = gen
	}
}

func (f *Fabric) bumpGeneration(namespace string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generations[namespace]++
}

// Get returns the payload for fp, consulting L1 then L2. A hit at either
// tier only counts if its generation is at least the namespace's locally
// known generation, preserving the monotonicity contract.
func (f *Fabric) Get(ctx context.Context, fp Fingerprint, dest interface{}) (bool, error) {
	start := time.Now()
	defer func() { f.stats.observeLatency(time.Since(start)) }()

	known := f.localGeneration(fp.Namespace)
	key := fp.String()

	if ent, ok := f.l1.Get(key); ok {
		if ent.generation >= known && time.Now().Before(ent.expiresAt) {
			f.stats.hit()
			return true, json.Unmarshal(ent.payload, dest)
		}
	}

	var l2Entry CacheEntry
	err := f.l2.Get(ctx, key, &l2Entry)
	if errors.Is(err, ErrKeyNotFound) || errors.CodeOf(err) == errors.CodeNotFound {
		f.stats.miss()
		return false, nil
	}
	if err != nil {
		logger.L().WarnContext(ctx, "cache fabric L2 unavailable, falling through", "error", err)
		f.stats.miss()
		return false, nil
	}

	if l2Entry.Generation < known {
		f.stats.miss()
		return false, nil
	}
	f.l1.Set(key, l1Entry{
		payload:    l2Entry.Payload,
		generation: l2Entry.Generation,
		expiresAt:  time.Now().Add(f.cfg.L1TTL),
	})
	f.stats.hit()
	return true, json.Unmarshal(l2Entry.Payload, dest)
}

// Set writes L2 first, then L1, per the write-through contract.
func (f *Fabric) Set(ctx context.Context, fp Fingerprint, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = f.cfg.DefaultTTL
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "marshal cache value")
	}

	gen := f.localGeneration(fp.Namespace)
	entry := CacheEntry{Payload: payload, TTL: ttl, Generation: gen}

	if err := f.l2.Set(ctx, fp.String(), entry, ttl); err != nil {
		logger.L().WarnContext(ctx, "cache fabric L2 set failed, L1 still updated", "error", err)
	}

	f.l1.Set(fp.String(), l1Entry{payload: payload, generation: gen, expiresAt: time.Now().Add(f.cfg.L1TTL)})
	return nil
}

// Invalidate deletes keys from L2 and bumps the namespace generation,
// publishing a notice so every subscribed process advances its own view
// without an explicit eviction round-trip.
func (f *Fabric) Invalidate(ctx context.Context, namespace string, keys []string, reason string) error {
	for _, k := range keys {
		if err := f.l2.Delete(ctx, k); err != nil {
			logger.L().WarnContext(ctx, "cache fabric L2 delete failed during invalidation", "key", k, "error", err)
		}
	}

	f.mu.Lock()
	f.generations[namespace]++
	gen := f.generations[namespace]
	f.mu.Unlock()

	f.stats.invalidation()

	notice := InvalidationNotice{Namespace: namespace, Keys: keys, Reason: reason, Generation: gen}
	if err := f.bus.Publish(ctx, "invalidate", events.Event{
		Type:      "cache.invalidate",
		Source:    "cache-fabric",
		Timestamp: time.Now(),
		Payload:   notice,
	}); err != nil {
		logger.L().WarnContext(ctx, "cache fabric could not publish invalidation notice", "error", err)
	}
	return nil
}

// CacheEntry is the L2-serialized form of a fabric value.
type CacheEntry struct {
	Payload    []byte        `json:"payload"`
	TTL        time.Duration `json:"ttl"`
	Generation uint64        `json:"generation"`
}

// Stats returns a snapshot of the fabric's hit/miss/latency/invalidation
// counters.
func (f *Fabric) Stats() StatsSnapshot {
	return f.stats.snapshot()
}
