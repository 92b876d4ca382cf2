package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/nova-corefabric/corefabric/pkg/cache"
	cachememory "github.com/nova-corefabric/corefabric/pkg/cache/adapters/memory"
	"github.com/nova-corefabric/corefabric/pkg/events"
	eventsmemory "github.com/nova-corefabric/corefabric/pkg/events/adapters/memory"
)

func eventWithNotice(namespace string) events.Event {
	return events.Event{
		Type:      "ingest.flushed",
		Source:    "ingest",
		Timestamp: time.Now(),
		Payload:   cache.InvalidationNotice{Namespace: namespace, Reason: "ingest_flush"},
	}
}

type profile struct {
	Name string
}

func newFabric(t *testing.T, bus *eventsmemory.Bus) *cache.Fabric {
	t.Helper()
	f, err := cache.NewFabric(context.Background(), cache.FabricConfig{
		L1Capacity: 100,
		L1TTL:      time.Minute,
		DefaultTTL: time.Minute,
	}, cachememory.New(), bus)
	if err != nil {
		t.Fatalf("NewFabric: %v", err)
	}
	return f
}

func TestFabricGetSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFabric(t, eventsmemory.New())
	fp := cache.Fingerprint{Namespace: "users", Entity: "profile", VersionKey: "u1"}

	if ok, err := f.Get(ctx, fp, &profile{}); err != nil || ok {
		t.Fatalf("expected a miss before any Set, got ok=%v err=%v", ok, err)
	}

	if err := f.Set(ctx, fp, profile{Name: "ada"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got profile
	ok, err := f.Get(ctx, fp, &got)
	if err != nil || !ok {
		t.Fatalf("expected a hit after Set, got ok=%v err=%v", ok, err)
	}
	if got.Name != "ada" {
		t.Fatalf("expected name ada, got %q", got.Name)
	}
}

// TestFabricInvalidateBumpsGenerationNotBareEviction implements invariant
// #5: invalidation advances a namespace's generation rather than leaving a
// stale L1 entry servable, and the bump is monotonic even if applied twice.
func TestFabricInvalidateBumpsGenerationNotBareEviction(t *testing.T) {
	ctx := context.Background()
	bus := eventsmemory.New()
	f := newFabric(t, bus)
	fp := cache.Fingerprint{Namespace: "users", Entity: "profile", VersionKey: "u1"}

	if err := f.Set(ctx, fp, profile{Name: "ada"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, _ := f.Get(ctx, fp, &profile{}); !ok {
		t.Fatalf("expected a hit before invalidation")
	}

	if err := f.Invalidate(ctx, fp.Namespace, []string{fp.String()}, "profile_updated"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	ok, err := f.Get(ctx, fp, &profile{})
	if err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if ok {
		t.Fatalf("expected a miss immediately after invalidation, L1 must not serve a stale generation")
	}
}

// TestFabricCrossReplicaInvalidationPropagates verifies that two Fabrics
// sharing an L2 and bus converge: a write and invalidation on one is
// observed by the other via the bus, never via bare L1 eviction.
func TestFabricCrossReplicaInvalidationPropagates(t *testing.T) {
	ctx := context.Background()
	bus := eventsmemory.New()
	l2 := cachememory.New()

	a, err := cache.NewFabric(ctx, cache.FabricConfig{L1Capacity: 100, L1TTL: time.Minute, DefaultTTL: time.Minute}, l2, bus)
	if err != nil {
		t.Fatalf("NewFabric a: %v", err)
	}
	b, err := cache.NewFabric(ctx, cache.FabricConfig{L1Capacity: 100, L1TTL: time.Minute, DefaultTTL: time.Minute}, l2, bus)
	if err != nil {
		t.Fatalf("NewFabric b: %v", err)
	}

	fp := cache.Fingerprint{Namespace: "users", Entity: "profile", VersionKey: "u1"}
	if err := a.Set(ctx, fp, profile{Name: "ada"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, _ := b.Get(ctx, fp, &profile{}); !ok {
		t.Fatalf("expected replica b to read through to shared L2")
	}

	if err := a.Invalidate(ctx, fp.Namespace, []string{fp.String()}, "profile_updated"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	ok, err := b.Get(ctx, fp, &profile{})
	if err != nil {
		t.Fatalf("Get on b after a's invalidate: %v", err)
	}
	if ok {
		t.Fatalf("replica b must honor replica a's generation bump, not serve a stale L1 hit")
	}
}

// TestFabricIngestStyleInvalidationBumpsRelatively verifies an externally
// published InvalidationNotice with no Generation set (as the ingest
// pipeline publishes) still advances the namespace generation rather than
// being ignored or treated as a bare eviction.
func TestFabricIngestStyleInvalidationBumpsRelatively(t *testing.T) {
	ctx := context.Background()
	bus := eventsmemory.New()
	f := newFabric(t, bus)
	fp := cache.Fingerprint{Namespace: "balances", Entity: "row", VersionKey: "acct-1"}

	if err := f.Set(ctx, fp, profile{Name: "before"}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := bus.Publish(ctx, "invalidate", eventWithNotice(fp.Namespace)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ok, err := f.Get(ctx, fp, &profile{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected the externally-published notice to invalidate the namespace")
	}
}
