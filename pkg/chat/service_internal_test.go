package chat

import (
	"context"
	"testing"
	"time"

	cachememory "github.com/nova-corefabric/corefabric/pkg/cache/adapters/memory"
	chatmemory "github.com/nova-corefabric/corefabric/pkg/chat/adapters/memory"
	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
	eventsmemory "github.com/nova-corefabric/corefabric/pkg/events/adapters/memory"
)

// invariant #12: a sender-initiated recall past recall_window is rejected;
// a moderator may recall at any time.
func TestRecallMessageWindowEnforcement(t *testing.T) {
	ctx := context.Background()
	store := chatmemory.New()
	bus := eventsmemory.New()
	cache := cachememory.New()
	defer cache.Close()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := NewService(store, bus, cache, Config{RecallWindow: time.Minute})
	svc.now = func() time.Time { return clock }

	name := "team"
	conv, err := svc.CreateConversation(ctx, "alice", KindGroup, &name, []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	msg, err := svc.SendMessage(ctx, conv.ID, "bob", []byte("ct"), []byte("n"), []byte("pk"), "idem-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	clock = clock.Add(2 * time.Minute)
	if err := svc.RecallMessage(ctx, conv.ID, msg.ID, "bob"); err == nil {
		t.Fatal("expected recall window expired for sender past window")
	} else if apperrors.CodeOf(err) != CodeRecallWindowExpired {
		t.Fatalf("expected CodeRecallWindowExpired, got %v", apperrors.CodeOf(err))
	}

	// alice is the group's owner (a moderator), so her recall of bob's
	// message succeeds even past the window.
	if err := svc.RecallMessage(ctx, conv.ID, msg.ID, "alice"); err != nil {
		t.Fatalf("expected owner to recall past window, got: %v", err)
	}
}

// blur_location rounds a share's coordinates to a coarse grid and floors
// its accuracy, per the location permission's privacy knob.
func TestLocationShareBlurredWhenPermissionEnabled(t *testing.T) {
	ctx := context.Background()
	store := chatmemory.New()
	bus := eventsmemory.New()
	cache := cachememory.New()
	defer cache.Close()

	svc := NewService(store, bus, cache, Config{})

	name := "team"
	conv, err := svc.CreateConversation(ctx, "alice", KindGroup, &name, []string{"bob"})
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	truthy := true
	if _, err := svc.UpdateLocationPermission(ctx, "alice", nil, nil, &truthy); err != nil {
		t.Fatalf("enable blur: %v", err)
	}

	precise := LocationCoordinates{Latitude: 37.774912, Longitude: -122.419415, AccuracyMeters: 5}
	share, err := svc.ShareLocation(ctx, conv.ID, "alice", precise, nil, nil, nil)
	if err != nil {
		t.Fatalf("share location: %v", err)
	}
	if share.Latitude == precise.Latitude && share.Longitude == precise.Longitude {
		t.Fatalf("expected coordinates to be blurred, got exact match %+v", share)
	}
	if share.AccuracyMeters < 1000 {
		t.Fatalf("expected accuracy floored to at least 1000m when blurred, got %d", share.AccuracyMeters)
	}
}

// invariant #10 / S7: the same ECDH exchange computed from either side
// yields identical shared secrets, and HKDF derives a distinct key per
// sequence number from that secret.
func TestECDHSharedSecretSymmetryAndPerSequenceKeys(t *testing.T) {
	alicePriv, err := GenerateDeviceKeyPair()
	if err != nil {
		t.Fatalf("alice keypair: %v", err)
	}
	bobPriv, err := GenerateDeviceKeyPair()
	if err != nil {
		t.Fatalf("bob keypair: %v", err)
	}

	aliceShared, err := DeriveSharedSecret(alicePriv, bobPriv.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("alice derive shared: %v", err)
	}
	bobShared, err := DeriveSharedSecret(bobPriv, alicePriv.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("bob derive shared: %v", err)
	}
	if !bytesEqual(aliceShared, bobShared) {
		t.Fatal("expected symmetric ECDH shared secret")
	}

	key1, err := DeriveMessageKey(aliceShared, "conv-1", 1)
	if err != nil {
		t.Fatalf("derive key 1: %v", err)
	}
	key2, err := DeriveMessageKey(aliceShared, "conv-1", 2)
	if err != nil {
		t.Fatalf("derive key 2: %v", err)
	}
	if bytesEqual(key1, key2) {
		t.Fatal("expected distinct message keys for distinct sequence numbers")
	}

	keyOtherConv, err := DeriveMessageKey(aliceShared, "conv-2", 1)
	if err != nil {
		t.Fatalf("derive key other conv: %v", err)
	}
	if bytesEqual(key1, keyOtherConv) {
		t.Fatal("expected distinct message keys for distinct conversations")
	}
}
