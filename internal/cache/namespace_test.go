package cache

import (
	"context"
	"testing"
	"time"
)

func newTestStore(sliding bool) *Store {
	backend := NewMemoryBackend(4, time.Hour, 0)
	return NewStore(backend, sliding, nil)
}

func TestPutThenGetRoundTrips(t *testing.T) {
	s := newTestStore(false)
	ctx := context.Background()

	list := modelRelayListFixture()
	if err := s.Relays.Put(ctx, "pk1", list); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Relays.Get(ctx, "pk1")
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	if len(got.Relays) != len(list.Relays) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, list)
	}
}

func TestGetAfterTTLExpiryIsAbsent(t *testing.T) {
	backend := NewMemoryBackend(1, time.Millisecond, 0)
	ns := newNamespace[string](backend, "p", "s", 20*time.Millisecond, false, nil)
	ctx := context.Background()

	if err := ns.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, ok := ns.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("expected immediate hit, got ok=%v v=%q", ok, v)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := ns.Get(ctx, "k"); ok {
		t.Fatalf("expected miss after TTL expiry")
	}
}

func TestNonSlidingGetNeverExtendsTTL(t *testing.T) {
	backend := NewMemoryBackend(1, time.Hour, 0)
	ns := newNamespace[string](backend, "p", "s", 30*time.Millisecond, false, nil)
	ctx := context.Background()

	_ = ns.Put(ctx, "k", "v")
	time.Sleep(15 * time.Millisecond)
	ns.GetRefreshing(ctx, "k") // sliding is off: must not extend
	time.Sleep(25 * time.Millisecond)
	if _, ok := ns.Get(ctx, "k"); ok {
		t.Fatalf("non-sliding namespace must not have its TTL extended by GetRefreshing")
	}
}

func TestSlidingGetRefreshingExtendsTTL(t *testing.T) {
	backend := NewMemoryBackend(1, time.Hour, 0)
	ns := newNamespace[string](backend, "p", "s", 30*time.Millisecond, true, nil)
	ctx := context.Background()

	_ = ns.Put(ctx, "k", "v")
	time.Sleep(20 * time.Millisecond)
	if _, ok := ns.GetRefreshing(ctx, "k"); !ok {
		t.Fatalf("expected hit before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := ns.Get(ctx, "k"); !ok {
		t.Fatalf("sliding GetRefreshing should have extended the TTL past the original deadline")
	}
}

func TestBlobBytesRoundTripBitIdentical(t *testing.T) {
	s := newTestStore(false)
	ctx := context.Background()

	raw := make([]byte, 256)
	for i := range raw {
		raw[i] = byte(i)
	}
	blob := modelBlobFixture(raw)
	if err := s.Content.Put(ctx, blob.SHA256, blob); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := s.Content.Get(ctx, blob.SHA256)
	if !ok {
		t.Fatalf("expected hit after Put")
	}
	if len(got.Bytes) != len(raw) {
		t.Fatalf("byte length changed across the cache round trip: got %d, want %d", len(got.Bytes), len(raw))
	}
	for i := range raw {
		if got.Bytes[i] != raw[i] {
			t.Fatalf("byte %d changed across the cache round trip: got %#x, want %#x", i, got.Bytes[i], raw[i])
		}
	}
	if got.ContentType != blob.ContentType {
		t.Fatalf("content type changed across the round trip: got %q", got.ContentType)
	}
}

func TestNegativeMarkLifecycle(t *testing.T) {
	s := newTestStore(false)
	ctx := context.Background()

	if s.IsNegative(ctx, "x") {
		t.Fatalf("expected not negative before marking")
	}
	if err := s.MarkNegative(ctx, "x"); err != nil {
		t.Fatalf("MarkNegative: %v", err)
	}
	if !s.IsNegative(ctx, "x") {
		t.Fatalf("expected negative after marking")
	}
	if err := s.ClearNegative(ctx, "x"); err != nil {
		t.Fatalf("ClearNegative: %v", err)
	}
	if s.IsNegative(ctx, "x") {
		t.Fatalf("expected not negative after clearing")
	}
}

func TestClearRemovesOnlyNamespace(t *testing.T) {
	s := newTestStore(false)
	ctx := context.Background()

	_ = s.Relays.Put(ctx, "pk", modelRelayListFixture())
	_ = s.Servers.Put(ctx, "pk", modelServerListFixture())

	if err := s.Relays.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.Relays.Get(ctx, "pk"); ok {
		t.Fatalf("expected relays namespace cleared")
	}
	if _, ok := s.Servers.Get(ctx, "pk"); !ok {
		t.Fatalf("clearing one namespace must not affect another")
	}
}
