package resolver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"nsite-gateway/internal/cache"
	"nsite-gateway/internal/model"
	"nsite-gateway/internal/nostrtypes"
)

type fakeQuerier struct {
	queries int32
	handler func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event
}

func (f *fakeQuerier) Query(_ context.Context, relays []string, filter nostrtypes.Filter, _ time.Duration) []nostrtypes.Event {
	atomic.AddInt32(&f.queries, 1)
	if f.handler == nil {
		return nil
	}
	return f.handler(relays, filter)
}

func newTestResolver(q RelayQuerier) (*Resolver, *cache.Store) {
	store := cache.NewStore(cache.NewMemoryBackend(4, time.Hour, 0), true, nil)
	cfg := Config{
		DefaultRelays:     []string{"wss://default.relay"},
		DefaultServers:    []string{"https://default.blob"},
		RelayQueryTimeout: 50 * time.Millisecond,
	}
	return New(store, q, cfg, nil), store
}

var testPubkey = model.Pubkey{1, 2, 3}

func TestResolvePathMappingHappyPath(t *testing.T) {
	q := &fakeQuerier{handler: func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event {
		if len(filter.Kinds) != 1 || filter.Kinds[0] != nostrtypes.KindMapping {
			return nil
		}
		if len(filter.Tags["d"]) == 0 || filter.Tags["d"][0] != "/index.html" {
			return nil
		}
		return []nostrtypes.Event{{
			PubKey:    testPubkey.Hex(),
			CreatedAt: 100,
			Kind:      nostrtypes.KindMapping,
			Tags:      [][]string{{"d", "/index.html"}, {"x", shaVal("a")}},
		}}
	}}
	r, _ := newTestResolver(q)

	sha, ok := r.ResolvePathMapping(context.Background(), testPubkey, "/index.html")
	if !ok || sha != shaVal("a") {
		t.Fatalf("expected resolved mapping, got ok=%v sha=%q", ok, sha)
	}
}

func TestResolvePathMappingCachesAndSkipsSecondQuery(t *testing.T) {
	q := &fakeQuerier{handler: func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event {
		return []nostrtypes.Event{{
			PubKey:    testPubkey.Hex(),
			CreatedAt: 100,
			Kind:      nostrtypes.KindMapping,
			Tags:      [][]string{{"d", "/index.html"}, {"x", shaVal("a")}},
		}}
	}}
	r, _ := newTestResolver(q)
	ctx := context.Background()

	r.ResolvePathMapping(ctx, testPubkey, "/index.html")
	before := atomic.LoadInt32(&q.queries)
	r.ResolvePathMapping(ctx, testPubkey, "/index.html")
	after := atomic.LoadInt32(&q.queries)
	if after != before {
		t.Fatalf("second resolve for a cached mapping should not query relays again (before=%d after=%d)", before, after)
	}
}

// TestMissingPathMarksNegativeAndSkipsSecondQuery: two requests in quick
// succession for a path with no mapping and no published /404.html: only
// the first issues relay queries; the second is answered by the negative
// mark.
func TestMissingPathMarksNegativeAndSkipsSecondQuery(t *testing.T) {
	q := &fakeQuerier{handler: func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event {
		return nil
	}}
	r, _ := newTestResolver(q)
	ctx := context.Background()

	_, ok := r.ResolvePathMapping(ctx, testPubkey, "/nope")
	if ok {
		t.Fatalf("expected absent result for unmapped path")
	}
	firstQueries := atomic.LoadInt32(&q.queries)

	_, ok = r.ResolvePathMapping(ctx, testPubkey, "/nope")
	if ok {
		t.Fatalf("expected absent result on second request")
	}
	secondQueries := atomic.LoadInt32(&q.queries)
	if secondQueries != firstQueries {
		t.Fatalf("second request for a negatively-marked path must not query relays (first=%d second=%d)", firstQueries, secondQueries)
	}
}

// TestMissingPathFallsBackTo404Mapping: a path with no mapping of its own
// is answered by the site's published /404.html mapping, if one exists.
func TestMissingPathFallsBackTo404Mapping(t *testing.T) {
	q := &fakeQuerier{handler: func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event {
		if len(filter.Tags["d"]) == 0 || filter.Tags["d"][0] != "/404.html" {
			return nil
		}
		return []nostrtypes.Event{{
			PubKey:    testPubkey.Hex(),
			CreatedAt: 100,
			Kind:      nostrtypes.KindMapping,
			Tags:      [][]string{{"d", "/404.html"}, {"x", shaVal("nf")}},
		}}
	}}
	r, _ := newTestResolver(q)

	sha, ok := r.ResolvePathMapping(context.Background(), testPubkey, "/missing")
	if !ok || sha != shaVal("nf") {
		t.Fatalf("expected the /404.html mapping to answer an unmapped path, got ok=%v sha=%q", ok, sha)
	}
}

func TestMappingEventMissingXTagIsAbsent(t *testing.T) {
	q := &fakeQuerier{handler: func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event {
		return []nostrtypes.Event{{
			PubKey:    testPubkey.Hex(),
			CreatedAt: 100,
			Kind:      nostrtypes.KindMapping,
			Tags:      [][]string{{"d", "/about"}},
		}}
	}}
	r, _ := newTestResolver(q)

	_, ok := r.ResolvePathMapping(context.Background(), testPubkey, "/about")
	if ok {
		t.Fatalf("an event missing an x tag must resolve as absent, not a mapping")
	}
}

func TestResolveRelayListFallsBackToDefaults(t *testing.T) {
	q := &fakeQuerier{handler: func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event { return nil }}
	r, _ := newTestResolver(q)

	list := r.ResolveRelayList(context.Background(), testPubkey)
	urls := list.ReadURLs()
	if len(urls) != 1 || urls[0] != "wss://default.relay" {
		t.Fatalf("expected default relay fallback, got %v", urls)
	}
}

func TestResolveRelayListParsesReadWriteMarkers(t *testing.T) {
	q := &fakeQuerier{handler: func(relays []string, filter nostrtypes.Filter) []nostrtypes.Event {
		return []nostrtypes.Event{{
			PubKey:    testPubkey.Hex(),
			CreatedAt: 1,
			Kind:      nostrtypes.KindRelayList,
			Tags: [][]string{
				{"r", "wss://u1", "read"},
				{"r", "wss://u2"},
				{"r", "wss://u3", "write"},
			},
		}}
	}}
	r, _ := newTestResolver(q)

	list := r.ResolveRelayList(context.Background(), testPubkey)
	urls := list.ReadURLs()
	if len(urls) != 2 || urls[0] != "wss://u1" || urls[1] != "wss://u2" {
		t.Fatalf("expected read-capable URLs [u1 u2], got %v", urls)
	}
}

func shaVal(seed string) string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = byte('0' + (i+len(seed))%10)
	}
	return string(out)
}
