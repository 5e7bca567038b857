// Package resolver implements the Resolver (RV): the read path that turns
// (pubkey, path) into a blob hash, cache-first and Relay-Pool-fallback, and
// resolves the two per-pubkey list documents a site publishes. The resolver
// never raises; every upstream failure degrades to an absent result or a
// default-relay fallback.
package resolver

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"nsite-gateway/internal/cache"
	"nsite-gateway/internal/model"
	"nsite-gateway/internal/nostrtypes"
)

// fallbackNotFoundPath is the conventional not-found page a missing mapping
// falls back to, at most once.
const fallbackNotFoundPath = "/404.html"

// RelayQuerier is the subset of the Relay Pool's contract RV depends on.
// Accepting the interface (rather than *relaypool.Pool) keeps the resolver
// testable with an in-memory fake.
type RelayQuerier interface {
	Query(ctx context.Context, relays []string, filter nostrtypes.Filter, timeout time.Duration) []nostrtypes.Event
}

// Config bundles the resolver's tunables: the seed relays used for list
// discovery and the baseline per-query timeout it scales for the
// path-mapping retry.
type Config struct {
	DefaultRelays     []string
	DefaultServers    []string
	RelayQueryTimeout time.Duration
}

// Resolver is the RV component. It holds no mutable state of its own beyond
// a singleflight group; all durable state lives in Store.
type Resolver struct {
	store *cache.Store
	pool  RelayQuerier
	cfg   Config
	log   *slog.Logger

	// coalesce deduplicates concurrent identical path-mapping lookups.
	// Coalescing must not change the cache or negative-mark outcomes a
	// non-coalesced caller would observe.
	coalesce singleflight.Group
}

// New constructs a Resolver over store and pool. A zero-value RelayQueryTimeout
// in cfg is replaced with a conservative default.
func New(store *cache.Store, pool RelayQuerier, cfg Config, log *slog.Logger) *Resolver {
	if cfg.RelayQueryTimeout <= 0 {
		cfg.RelayQueryTimeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, pool: pool, cfg: cfg, log: log}
}

// listLookupTimeout is the hard ceiling on relay list / server list
// discovery, independent of the longer budget path-mapping resolution is
// allowed.
func (r *Resolver) listLookupTimeout() time.Duration {
	if r.cfg.RelayQueryTimeout < 2*time.Second {
		return r.cfg.RelayQueryTimeout
	}
	return 2 * time.Second
}

// ResolveRelayList returns pubkey's preferred relay list, querying the
// default relays and caching the result (or a default-relay fallback) on
// return.
func (r *Resolver) ResolveRelayList(ctx context.Context, pubkey model.Pubkey) model.RelayList {
	pkHex := pubkey.Hex()

	if cached, ok := r.store.Relays.GetRefreshing(ctx, pkHex); ok {
		return cached
	}

	events := r.pool.Query(ctx, r.cfg.DefaultRelays, nostrtypes.Filter{
		Authors: []string{pkHex},
		Kinds:   []int{nostrtypes.KindRelayList},
		Limit:   1,
	}, r.listLookupTimeout())

	newest, found := newestEvent(events)
	var list model.RelayList
	if !found {
		list = r.defaultRelayList(pubkey)
	} else {
		entries := model.ParseRelayTags(newest.Tags)
		if len(entries) == 0 {
			list = r.defaultRelayList(pubkey)
		} else {
			list = model.RelayList{Pubkey: pubkey, Relays: entries}
		}
	}

	if err := r.store.Relays.Put(ctx, pkHex, list); err != nil {
		r.log.Debug("resolver: failed to cache relay list", "pubkey", pkHex, "err", err)
	}
	return list
}

func (r *Resolver) defaultRelayList(pubkey model.Pubkey) model.RelayList {
	entries := make([]model.RelayEntry, len(r.cfg.DefaultRelays))
	for i, u := range r.cfg.DefaultRelays {
		entries[i] = model.RelayEntry{URL: u, Read: true}
	}
	return model.RelayList{Pubkey: pubkey, Relays: entries}
}

// ResolveServerList returns pubkey's preferred blob-server list, querying
// the user's own resolved relays (falling back to the defaults when the
// user has none).
func (r *Resolver) ResolveServerList(ctx context.Context, pubkey model.Pubkey) model.ServerList {
	pkHex := pubkey.Hex()

	if cached, ok := r.store.Servers.GetRefreshing(ctx, pkHex); ok {
		return cached
	}

	userRelays := r.ResolveRelayList(ctx, pubkey).ReadURLs()
	queryRelays := userRelays
	if len(queryRelays) == 0 {
		queryRelays = r.cfg.DefaultRelays
	}

	events := r.pool.Query(ctx, queryRelays, nostrtypes.Filter{
		Authors: []string{pkHex},
		Kinds:   []int{nostrtypes.KindServerList},
		Limit:   1,
	}, r.listLookupTimeout())

	newest, found := newestEvent(events)
	var list model.ServerList
	switch {
	case !found:
		list = model.ServerList{Pubkey: pubkey, Servers: r.cfg.DefaultServers}
	default:
		servers := model.ParseServerTags(newest.Tags)
		if len(servers) == 0 {
			servers = r.cfg.DefaultServers
		}
		list = model.ServerList{Pubkey: pubkey, Servers: servers}
	}

	if err := r.store.Servers.Put(ctx, pkHex, list); err != nil {
		r.log.Debug("resolver: failed to cache server list", "pubkey", pkHex, "err", err)
	}
	return list
}

// ResolvePathMapping resolves the SHA-256 content hash published for
// (pubkey, path): cache first, then the user's relays, then the union of
// user and default relays, then a bounded "/404.html" fallback.
// Concurrent identical lookups are coalesced via singleflight; this does
// not change the cache or negative-mark outcomes a non-coalesced caller
// would observe.
func (r *Resolver) ResolvePathMapping(ctx context.Context, pubkey model.Pubkey, path string) (sha256 string, ok bool) {
	pkHex := pubkey.Hex()
	negKey := "paths:" + pkHex + path

	if r.store.IsNegative(ctx, negKey) {
		return "", false
	}

	key := pkHex + ":" + negKey
	result, _, _ := r.coalesce.Do(key, func() (interface{}, error) {
		sha, found := r.resolvePathUncoalesced(ctx, pubkey, pkHex, path)
		return resolveResult{sha: sha, ok: found}, nil
	})
	res := result.(resolveResult)
	if !res.ok {
		if err := r.store.MarkNegative(ctx, negKey); err != nil {
			r.log.Debug("resolver: failed to mark negative", "key", negKey, "err", err)
		}
	}
	return res.sha, res.ok
}

type resolveResult struct {
	sha string
	ok  bool
}

// resolvePathUncoalesced walks path, then (bounded depth 1) the conventional
// "/404.html" fallback, returning the first successful mapping.
func (r *Resolver) resolvePathUncoalesced(ctx context.Context, pubkey model.Pubkey, pkHex, path string) (string, bool) {
	sha, ok, terminal := r.resolveOneAttempt(ctx, pubkey, pkHex, path)
	if ok {
		return sha, true
	}
	if terminal || path == fallbackNotFoundPath {
		return "", false
	}
	sha, ok, _ = r.resolveOneAttempt(ctx, pubkey, pkHex, fallbackNotFoundPath)
	if !ok {
		if err := r.store.MarkNegative(ctx, "paths:"+pkHex+fallbackNotFoundPath); err != nil {
			r.log.Debug("resolver: failed to mark fallback negative", "err", err)
		}
	}
	return sha, ok
}

// resolveOneAttempt runs the cache lookup and relay queries for a single
// candidate path. terminal reports whether the caller should give up
// immediately rather than continue to the "/404.html" fallback: true when
// an event was found but lacked an "x" tag (an explicit absent result, not
// "no mapping exists") or when candidate is already the fallback path.
func (r *Resolver) resolveOneAttempt(ctx context.Context, pubkey model.Pubkey, pkHex, candidate string) (sha string, ok bool, terminal bool) {
	cacheKey := pkHex + candidate
	if mapping, found := r.store.Paths.GetRefreshing(ctx, cacheKey); found {
		return mapping.SHA256, true, false
	}
	if r.store.IsNegative(ctx, "paths:"+pkHex+candidate) {
		return "", false, candidate == fallbackNotFoundPath
	}

	userRelays := r.ResolveRelayList(ctx, pubkey).ReadURLs()
	filter := nostrtypes.Filter{
		Authors: []string{pkHex},
		Kinds:   []int{nostrtypes.KindMapping},
		Tags:    map[string][]string{"d": {candidate}},
		Limit:   1,
	}

	queryRelays := userRelays
	if len(queryRelays) == 0 {
		queryRelays = r.cfg.DefaultRelays
	}
	events := r.pool.Query(ctx, queryRelays, filter, r.cfg.RelayQueryTimeout)

	if len(events) == 0 {
		union := unionRelays(userRelays, r.cfg.DefaultRelays)
		events = r.pool.Query(ctx, union, filter, r.cfg.RelayQueryTimeout*3)
	}

	newest, found := newestEvent(events)
	if !found {
		return "", false, candidate == fallbackNotFoundPath
	}

	xhex := newest.Tag("x")
	if xhex == "" {
		if err := r.store.MarkNegative(ctx, "paths:"+pkHex+candidate); err != nil {
			r.log.Debug("resolver: failed to mark negative for missing x tag", "err", err)
		}
		return "", false, true
	}

	mapping := model.PathMapping{Pubkey: pubkey, Path: candidate, SHA256: xhex, CreatedAt: newest.CreatedAt}
	if !mapping.Valid() {
		return "", false, true
	}
	if err := r.store.Paths.Put(ctx, cacheKey, mapping); err != nil {
		r.log.Debug("resolver: failed to cache path mapping", "err", err)
	}
	if err := r.store.ClearNegative(ctx, "paths:"+pkHex+candidate); err != nil {
		r.log.Debug("resolver: failed to clear stale negative mark", "err", err)
	}
	return mapping.SHA256, true, false
}

// newestEvent picks the event with the greatest CreatedAt; Relay Pool
// results are unordered by contract.
func newestEvent(events []nostrtypes.Event) (nostrtypes.Event, bool) {
	if len(events) == 0 {
		return nostrtypes.Event{}, false
	}
	newest := events[0]
	for _, e := range events[1:] {
		if e.CreatedAt > newest.CreatedAt {
			newest = e
		}
	}
	return newest, true
}

func unionRelays(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, u := range list {
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}
