package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"nsite-gateway/internal/model"
)

// Default TTLs. Domain, relay-list, server-list, path-mapping, and
// blob-URL entries all live an hour; resolved content is thirty minutes;
// the negative-result namespace is intentionally short so a transient
// upstream failure doesn't shadow a real answer for long.
const (
	DefaultTTL  = time.Hour
	ContentTTL  = 30 * time.Minute
	NegativeTTL = 10 * time.Second
)

// negativeMark is the Negative namespace's value type. It carries no data;
// the key's mere presence is the fact being cached.
type negativeMark struct{}

// Store is the Cache Store: the seven namespaces the rest of the gateway
// reads and writes through, each holding a single fixed value type.
type Store struct {
	Domains  *Namespace[model.Pubkey]
	Relays   *Namespace[model.RelayList]
	Servers  *Namespace[model.ServerList]
	Paths    *Namespace[model.PathMapping]
	Blobs    *Namespace[model.BlobURLSet]
	Content  *Namespace[model.Blob]
	Negative *Namespace[negativeMark]

	backend Backend
}

// NewStore builds a Store over backend. sliding controls whether the
// read-path namespaces (domains, relays, servers, and paths) extend TTL
// on read. blobs and content are never sliding: a popular file's bytes
// earning an ever-extending life in cache would let stale content outlive
// the event that should have invalidated it, so their TTL only ever comes
// from a fresh write. Negative is likewise never sliding, since a negative
// result earning a longer life the more it's asked for would defeat its
// purpose.
func NewStore(backend Backend, sliding bool, log *slog.Logger) *Store {
	return NewStoreTTL(backend, sliding, TTLs{}, log)
}

// TTLs overrides the per-namespace default lifetimes. A zero field keeps the
// package default. Default covers the read-path namespaces and blobs;
// Content and Negative have their own knobs because their lifetimes serve
// different purposes (bounding staleness of served bytes, and briefly
// suppressing repeat lookups, respectively).
type TTLs struct {
	Default  time.Duration
	Content  time.Duration
	Negative time.Duration
}

func (t TTLs) orDefault() TTLs {
	if t.Default <= 0 {
		t.Default = DefaultTTL
	}
	if t.Content <= 0 {
		t.Content = ContentTTL
	}
	if t.Negative <= 0 {
		t.Negative = NegativeTTL
	}
	return t
}

// NewStoreTTL is NewStore with explicit per-namespace TTL overrides.
func NewStoreTTL(backend Backend, sliding bool, ttls TTLs, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	ttls = ttls.orDefault()
	return &Store{
		Domains:  newNamespace[model.Pubkey](backend, "domains", "pubkey", ttls.Default, sliding, log),
		Relays:   newNamespace[model.RelayList](backend, "relays", "relaylist", ttls.Default, sliding, log),
		Servers:  newNamespace[model.ServerList](backend, "servers", "serverlist", ttls.Default, sliding, log),
		Paths:    newNamespace[model.PathMapping](backend, "paths", "pathmapping", ttls.Default, sliding, log),
		Blobs:    newNamespace[model.BlobURLSet](backend, "blobs", "bloburlset", ttls.Default, false, log),
		Content:  newNamespace[model.Blob](backend, "content", "blob", ttls.Content, false, log),
		Negative: newNamespace[negativeMark](backend, "negative", "negative", ttls.Negative, false, log),
		backend:  backend,
	}
}

// MarkNegative records that key (namespace-qualified by the caller, e.g.
// "paths:"+pubkeyHex+path) recently failed to resolve, so the Resolver can
// skip a redundant relay round trip for NegativeTTL.
func (s *Store) MarkNegative(ctx context.Context, key string) error {
	return s.Negative.Put(ctx, key, negativeMark{})
}

// IsNegative reports whether key was recently marked negative.
func (s *Store) IsNegative(ctx context.Context, key string) bool {
	_, ok := s.Negative.Get(ctx, key)
	return ok
}

// ClearNegative removes a negative mark, used once a write (e.g. an
// invalidation-subscriber upsert) makes the prior negative result stale.
func (s *Store) ClearNegative(ctx context.Context, key string) error {
	return s.Negative.Delete(ctx, key)
}

// TouchRelated extends the TTL of a pubkey's relay list, server list, and
// domain entry together, so that one resolver hit keeps a site's whole
// routing context warm rather than letting its pieces expire independently.
// Failures are best-effort: touching is an optimization, not a correctness
// requirement, so errors are collected but do not abort the other touches.
func (s *Store) TouchRelated(ctx context.Context, pubkeyHex string, domain string) error {
	var wg sync.WaitGroup
	errs := make([]error, 3)
	wg.Add(3)
	go func() { defer wg.Done(); errs[0] = s.Domains.Touch(ctx, domain) }()
	go func() { defer wg.Done(); errs[1] = s.Relays.Touch(ctx, pubkeyHex) }()
	go func() { defer wg.Done(); errs[2] = s.Servers.Touch(ctx, pubkeyHex) }()
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying backend's resources.
func (s *Store) Close() error {
	return s.backend.Close()
}
