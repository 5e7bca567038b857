package cache

import (
	"context"
	"log/slog"
	"time"

	"nsite-gateway/internal/metrics"
)

// Namespace is a typed, TTL'd view over a Backend: every value stored
// through it carries the same Go type V and the same type tag, so a key
// collision between namespaces (or a backend shared across versions of the
// gateway) decodes to a miss instead of a wrong-shaped value.
type Namespace[V any] struct {
	backend Backend
	prefix  string
	typeTag string
	ttl     time.Duration
	sliding bool
	log     *slog.Logger
}

// newNamespace constructs a Namespace bound to backend, keyed under prefix,
// with the given default TTL. sliding controls whether GetRefreshing extends
// the TTL on read; non-sliding namespaces only extend TTL on Put/Touch.
func newNamespace[V any](backend Backend, prefix, typeTag string, ttl time.Duration, sliding bool, log *slog.Logger) *Namespace[V] {
	if log == nil {
		log = slog.Default()
	}
	return &Namespace[V]{
		backend: backend,
		prefix:  prefix,
		typeTag: typeTag,
		ttl:     ttl,
		sliding: sliding,
		log:     log,
	}
}

func (n *Namespace[V]) key(k string) string {
	return n.prefix + ":" + k
}

// Get returns the cached value without ever extending its TTL, regardless
// of whether the namespace is configured sliding. Callers that want sliding
// refresh must call GetRefreshing explicitly (DESIGN NOTES: reads are
// read-only unless the caller opts in).
func (n *Namespace[V]) Get(ctx context.Context, k string) (v V, ok bool) {
	raw, found, err := n.backend.Get(ctx, n.key(k))
	if err != nil {
		n.log.Warn("cache backend get failed", "namespace", n.prefix, "err", err)
		return v, false
	}
	if !found {
		metrics.CacheMisses.WithLabelValues(n.prefix).Inc()
		return v, false
	}
	v, ok = decode[V](n.typeTag, raw)
	if !ok {
		n.log.Warn("cache entry failed to decode, treating as absent", "namespace", n.prefix, "key", k)
		metrics.CacheMisses.WithLabelValues(n.prefix).Inc()
		return v, false
	}
	metrics.CacheHits.WithLabelValues(n.prefix).Inc()
	return v, ok
}

// GetRefreshing behaves like Get, and additionally extends the entry's TTL
// back to the namespace default if the namespace is sliding and the read
// was a hit. A miss never creates an entry.
func (n *Namespace[V]) GetRefreshing(ctx context.Context, k string) (v V, ok bool) {
	v, ok = n.Get(ctx, k)
	if ok && n.sliding {
		if err := n.touch(ctx, k, n.ttl); err != nil {
			n.log.Warn("cache sliding refresh failed", "namespace", n.prefix, "key", k, "err", err)
		}
	}
	return v, ok
}

// Put stores v under k with the namespace's default TTL.
func (n *Namespace[V]) Put(ctx context.Context, k string, v V) error {
	return n.PutTTL(ctx, k, v, n.ttl)
}

// PutTTL stores v under k with an explicit TTL, overriding the namespace
// default. Used by the Negative namespace, whose TTL is much shorter than
// the positive namespaces it shadows.
func (n *Namespace[V]) PutTTL(ctx context.Context, k string, v V, ttl time.Duration) error {
	raw, err := encode(n.typeTag, v)
	if err != nil {
		return err
	}
	return n.backend.Set(ctx, n.key(k), raw, ttl)
}

// Delete removes k. Deleting an absent key is not an error.
func (n *Namespace[V]) Delete(ctx context.Context, k string) error {
	return n.backend.Delete(ctx, n.key(k))
}

// Touch refreshes k's TTL to the namespace default without changing its
// value, using the backend's native Touch when available and falling back
// to a Get+Put round trip otherwise.
func (n *Namespace[V]) Touch(ctx context.Context, k string) error {
	return n.touch(ctx, k, n.ttl)
}

func (n *Namespace[V]) touch(ctx context.Context, k string, ttl time.Duration) error {
	if t, ok := n.backend.(Toucher); ok {
		return t.Touch(ctx, n.key(k), ttl)
	}
	v, ok := n.Get(ctx, k)
	if !ok {
		return nil
	}
	return n.PutTTL(ctx, k, v, ttl)
}

// Clear removes every entry in this namespace.
func (n *Namespace[V]) Clear(ctx context.Context) error {
	return n.backend.ClearPrefix(ctx, n.prefix+":")
}
