// Package frontdoor is the gateway's minimal HTTP surface: it decodes a
// request's Host header into a pubkey, normalizes the path, and hands both
// to the Resolver and Blob Fetcher, populating the caching and integrity
// response headers on the way out. Routing tables, rate limiting, and TLS
// termination belong to infrastructure in front of this process; this is
// the thinnest handler that can still exercise the core correctly.
package frontdoor

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"nsite-gateway/internal/bech32"
	"nsite-gateway/internal/blobfetcher"
	"nsite-gateway/internal/cache"
	"nsite-gateway/internal/invalidation"
	"nsite-gateway/internal/logging"
	"nsite-gateway/internal/metrics"
	"nsite-gateway/internal/model"
	"nsite-gateway/internal/relaypool"
)

// Resolver is the subset of resolver.Resolver the front door depends on.
type Resolver interface {
	ResolvePathMapping(ctx context.Context, pubkey model.Pubkey, path string) (string, bool)
	ResolveServerList(ctx context.Context, pubkey model.Pubkey) model.ServerList
}

// BlobFetcher is the subset of blobfetcher.Fetcher the front door depends on.
type BlobFetcher interface {
	Fetch(ctx context.Context, sha256Hex string, servers []string, pathHint string) (blobfetcher.Result, bool)
}

// Handler serves nsite requests and the operational endpoints.
type Handler struct {
	baseDomain string
	resolver   Resolver
	fetcher    BlobFetcher
	store      *cache.Store
	pool       *relaypool.Pool
	sub        *invalidation.Subscriber
	cacheKind  string
}

// New constructs the front door's handler. store, pool, and sub may be nil
// in tests that only exercise request serving: a nil store disables the
// domains cache (every request decodes its subdomain directly), and pool/sub
// back /healthz's reporting only.
func New(baseDomain string, resolver Resolver, fetcher BlobFetcher, store *cache.Store, pool *relaypool.Pool, sub *invalidation.Subscriber, cacheKind string) *Handler {
	return &Handler{baseDomain: baseDomain, resolver: resolver, fetcher: fetcher, store: store, pool: pool, sub: sub, cacheKind: cacheKind}
}

// Routes returns the handler wired to its three endpoints, ready to be
// wrapped by logging.Middleware in main().
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", h.handleSite)
	return mux
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	state := "disabled"
	if h.sub != nil {
		state = h.sub.State().String()
	}
	connections := 0
	if h.pool != nil {
		connections = h.pool.ConnectionCount()
	}
	fmt.Fprintf(w, `{"status":"ok","cache_backend":%q,"relay_connections":%d,"invalidation_state":%q}`,
		h.cacheKind, connections, state)
}

// resolvePubkey decodes host's subdomain label into a Pubkey, consulting
// the Cache Store's domains namespace first and populating it on a fresh
// decode. A domains hit refreshes the pubkey's whole routing context
// together via TouchRelated.
func (h *Handler) resolvePubkey(ctx context.Context, rawHost string) (model.Pubkey, bool) {
	host := strings.ToLower(stripPort(rawHost))

	if h.store != nil {
		if pk, hit := h.store.Domains.GetRefreshing(ctx, host); hit {
			if err := h.store.TouchRelated(ctx, pk.Hex(), host); err != nil {
				logging.FromContext(ctx).Debug("frontdoor: touch-related failed", "host", host, "err", err)
			}
			return pk, true
		}
	}

	pk, ok := pubkeyFromSubdomain(host, h.baseDomain)
	if !ok {
		return model.Pubkey{}, false
	}
	if h.store != nil {
		if err := h.store.Domains.Put(ctx, host, pk); err != nil {
			logging.FromContext(ctx).Debug("frontdoor: failed to cache domain", "host", host, "err", err)
		}
	}
	return pk, true
}

// pubkeyFromSubdomain decodes the subdomain label of an already lowercased,
// port-stripped host against baseDomain: the label is a Pubkey iff it
// bech32-decodes with the npub prefix to a 32-byte value.
func pubkeyFromSubdomain(host, baseDomain string) (model.Pubkey, bool) {
	suffix := "." + baseDomain
	if !strings.HasSuffix(host, suffix) {
		return model.Pubkey{}, false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return model.Pubkey{}, false
	}
	pk, err := bech32.DecodePubkey(label)
	if err != nil {
		return model.Pubkey{}, false
	}
	return model.Pubkey(pk), true
}

func stripPort(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 {
		return host[:i]
	}
	return host
}

// normalizePath maps "/" to "/index.html", appends "index.html" to a
// directory-like path, and leaves anything with a file extension alone.
func normalizePath(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if strings.HasSuffix(p, "/") {
		return p + "index.html"
	}
	if path.Ext(p) == "" {
		return p + "/index.html"
	}
	return p
}

func (h *Handler) handleSite(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	pubkey, ok := h.resolvePubkey(r.Context(), r.Host)
	if !ok {
		http.NotFound(w, r)
		return
	}

	reqPath := normalizePath(r.URL.Path)

	sha, ok := h.resolver.ResolvePathMapping(r.Context(), pubkey, reqPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	etag := `"` + sha + `"`
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	servers := h.resolver.ResolveServerList(r.Context(), pubkey).Servers
	result, ok := h.fetcher.Fetch(r.Context(), sha, servers, reqPath)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(result.Bytes)))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Content-SHA256", sha)

	if _, err := w.Write(result.Bytes); err != nil {
		log.Debug("frontdoor: failed writing response body", "err", err)
	}
}
