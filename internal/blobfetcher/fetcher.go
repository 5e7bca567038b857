// Package blobfetcher implements the Blob Fetcher (BF): turns a SHA-256 and
// a ranked list of candidate blob servers into raw bytes and a trustworthy
// content type, with per-server failover. The fetcher is infallible at its
// boundary: every failure mode degrades to "try the next server" or a
// final absent result, never a raised error.
package blobfetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"nsite-gateway/internal/cache"
	"nsite-gateway/internal/metrics"
	"nsite-gateway/internal/model"
)

const userAgent = "nsite-gateway/1.0"

// Config bundles the fetcher's tunables.
type Config struct {
	RequestTimeout time.Duration
	MaxFileSize    int64
	// ValidateChecksum, when true, recomputes SHA-256 for files at or below
	// MaxFileSize and logs (never fails) on mismatch.
	ValidateChecksum bool
}

// Fetcher is the BF component.
type Fetcher struct {
	store  *cache.Store
	client *http.Client
	cfg    Config
	log    *slog.Logger
}

// New constructs a Fetcher over store, using client for outbound HTTP (a
// caller-supplied *http.Client keeps connection pooling/transport tuning a
// main()-level concern, not BF's).
func New(store *cache.Store, client *http.Client, cfg Config, log *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 100 << 20
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{store: store, client: client, cfg: cfg, log: log}
}

// Result is what a successful BF.Fetch returns.
type Result struct {
	Bytes       []byte
	ContentType string
}

// Fetch retrieves the blob identified by sha256Hex, preferring the Cache
// Store's content namespace and falling through servers in order on a miss.
// pathHint is the originally requested path, used only to pick/verify the
// content type.
func (f *Fetcher) Fetch(ctx context.Context, sha256Hex string, servers []string, pathHint string) (Result, bool) {
	if blob, ok := f.store.Content.GetRefreshing(ctx, sha256Hex); ok {
		metrics.BlobFetchOutcomes.WithLabelValues("hit").Inc()
		return Result{Bytes: blob.Bytes, ContentType: blob.ContentType}, true
	}

	if len(servers) == 0 {
		metrics.BlobFetchOutcomes.WithLabelValues("absent").Inc()
		return Result{}, false
	}

	for _, server := range servers {
		result, ok := f.fetchFromServer(ctx, server, sha256Hex, pathHint)
		if !ok {
			continue
		}
		if err := f.store.Content.Put(ctx, sha256Hex, model.Blob{
			SHA256:      sha256Hex,
			Bytes:       result.Bytes,
			ContentType: result.ContentType,
		}); err != nil {
			f.log.Debug("blobfetcher: failed to cache content", "sha256", sha256Hex, "err", err)
		}
		f.recordServer(ctx, sha256Hex, server)
		metrics.BlobFetchOutcomes.WithLabelValues("fetched").Inc()
		return result, true
	}
	metrics.BlobFetchOutcomes.WithLabelValues("absent").Inc()
	return Result{}, false
}

func (f *Fetcher) recordServer(ctx context.Context, sha256Hex, server string) {
	set, _ := f.store.Blobs.Get(ctx, sha256Hex)
	set.SHA256 = sha256Hex
	set.Add(server)
	if err := f.store.Blobs.Put(ctx, sha256Hex, set); err != nil {
		f.log.Debug("blobfetcher: failed to record server for blob", "sha256", sha256Hex, "err", err)
	}
}

func (f *Fetcher) fetchFromServer(ctx context.Context, server, sha256Hex, pathHint string) (Result, bool) {
	url := strings.TrimRight(server, "/") + "/" + sha256Hex

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		f.log.Debug("blobfetcher: bad request", "server", server, "err", err)
		return Result{}, false
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Info("blobfetcher: request failed", "server", server, "err", err)
		return Result{}, false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// proceed
	case http.StatusNotFound:
		f.log.Debug("blobfetcher: 404 from server", "server", server)
		return Result{}, false
	case http.StatusRequestEntityTooLarge:
		f.log.Info("blobfetcher: 413 from server, aborting this server", "server", server)
		return Result{}, false
	case http.StatusTooManyRequests:
		f.log.Info("blobfetcher: 429 from server", "server", server)
		return Result{}, false
	default:
		f.log.Debug("blobfetcher: non-2xx from server", "server", server, "status", resp.StatusCode)
		return Result{}, false
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > f.cfg.MaxFileSize {
			f.log.Info("blobfetcher: content-length exceeds cap", "server", server, "length", n)
			return Result{}, false
		}
	}

	limited := io.LimitReader(resp.Body, f.cfg.MaxFileSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		f.log.Info("blobfetcher: read failed", "server", server, "err", err)
		return Result{}, false
	}
	if int64(len(data)) > f.cfg.MaxFileSize {
		f.log.Info("blobfetcher: body exceeds cap, aborting", "server", server)
		return Result{}, false
	}

	if f.cfg.ValidateChecksum && int64(len(data)) <= f.cfg.MaxFileSize {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != sha256Hex {
			f.log.Warn("blobfetcher: checksum mismatch, serving anyway", "server", server, "expected", sha256Hex)
		}
	}

	contentType := determineContentType(pathHint, resp.Header.Get("Content-Type"), data)
	return Result{Bytes: data, ContentType: contentType}, true
}

// criticalExtensions maps a path extension to the MIME type the gateway
// trusts over whatever the blob server declared. The declared types
// considered "obviously wrong" are in knownBadDeclaredTypes.
var criticalExtensions = map[string]string{
	".html":  "text/html",
	".htm":   "text/html",
	".css":   "text/css",
	".js":    "application/javascript",
	".mjs":   "application/javascript",
	".json":  "application/json",
	".xml":   "application/xml",
	".png":   "image/png",
	".jpg":   "image/jpeg",
	".jpeg":  "image/jpeg",
	".gif":   "image/gif",
	".svg":   "image/svg+xml",
	".ico":   "image/x-icon",
	".woff":  "font/woff",
	".woff2": "font/woff2",
	".ttf":   "font/ttf",
	".eot":   "application/vnd.ms-fontobject",
}

var knownBadDeclaredTypes = map[string]bool{
	"application/json":         true,
	"text/plain":               true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
}

// determineContentType applies the critical-extension MIME-repair rule: the
// server-declared type is replaced with the canonical one only when the
// extension is "critical", the declared type looks wrong for it, and the
// body content corroborates the extension.
func determineContentType(pathHint, declared string, body []byte) string {
	ext := strings.ToLower(path.Ext(pathHint))
	canonical, critical := criticalExtensions[ext]
	if !critical {
		return firstNonEmpty(declared, "application/octet-stream")
	}

	declaredBase := strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])
	looksWrong := knownBadDeclaredTypes[declaredBase] ||
		(ext != ".html" && ext != ".htm" && declaredBase == "text/html") ||
		!matchesExtension(ext, declaredBase)

	if looksWrong && contentCorroborates(ext, body) {
		return canonical
	}
	return firstNonEmpty(declared, canonical)
}

// matchesExtension reports whether declared is an acceptable MIME type for
// ext, independent of whether it happens to be the canonical one (e.g. both
// "text/javascript" and "application/javascript" are fine for .js).
func matchesExtension(ext, declared string) bool {
	switch ext {
	case ".js", ".mjs":
		return declared == "application/javascript" || declared == "text/javascript"
	case ".woff2":
		return declared == "font/woff2"
	case ".woff":
		return declared == "font/woff"
	case ".ttf":
		return declared == "font/ttf" || declared == "application/octet-stream"
	case ".eot":
		return declared == "application/vnd.ms-fontobject"
	default:
		return declared == criticalExtensions[ext]
	}
}

// contentCorroborates applies a cheap, extension-specific sniff of the body
// so the MIME-repair rule only fires when the bytes actually look like the
// extension claims.
func contentCorroborates(ext string, body []byte) bool {
	sample := body
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	text := strings.ToLower(string(sample))

	switch ext {
	case ".html", ".htm":
		return strings.Contains(text, "<html") || strings.Contains(text, "<!doctype html") || strings.Contains(text, "<head") || strings.Contains(text, "<body")
	case ".css":
		return strings.Contains(text, "{") && (strings.Contains(text, "}") || strings.Contains(text, ":"))
	case ".js", ".mjs":
		for _, kw := range []string{"function", "const ", "let ", "var ", "import ", "export "} {
			if strings.Contains(text, kw) {
				return true
			}
		}
		return false
	case ".json":
		t := strings.TrimSpace(text)
		return strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[")
	case ".png":
		return len(body) >= 8 && string(body[:8]) == "\x89PNG\r\n\x1a\n"
	case ".jpg", ".jpeg":
		return len(body) >= 3 && body[0] == 0xFF && body[1] == 0xD8 && body[2] == 0xFF
	case ".gif":
		return len(body) >= 6 && (string(body[:6]) == "GIF87a" || string(body[:6]) == "GIF89a")
	case ".svg":
		return strings.Contains(text, "<svg")
	case ".xml":
		return strings.Contains(text, "<?xml") || strings.Contains(text, "<")
	default:
		return true
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
