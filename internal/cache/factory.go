package cache

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// NewBackend selects and opens a Backend from a configuration string:
// "memory" for the in-process sharded map, "kv://..." for Redis,
// "file://..." for an embedded Badger store on disk. Any other value, or a
// recognized scheme that fails to open, is a startup-fatal
// misconfiguration; the caller is expected to treat a non-nil error here as
// grounds to exit, not to fall back silently.
func NewBackend(spec string, maxMemoryEntries int, log *slog.Logger) (Backend, error) {
	if log == nil {
		log = slog.Default()
	}
	switch {
	case spec == "" || spec == "memory":
		return NewMemoryBackend(16, time.Minute, maxMemoryEntries), nil
	case strings.HasPrefix(spec, "kv://"):
		return NewRedisBackend(rewriteScheme(spec, "kv", "redis"), "nsite:")
	case strings.HasPrefix(spec, "file://"):
		return NewBadgerBackend(strings.TrimPrefix(spec, "file://"), log)
	default:
		return nil, fmt.Errorf("cache: unrecognized backend %q (want \"memory\", \"kv://...\", or \"file://...\")", spec)
	}
}

func rewriteScheme(url, from, to string) string {
	return to + strings.TrimPrefix(url, from)
}
