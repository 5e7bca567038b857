// Package config loads the gateway's process-wide configuration once, at
// startup, into a single struct that is passed by reference into each
// component's constructor. Nothing outside of main
// reads the environment directly.
package config

import (
	"fmt"

	"go-simpler.org/env"
)

// C is the gateway's configuration, populated once by Load.
type C struct {
	BaseDomain string `env:"NSITE_BASE_DOMAIN" usage:"base domain whose subdomain label is decoded as a pubkey" default:"nsite.local"`

	DefaultRelays  []string `env:"NSITE_DEFAULT_RELAYS" usage:"seed relays used for per-user list discovery"`
	DefaultServers []string `env:"NSITE_DEFAULT_SERVERS" usage:"fallback blob servers when a user publishes no server list"`

	CacheBackend      string `env:"NSITE_CACHE_BACKEND" usage:"cache store backend: memory, kv://<redis-url>, or file://<path>" default:"memory"`
	CacheMaxEntries   int    `env:"NSITE_CACHE_MAX_ENTRIES" usage:"memory backend: total entries across all namespaces before FIFO eviction kicks in" default:"1000000"`
	CacheDefaultTTLS  int    `env:"NSITE_CACHE_DEFAULT_TTL_SECONDS" usage:"default TTL applied when a caller omits one" default:"3600"`
	NegativeCacheTTLS int    `env:"NSITE_NEGATIVE_CACHE_TTL_SECONDS" usage:"TTL for negative marks" default:"10"`
	ContentCacheTTLS  int    `env:"NSITE_CONTENT_CACHE_TTL_SECONDS" usage:"TTL for cached blob bytes" default:"1800"`
	SlidingExpiration bool   `env:"NSITE_SLIDING_EXPIRATION" usage:"extend TTL on every read-path hit" default:"true"`

	RelayQueryTimeoutMS int `env:"NSITE_RELAY_QUERY_TIMEOUT_MS" usage:"maximum wall time for a single relay pool query" default:"2000"`

	ConnectionIdleThresholdS int `env:"NSITE_CONNECTION_IDLE_THRESHOLD_SECONDS" usage:"relay connections idle longer than this are reaped" default:"3600"`
	CleanupIntervalS         int `env:"NSITE_CLEANUP_INTERVAL_SECONDS" usage:"how often the relay pool janitor runs" default:"300"`

	RealtimeInvalidation        bool     `env:"NSITE_REALTIME_INVALIDATION" usage:"run the invalidation subscriber" default:"true"`
	InvalidationRelays          []string `env:"NSITE_INVALIDATION_RELAYS" usage:"relays the invalidation subscriber listens to"`
	InvalidationReconnectDelayS int      `env:"NSITE_INVALIDATION_RECONNECT_DELAY_SECONDS" usage:"delay before the invalidation subscriber retries after a drop" default:"5"`

	MaxFileSizeBytes int64 `env:"NSITE_MAX_FILE_SIZE_BYTES" usage:"blob fetcher body size cap" default:"104857600"`
	RequestTimeoutMS int   `env:"NSITE_REQUEST_TIMEOUT_MS" usage:"blob fetcher per-server deadline" default:"5000"`

	ValidateChecksum bool `env:"NSITE_VALIDATE_CHECKSUM" usage:"recompute sha256 on fetched blobs as a soft, log-only check" default:"false"`

	ListenAddr string `env:"NSITE_LISTEN_ADDR" usage:"HTTP listen address" default:":8080"`
	LogLevel   string `env:"NSITE_LOG_LEVEL" usage:"log level: debug, info, warn, error" default:"info"`
}

// Load populates a C from the environment. A malformed value for any field
// is a startup error: the caller is expected to treat a non-nil error as a
// reason to refuse to start, not to run with guessed defaults.
func Load() (*C, error) {
	cfg := &C{}
	if err := env.Load(cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *C) validate() error {
	switch {
	case c.CacheBackend == "":
		return fmt.Errorf("config: cache_backend must not be empty")
	case c.BaseDomain == "":
		return fmt.Errorf("config: base_domain must not be empty")
	case c.MaxFileSizeBytes <= 0:
		return fmt.Errorf("config: max_file_size_bytes must be positive")
	}
	return nil
}
