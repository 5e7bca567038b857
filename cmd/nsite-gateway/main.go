// Command nsite-gateway runs the stateless HTTP gateway: it wires the Cache
// Store, Relay Pool, Resolver, Blob Fetcher, and Invalidation Subscriber
// into a minimal front door: explicit construction in main, then a single
// ListenAndServe with a SIGTERM-driven graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nsite-gateway/internal/blobfetcher"
	"nsite-gateway/internal/cache"
	"nsite-gateway/internal/config"
	"nsite-gateway/internal/frontdoor"
	"nsite-gateway/internal/invalidation"
	"nsite-gateway/internal/logging"
	"nsite-gateway/internal/relaypool"
	"nsite-gateway/internal/resolver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not initialized yet; this is the one place the gateway
		// reports a startup failure directly to stderr.
		println("nsite-gateway: " + err.Error())
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)
	log.Info("starting nsite-gateway", "base_domain", cfg.BaseDomain, "cache_backend", cfg.CacheBackend)

	backend, err := cache.NewBackend(cfg.CacheBackend, cfg.CacheMaxEntries, log)
	if err != nil {
		log.Error("failed to open cache backend", "err", err)
		os.Exit(1)
	}
	store := cache.NewStoreTTL(backend, cfg.SlidingExpiration, cache.TTLs{
		Default:  time.Duration(cfg.CacheDefaultTTLS) * time.Second,
		Content:  time.Duration(cfg.ContentCacheTTLS) * time.Second,
		Negative: time.Duration(cfg.NegativeCacheTTLS) * time.Second,
	}, log)

	pool := relaypool.New(
		time.Duration(cfg.ConnectionIdleThresholdS)*time.Second,
		time.Duration(cfg.CleanupIntervalS)*time.Second,
		log,
	)

	rv := resolver.New(store, pool, resolver.Config{
		DefaultRelays:     cfg.DefaultRelays,
		DefaultServers:    cfg.DefaultServers,
		RelayQueryTimeout: time.Duration(cfg.RelayQueryTimeoutMS) * time.Millisecond,
	}, log)

	bf := blobfetcher.New(store, &http.Client{}, blobfetcher.Config{
		RequestTimeout:   time.Duration(cfg.RequestTimeoutMS) * time.Millisecond,
		MaxFileSize:      cfg.MaxFileSizeBytes,
		ValidateChecksum: cfg.ValidateChecksum,
	}, log)

	sub := invalidation.New(store, pool, invalidation.Config{
		Enabled:        cfg.RealtimeInvalidation,
		Relays:         nonEmptyOr(cfg.InvalidationRelays, cfg.DefaultRelays),
		DefaultRelays:  cfg.DefaultRelays,
		DefaultServers: cfg.DefaultServers,
		ReconnectDelay: time.Duration(cfg.InvalidationReconnectDelayS) * time.Second,
	}, log)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	sub.Start(rootCtx)

	handler := frontdoor.New(cfg.BaseDomain, rv, bf, store, pool, sub, cfg.CacheBackend)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           logging.Middleware(handler.Routes()),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigterm := make(chan os.Signal, 1)
		signal.Notify(sigterm, syscall.SIGTERM, syscall.SIGINT)
		<-sigterm
		log.Info("shutdown signal received, draining")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop accepting, drain in-flight requests, then shut down the
		// subscriber, the relay pool, and the cache backend, in that order.
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "err", err)
		}
		rootCancel()
		sub.Shutdown()
		pool.Shutdown()
		if err := store.Close(); err != nil {
			log.Error("cache store close error", "err", err)
		}
		log.Info("shutdown complete")
	}()

	log.Info("listening", "addr", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server failed", "err", err)
		os.Exit(1)
	}
	<-shutdownDone
}

func nonEmptyOr(primary, fallback []string) []string {
	if len(primary) > 0 {
		return primary
	}
	return fallback
}
