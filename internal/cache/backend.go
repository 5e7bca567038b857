// Package cache implements the Cache Store (CS): a namespaced, TTL'd,
// pluggable key-value layer. It owns every cached value in the gateway;
// every other component is a transient reader or producer.
package cache

import (
	"context"
	"time"
)

// Backend is the pluggable storage contract a Cache Store namespace is built
// on. Implementations treat values as opaque bytes; encoding lives one
// layer up, in Namespace.
type Backend interface {
	// Get returns (value, found, error). A backend error is reported so the
	// namespace layer can log it, but callers must treat it as a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ClearPrefix removes every key beginning with prefix. Used by CS.clear(ns).
	ClearPrefix(ctx context.Context, prefix string) error

	// Close releases backend resources (connections, file handles).
	Close() error
}

// Toucher is optionally implemented by backends that can refresh a key's TTL
// without retransmitting its value (e.g. Redis EXPIRE). Namespace.Touch uses
// this when available and falls back to a Get+Set pair otherwise.
type Toucher interface {
	Touch(ctx context.Context, key string, ttl time.Duration) error
}
