// Package store — shared key-value state behind a minimal interface.
//
// Every piece of cross-request state (circuits, pending challenges, local
// passports, rate-limit counters, the persisted threat level) lives in one
// shared store with Redis-compatible semantics. Components depend on the
// Store interface; cmd/fortify creates the concrete go-redis client and
// injects it. The in-memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and GetDel when the key is absent or has
// expired.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal key-value surface the gateway needs. All TTLs are
// enforced by the store itself.
type Store interface {
	// Set writes value under key with the given TTL (0 = no expiry).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetDel atomically fetches and deletes key. Single-use semantics for
	// pending challenges depend on this being one operation.
	GetDel(ctx context.Context, key string) ([]byte, error)
	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// Incr atomically increments the integer at key and returns the new
	// value. A missing key counts as 0.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire sets the TTL on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, or a negative duration if
	// the key is missing or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// Well-known key prefixes. One blob per circuit, one per challenge, one per
// passport token.
const (
	CircuitPrefix   = "circuit:"
	CaptchaPrefix   = "captcha:"
	PassportPrefix  = "passport:"
	RateLimitPrefix = "ratelimit:"

	ThreatLevelKey = "cerberus:threat_level"

	// Reserved for cluster and metrics state.
	ClusterNodePrefix = "cluster:node:"
	MetricsPrefix     = "metrics:"
)
