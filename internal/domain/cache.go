package domain

import (
	"context"
	"time"
)

// Cache is a byte-value cache keyed by namespace and key. Implementations
// are the local LRU, Redis, and the two-phase combination of both.
type Cache interface {
	// Get returns nil, nil for a missing or expired key.
	Get(ctx context.Context, namespace string, key string) ([]byte, error)

	// Set stores value for ttl; a ttl of zero or less never expires.
	Set(ctx context.Context, namespace string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, namespace string, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Cache namespaces
const (
	CacheNamespaceEmbedding = "emb"
)

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
