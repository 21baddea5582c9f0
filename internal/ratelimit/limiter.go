// Package ratelimit provides token-bucket rate limiting for UI refresh paths.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int
	// Enabled controls whether rate limiting is active.
	Enabled bool
}

// SidebarConfig returns the presence sidebar refresh limit: one sweep per
// 250ms with no burst headroom.
func SidebarConfig() Config {
	return Config{
		RequestsPerSecond: 4,
		BurstSize:         1,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewBucket creates a new token bucket, full at start.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 4
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}

	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time. Caller holds the lock.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long until the next request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / b.refillRate * float64(time.Second))
}

// Limiter manages one bucket per key. Presence keys buckets by room so one
// busy room cannot starve another room's sidebar.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
}

// NewLimiter creates a keyed rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
	}
}

// Allow checks whether a request for the given key should proceed.
func (l *Limiter) Allow(key string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getBucket(key).Allow()
}

// Reset discards the bucket for a key, letting the next request through.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) getBucket(key string) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}
	bucket = NewBucket(l.config)
	l.buckets[key] = bucket
	return bucket
}
