package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestBucket_Allow(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 10, BurstSize: 5, Enabled: true})

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("request after burst should be denied")
	}
}

func TestBucket_Refill(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 100, BurstSize: 2, Enabled: true})

	bucket.Allow()
	bucket.Allow()
	if bucket.Allow() {
		t.Error("should be denied after exhausting tokens")
	}

	time.Sleep(50 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("should be allowed after refill")
	}
}

func TestBucket_Defaults(t *testing.T) {
	bucket := NewBucket(Config{})

	if bucket.maxTokens != 1 {
		t.Errorf("default burst = %v, want 1", bucket.maxTokens)
	}
	if bucket.refillRate != 4 {
		t.Errorf("default rate = %v, want 4", bucket.refillRate)
	}
}

func TestBucket_WaitTime(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 4, BurstSize: 1, Enabled: true})

	if wait := bucket.WaitTime(); wait != 0 {
		t.Errorf("full bucket wait = %v, want 0", wait)
	}

	bucket.Allow()
	wait := bucket.WaitTime()
	if wait <= 0 || wait > 300*time.Millisecond {
		t.Errorf("empty bucket wait = %v, want ~250ms", wait)
	}
}

func TestSidebarConfig(t *testing.T) {
	bucket := NewBucket(SidebarConfig())

	if !bucket.Allow() {
		t.Fatal("first sweep should pass")
	}
	if bucket.Allow() {
		t.Error("second immediate sweep should be limited")
	}
}

func TestLimiter_PerKeyIsolation(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})

	if !limiter.Allow("dev") {
		t.Fatal("first dev sweep should pass")
	}
	if limiter.Allow("dev") {
		t.Error("second dev sweep should be limited")
	}
	if !limiter.Allow("ops") {
		t.Error("ops should not be starved by dev")
	}
}

func TestLimiter_Disabled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false})

	for i := 0; i < 20; i++ {
		if !limiter.Allow("dev") {
			t.Fatal("disabled limiter must always allow")
		}
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.1, BurstSize: 1, Enabled: true})

	limiter.Allow("dev")
	if limiter.Allow("dev") {
		t.Fatal("should be limited before reset")
	}
	limiter.Reset("dev")
	if !limiter.Allow("dev") {
		t.Error("reset should let the next sweep through")
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1000, BurstSize: 1000, Enabled: true})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				limiter.Allow("dev")
			}
		}()
	}
	wg.Wait()

	// 500 of 1000 tokens consumed, modulo refill.
	if got := limiter.getBucket("dev").Tokens(); got < 400 || got > 600 {
		t.Errorf("tokens after concurrent access = %v, want ~500", got)
	}
}
