// Package ratelimit throttles client traffic. Bucket guards the raw frame
// rate of one connection; Keyed and Window bound expensive actions such as
// code execution per key, in memory or across instances through Redis.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a key has exhausted its allowance.
var ErrRateLimited = errors.New("rate limit exceeded")

// Bucket is a token bucket refilled continuously at rate tokens per second.
type Bucket struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewBucket(rate float64, burst int) *Bucket {
	return newBucketAt(rate, burst, time.Now)
}

func newBucketAt(rate float64, burst int, now func() time.Time) *Bucket {
	return &Bucket{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (b *Bucket) Allow() bool {
	return b.AllowN(1)
}

func (b *Bucket) AllowN(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.lastUpdate = now

	b.tokens += elapsed * b.rate
	if b.tokens > float64(b.burst) {
		b.tokens = float64(b.burst)
	}

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Keyed hands out one Bucket per key, e.g. per connection id.
type Keyed struct {
	buckets map[string]*Bucket
	rate    float64
	burst   int
	max     int
	mu      sync.Mutex
}

// NewKeyed allows limit actions per window for each key.
func NewKeyed(limit int, window time.Duration) *Keyed {
	return &Keyed{
		buckets: make(map[string]*Bucket),
		rate:    float64(limit) / window.Seconds(),
		burst:   limit,
		max:     10000,
	}
}

func (k *Keyed) Allow(_ context.Context, key string) error {
	k.mu.Lock()
	bucket, ok := k.buckets[key]
	if !ok {
		if len(k.buckets) >= k.max {
			// Buckets are tiny; a reset only forgives in-flight allowances.
			k.buckets = make(map[string]*Bucket)
		}
		bucket = NewBucket(k.rate, k.burst)
		k.buckets[key] = bucket
	}
	k.mu.Unlock()

	if !bucket.Allow() {
		return ErrRateLimited
	}
	return nil
}

// Forget drops the bucket for key once its connection is gone.
func (k *Keyed) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.buckets, key)
}

func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
