// Package ratelimit provides a token bucket used to bound the rate of
// incoming Command Bridge Server requests, so one misbehaving Control
// client cannot flood the runtime tick thread with queued actions
// (§4.8, §4.9).
package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bucket is a thread-safe token bucket. Tokens refill to full capacity
// once per refillPeriod rather than trickling in continuously, matching
// the simplest policy that still bounds a sustained burst.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	consumedTotal atomic.Uint64
	refillCount   atomic.Uint64

	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts its refill
// goroutine. Call Close to stop the goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("ratelimit.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("ratelimit.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Allow consumes one token, reporting whether the request may proceed.
func (b *Bucket) Allow() bool {
	return b.Consume(1)
}

// Consume attempts to consume cost tokens, returning whether they were
// available.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the bucket's maximum token count.
func (b *Bucket) Capacity() int {
	return b.capacity
}

// ConsumedTotal returns the lifetime count of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of completed refill cycles.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}

// PerConnLimiters hands out one Bucket per remote connection, keyed by
// an opaque connection id, and reaps entries once the connection closes
// so the map does not grow unbounded across a long-lived bridge.
type PerConnLimiters struct {
	mu       sync.Mutex
	capacity int
	period   time.Duration
	buckets  map[uint64]*Bucket
}

// NewPerConnLimiters constructs a PerConnLimiters with the given
// per-connection bucket parameters.
func NewPerConnLimiters(capacity int, period time.Duration) *PerConnLimiters {
	return &PerConnLimiters{capacity: capacity, period: period, buckets: make(map[uint64]*Bucket)}
}

// Get returns (creating if needed) the Bucket for connID.
func (p *PerConnLimiters) Get(connID uint64) *Bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[connID]
	if !ok {
		b = New(p.capacity, p.period)
		p.buckets[connID] = b
	}
	return b
}

// Release stops and discards the bucket for connID.
func (p *PerConnLimiters) Release(connID uint64) {
	p.mu.Lock()
	b, ok := p.buckets[connID]
	delete(p.buckets, connID)
	p.mu.Unlock()
	if ok {
		b.Close()
	}
}
