package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mimolo/operations/internal/ratelimit"
)

func TestBucket_ConsumeAndRemaining(t *testing.T) {
	b := ratelimit.New(10, time.Hour)
	defer b.Close()

	assert.True(t, b.Consume(4))
	assert.Equal(t, 6, b.Remaining())
	assert.Equal(t, uint64(4), b.ConsumedTotal())
}

func TestBucket_ConsumeFailsWhenExhausted(t *testing.T) {
	b := ratelimit.New(3, time.Hour)
	defer b.Close()

	assert.True(t, b.Consume(3))
	assert.False(t, b.Consume(1))
	assert.Equal(t, 0, b.Remaining())
}

func TestBucket_RefillsToFullCapacity(t *testing.T) {
	b := ratelimit.New(2, 20*time.Millisecond)
	defer b.Close()

	assert.True(t, b.Allow())
	assert.True(t, b.Allow())
	assert.False(t, b.Allow())

	assert.Eventually(t, func() bool {
		return b.Allow()
	}, 200*time.Millisecond, 5*time.Millisecond, "bucket should refill to capacity")
}

func TestBucket_PanicsOnInvalidParams(t *testing.T) {
	assert.Panics(t, func() { ratelimit.New(0, time.Second) })
	assert.Panics(t, func() { ratelimit.New(1, 0) })
}

func TestPerConnLimiters_IsolatesPerConnection(t *testing.T) {
	p := ratelimit.NewPerConnLimiters(1, time.Hour)

	a := p.Get(1)
	b := p.Get(2)

	assert.True(t, a.Allow())
	assert.False(t, a.Allow(), "connection 1's budget is exhausted")
	assert.True(t, b.Allow(), "connection 2 has its own independent budget")

	p.Release(1)
	// A fresh Get for the same connID after release gets a new bucket.
	fresh := p.Get(1)
	assert.True(t, fresh.Allow())
}
