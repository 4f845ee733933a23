package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowCapsPerSecond(t *testing.T) {
	now := time.Unix(1000, 0)
	w := NewWindow(10, time.Second)
	w.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		assert.True(t, w.Allow(), "call %d should pass", i)
	}
	assert.False(t, w.Allow(), "11th call in the same window must fail")

	now = now.Add(time.Second)
	assert.True(t, w.Allow(), "new window should admit again")
}

func TestWindowZeroMaxIsUnlimited(t *testing.T) {
	w := NewWindow(0, time.Second)
	for i := 0; i < 100; i++ {
		assert.True(t, w.Allow())
	}
}

func TestBucketPacesToRate(t *testing.T) {
	now := time.Unix(2000, 0)
	b := NewBucket(1024) // 1 KiB/s

	// First KiB rides the initial burst.
	assert.Equal(t, time.Duration(0), b.Take(1024, now))

	// Next KiB must wait about a second.
	d := b.Take(1024, now)
	assert.InDelta(t, float64(time.Second), float64(d), float64(50*time.Millisecond))
}

func TestBucketRefills(t *testing.T) {
	now := time.Unix(3000, 0)
	b := NewBucket(1000)
	b.Take(1000, now)
	b.Take(1000, now) // one second of debt

	// Two seconds later the debt is paid and a fresh packet is free.
	d := b.Take(500, now.Add(2*time.Second))
	assert.Equal(t, time.Duration(0), d)
}

func TestBucketZeroRateNeverDelays(t *testing.T) {
	b := NewBucket(0)
	assert.Equal(t, time.Duration(0), b.Take(1<<20, time.Now()))
}
