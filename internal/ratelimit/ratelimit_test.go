package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBucket(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	bucket := newBucketAt(2, 5, clock.now) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		assert.True(t, bucket.Allow(), "initial request %d", i)
	}
	assert.False(t, bucket.Allow(), "bucket should be empty")

	clock.advance(time.Second)
	assert.True(t, bucket.Allow())
	assert.True(t, bucket.Allow())
	assert.False(t, bucket.Allow())

	// partial refill accumulates
	clock.advance(250 * time.Millisecond)
	assert.False(t, bucket.Allow())
	clock.advance(250 * time.Millisecond)
	assert.True(t, bucket.Allow())

	// never beyond capacity
	clock.advance(time.Hour)
	for i := 0; i < 5; i++ {
		assert.True(t, bucket.Allow())
	}
	assert.False(t, bucket.Allow())
}

func TestLimiterPerKey(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(1, 1, 3)
	l.now = clock.now

	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowConnection("10.0.0.1"))
		assert.True(t, l.AllowCommand("alice"))
	}
	assert.False(t, l.AllowConnection("10.0.0.1"))
	assert.False(t, l.AllowCommand("alice"))

	// other keys have their own buckets
	assert.True(t, l.AllowConnection("10.0.0.2"))
	assert.True(t, l.AllowCommand("bob"))

	conns, cmds := l.Size()
	assert.Equal(t, 2, conns)
	assert.Equal(t, 2, cmds)

	l.Forget("alice")
	_, cmds = l.Size()
	assert.Equal(t, 1, cmds)
	assert.True(t, l.AllowCommand("alice"))
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0, 0, 5)
	for i := 0; i < 100; i++ {
		assert.True(t, l.AllowConnection("h"))
		assert.True(t, l.AllowCommand("k"))
	}
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.AllowCommand("k"))
	assert.True(t, nilLimiter.AllowConnection("h"))
	nilLimiter.Forget("k")
}

func TestLimiterPruneDropsRefilledBuckets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewLimiter(1, 1, 2)
	l.now = clock.now

	assert.True(t, l.AllowConnection("10.0.0.1"))
	assert.True(t, l.AllowConnection("10.0.0.1"))
	assert.False(t, l.AllowConnection("10.0.0.1"))
	assert.True(t, l.AllowCommand("alice"))

	// still draining: nothing is dropped and the limit still holds
	assert.Equal(t, 0, l.Prune())
	assert.False(t, l.AllowConnection("10.0.0.1"))

	clock.advance(2 * time.Second)
	assert.Equal(t, 2, l.Prune())
	conns, cmds := l.Size()
	assert.Equal(t, 0, conns)
	assert.Equal(t, 0, cmds)

	assert.True(t, l.AllowConnection("10.0.0.1"))
	assert.True(t, l.AllowConnection("10.0.0.1"))
	assert.False(t, l.AllowConnection("10.0.0.1"))

	var nilLimiter *Limiter
	assert.Equal(t, 0, nilLimiter.Prune())
}
