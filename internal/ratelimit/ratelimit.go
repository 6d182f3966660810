package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket refilled continuously at rate tokens per second.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

// NewBucket creates a full bucket.
func NewBucket(rate float64, capacity int) *Bucket {
	return newBucketAt(rate, capacity, time.Now)
}

func newBucketAt(rate float64, capacity int, now func() time.Time) *Bucket {
	return &Bucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     rate,
		last:     now(),
		now:      now,
	}
}

// Allow consumes one token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// full reports whether the bucket has refilled to capacity.
func (b *Bucket) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens+b.now().Sub(b.last).Seconds()*b.rate >= b.capacity
}

// Limiter throttles new primary connections per remote host and commands per
// session. A zero rate disables that limit.
type Limiter struct {
	mu          sync.Mutex
	connRate    float64
	commandRate float64
	burst       int
	conns       map[string]*Bucket
	commands    map[string]*Bucket
	now         func() time.Time
}

func NewLimiter(connRate, commandRate float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		connRate:    connRate,
		commandRate: commandRate,
		burst:       burst,
		conns:       make(map[string]*Bucket),
		commands:    make(map[string]*Bucket),
		now:         time.Now,
	}
}

func (l *Limiter) bucket(m map[string]*Bucket, key string, rate float64) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := m[key]
	if !ok {
		b = newBucketAt(rate, l.burst, l.now)
		m[key] = b
	}
	return b
}

// AllowConnection reports whether host may open another primary connection.
func (l *Limiter) AllowConnection(host string) bool {
	if l == nil || l.connRate <= 0 {
		return true
	}
	return l.bucket(l.conns, host, l.connRate).Allow()
}

// AllowCommand reports whether the session identified by key may run another command.
func (l *Limiter) AllowCommand(key string) bool {
	if l == nil || l.commandRate <= 0 {
		return true
	}
	return l.bucket(l.commands, key, l.commandRate).Allow()
}

// Forget drops the command bucket of a finished session.
func (l *Limiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.commands, key)
	l.mu.Unlock()
}

// Prune drops every bucket that has refilled to capacity. Such a bucket
// behaves exactly like a fresh one, so pruning never changes a decision.
func (l *Limiter) Prune() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range []map[string]*Bucket{l.conns, l.commands} {
		for key, b := range m {
			if b.full() {
				delete(m, key)
				n++
			}
		}
	}
	return n
}

// Size returns the number of tracked connection and command buckets.
func (l *Limiter) Size() (conns, commands int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns), len(l.commands)
}
