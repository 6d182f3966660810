package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu  sync.Mutex
	got []string
}

func (c *collector) handle(p []byte) {
	c.mu.Lock()
	c.got = append(c.got, string(p))
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got...)
}

func runBusOrdering(t *testing.T, bus Bus, subscribed func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := &collector{}, &collector{}
	var wg sync.WaitGroup
	for _, c := range []*collector{a, b} {
		wg.Add(1)
		go func(c *collector) {
			defer wg.Done()
			assert.NoError(t, bus.Subscribe(ctx, DefaultTopic, c.handle))
		}(c)
	}
	require.Eventually(t, subscribed, time.Second, 5*time.Millisecond)

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, bus.Publish(ctx, DefaultTopic, []byte(m)))
	}
	want := []string{"one", "two", "three"}
	require.Eventually(t, func() bool {
		return len(a.snapshot()) == 3 && len(b.snapshot()) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, a.snapshot())
	assert.Equal(t, want, b.snapshot())

	cancel()
	wg.Wait()
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()
	runBusOrdering(t, bus, func() bool { return bus.Subscribers(DefaultTopic) == 2 })
	assert.Equal(t, 0, bus.Subscribers(DefaultTopic))
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemory()
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(context.Background(), DefaultTopic, []byte("x")), ErrClosed)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), DefaultTopic, func([]byte) {}), ErrClosed)
}

func TestRedisBus(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	bus := NewRedis(rdb)
	runBusOrdering(t, bus, func() bool {
		return mr.PubSubNumSub(DefaultTopic)[DefaultTopic] == 2
	})
}
