package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"redis":  NewRedisFromClient(rdb, "test:"),
	}
}

func TestSeedAndSnapshot(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			require.NoError(t, s.Seed(ctx, []string{"a", "b"}, true))

			st, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal([]string{"a", "b"}, st.Deck)
			assert.Empty(st.Nicknames)
			assert.Empty(st.Queue)
			assert.NotNil(st.Ledger)

			// Seed without reset keeps existing values.
			_, err = s.Update(ctx, func(st *State) error {
				st.Deck = st.Deck[1:]
				st.Ledger["x"] = "a"
				return nil
			})
			require.NoError(t, err)
			require.NoError(t, s.Seed(ctx, []string{"z"}, false))
			st, err = s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal([]string{"b"}, st.Deck)
			assert.Equal("a", st.Ledger["x"])
		})
	}
}

func TestUpdateFailureWritesNothing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Seed(ctx, []string{"a"}, true))
			boom := errors.New("boom")
			_, err := s.Update(ctx, func(st *State) error {
				st.Deck = nil
				return boom
			})
			assert.ErrorIs(t, err, boom)
			st, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, st.Deck)
		})
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Seed(ctx, []string{"a", "b"}, true))
			st, err := s.Snapshot(ctx)
			require.NoError(t, err)
			st.Deck[0] = "mutated"
			st.Nicknames["ghost"] = "nowhere"
			again, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, again.Deck)
			assert.NotContains(t, again.Nicknames, "ghost")
		})
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			deck := []string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8"}
			require.NoError(t, s.Seed(ctx, deck, true))

			var mu sync.Mutex
			got := map[string]int{}
			var wg sync.WaitGroup
			for i := 0; i < len(deck); i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					var card string
					_, err := s.Update(ctx, func(st *State) error {
						card = st.Deck[0]
						st.Deck = st.Deck[1:]
						return nil
					})
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					got[card]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Len(t, got, len(deck))
			for card, n := range got {
				assert.Equal(t, 1, n, "card %s handed out more than once", card)
			}
			st, err := s.Snapshot(ctx)
			require.NoError(t, err)
			assert.Empty(t, st.Deck)
		})
	}
}
