package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matst80/cardq/internal/obs"
	"github.com/redis/go-redis/v9"
)

const defaultMaxRetries = 32

// Redis implements Store on a Redis server. Every Update runs as an optimistic
// WATCH/MULTI/EXEC transaction over all state keys and is retried on conflict.
type Redis struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	ownClient  bool
}

var _ Store = (*Redis)(nil)

// NewRedis dials addr and verifies the connection.
func NewRedis(addr, password string, db int, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	s := NewRedisFromClient(rdb, prefix)
	s.ownClient = true
	return s, nil
}

// NewRedisFromClient wraps an existing client; Close leaves the client open.
func NewRedisFromClient(rdb *redis.Client, prefix string) *Redis {
	return &Redis{client: rdb, prefix: prefix, maxRetries: defaultMaxRetries}
}

// Client exposes the underlying client so the pub/sub bus can share the connection pool.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) keys() []string {
	names := []string{KeyDeck, KeyNicknames, KeyEndpoints, KeyQueue, KeyLedger, KeyLatestUpdate}
	for i, n := range names {
		names[i] = r.prefix + n
	}
	return names
}

func encodeState(s State) ([]any, error) {
	parts := []any{s.Deck, s.Nicknames, s.Endpoints, s.Queue, s.Ledger, s.LatestUpdate}
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal state: %w", err)
		}
		out = append(out, string(b))
	}
	return out, nil
}

func decodeState(vals []any) (State, error) {
	var s State
	targets := []any{&s.Deck, &s.Nicknames, &s.Endpoints, &s.Queue, &s.Ledger, &s.LatestUpdate}
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return State{}, fmt.Errorf("unexpected value type %T", v)
		}
		if err := json.Unmarshal([]byte(str), targets[i]); err != nil {
			return State{}, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	s.normalize()
	return s, nil
}

func (r *Redis) Seed(ctx context.Context, deck []string, reset bool) error {
	keys := r.keys()
	vals, err := encodeState(NewState(deck))
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			if reset {
				pipe.Set(ctx, k, vals[i], 0)
			} else {
				pipe.SetNX(ctx, k, vals[i], 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis seed failed: %w", err)
	}
	return nil
}

func (r *Redis) Snapshot(ctx context.Context) (State, error) {
	vals, err := r.client.MGet(ctx, r.keys()...).Result()
	if err != nil {
		return State{}, fmt.Errorf("redis mget failed: %w", err)
	}
	return decodeState(vals)
}

func (r *Redis) Update(ctx context.Context, fn func(*State) error) (State, error) {
	keys := r.keys()
	var committed State
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("redis mget failed: %w", err)
		}
		cur, err := decodeState(vals)
		if err != nil {
			return err
		}
		if err := fn(&cur); err != nil {
			return err
		}
		enc, err := encodeState(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, k := range keys {
				pipe.Set(ctx, k, enc[i], 0)
			}
			return nil
		})
		if err == nil {
			committed = cur
		}
		return err
	}
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txf, keys...)
		if err == nil {
			return committed.Clone(), nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			obs.Debug("store.redis.retry", obs.Fields{"attempt": attempt + 1})
			continue
		}
		return State{}, err
	}
	obs.ErrorsTotal.WithLabelValues("store_conflict").Inc()
	return State{}, ErrConflict
}

func (r *Redis) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}
