package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/pubsub"
	"github.com/matst80/cardq/internal/store"
)

// newBackends creates the state store and change event bus selected by cfg and
// seeds the deck.
func newBackends(ctx context.Context, cfg *Config) (store.Store, pubsub.Bus, error) {
	var st store.Store
	var rs *store.Redis
	if cfg.RedisAddr == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		st = store.NewMemory()
	} else {
		obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
		var err error
		rs, err = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}
		st = rs
	}

	var bus pubsub.Bus
	switch cfg.Bus {
	case "redis":
		bus = pubsub.NewRedis(rs.Client())
	case "nats":
		nb, err := pubsub.NewNATS(pubsub.NATSParams{
			ServerURI:           cfg.NATSURL,
			ConnectTimeout:      5 * time.Second,
			MaxReconnectAttempt: -1,
			ReconnectWait:       2 * time.Second,
		})
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		bus = nb
	default:
		bus = pubsub.NewMemory()
	}
	obs.Info("bus.backend", obs.Fields{"type": cfg.Bus, "topic": cfg.Topic})

	if err := st.Seed(ctx, cfg.Deck, cfg.ResetState); err != nil {
		_ = bus.Close()
		_ = st.Close()
		return nil, nil, fmt.Errorf("seed state: %w", err)
	}
	snap, err := st.Snapshot(ctx)
	if err == nil {
		obs.DeckAvailable.Set(float64(len(snap.Deck)))
		obs.ActiveSessions.Set(float64(len(snap.Nicknames)))
	}
	return st, bus, nil
}
