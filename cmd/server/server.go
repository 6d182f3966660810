package main

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/cardq/internal/deck"
	"github.com/matst80/cardq/internal/notify"
	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/pubsub"
	"github.com/matst80/cardq/internal/ratelimit"
	"github.com/matst80/cardq/internal/registry"
	"github.com/matst80/cardq/internal/store"
)

// limiterPruneInterval is how often refilled rate limit buckets are dropped.
const limiterPruneInterval = time.Minute

// server wires the registry, deck and notification hub to the two listeners.
type server struct {
	cfg     *Config
	store   store.Store
	bus     pubsub.Bus
	reg     *registry.Registry
	deck    *deck.Deck
	hub     *notify.Hub
	limiter *ratelimit.Limiter

	notifyPort string
	ready      atomic.Bool
	closing    atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func newServer(cfg *Config, st store.Store, bus pubsub.Bus) *server {
	return &server{
		cfg:   cfg,
		store: st,
		bus:   bus,
		reg:   registry.New(st, cfg.MaxSessions),
		deck:  deck.New(st, bus, cfg.Topic),
		hub: notify.NewHub(notify.Config{
			DeliverInterval: cfg.DeliverInterval,
			SweepTimeout:    cfg.SweepTimeout,
			WriteTimeout:    cfg.WriteTimeout,
		}),
		limiter: ratelimit.NewLimiter(cfg.ConnRate, cfg.CommandRate, cfg.RateBurst),
		conns:   make(map[net.Conn]struct{}),
	}
}

// serve runs every server task until ctx is done, then closes the listeners and
// open sessions and waits for their teardown.
func (s *server) serve(ctx context.Context, cmdLn, notifyLn net.Listener) error {
	if _, port, err := net.SplitHostPort(notifyLn.Addr().String()); err == nil {
		s.notifyPort = port
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.hub.Bridge(ctx, s.bus, s.cfg.Topic); err != nil {
			obs.Error("notify.bridge", obs.Fields{"err": err.Error(), "topic": s.cfg.Topic})
			obs.ErrorsTotal.WithLabelValues("bridge").Inc()
		}
	}()
	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.hub.Run(ctx) }()
	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.pruneLimiter(ctx, limiterPruneInterval) }()

	var accepts sync.WaitGroup
	accepts.Add(2)
	go func() { defer accepts.Done(); s.acceptNotify(ctx, notifyLn) }()
	go func() { defer accepts.Done(); s.acceptCommand(ctx, cmdLn) }()

	s.ready.Store(true)
	obs.Info("server.ready", obs.Fields{"listen": cmdLn.Addr().String(), "notify": notifyLn.Addr().String()})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{})
	s.closing.Store(true)
	_ = cmdLn.Close()
	_ = notifyLn.Close()
	accepts.Wait()
	s.closeSessions()
	s.wg.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return nil
}

// pruneLimiter drops idle rate limit buckets every interval until ctx is done.
func (s *server) pruneLimiter(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Prune(); n > 0 {
				obs.Debug("ratelimit.prune", obs.Fields{"dropped": n})
			}
		}
	}
}

func (s *server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// closeSessions unblocks every command loop so its teardown runs, and every
// notification handshake still waiting for its token line.
func (s *server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}
