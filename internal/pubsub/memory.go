package pubsub

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrClosed is returned by a closed bus.
var ErrClosed = errors.New("pubsub: bus closed")

// Memory is an in-process Bus. Delivery to each subscriber happens on that
// subscriber's own goroutine, in publish order, so a slow handler never blocks Publish.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	done   chan struct{}
}

type memorySub struct {
	mu      sync.Mutex
	pending [][]byte
	wake    chan struct{}
}

var _ Bus = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{}), done: make(chan struct{})}
}

func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[topic] {
		s.mu.Lock()
		s.pending = append(s.pending, slices.Clone(payload))
		s.mu.Unlock()
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) error {
	s := &memorySub{wake: make(chan struct{}, 1)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*memorySub]struct{})
	}
	m.subs[topic][s] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.subs[topic], s)
		m.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case <-s.wake:
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			for _, p := range batch {
				handler(p)
			}
		}
	}
}

// Subscribers reports how many subscriptions are active on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
