package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store guarded by a single mutex.
type Memory struct {
	mu    sync.Mutex
	state State
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{state: NewState(nil)}
}

func (m *Memory) Seed(_ context.Context, deck []string, reset bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reset || (len(m.state.Deck) == 0 && len(m.state.Ledger) == 0) {
		m.state = NewState(deck)
	}
	return nil
}

func (m *Memory) Snapshot(_ context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *Memory) Update(ctx context.Context, fn func(*State) error) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.Clone()
	if err := fn(&next); err != nil {
		return State{}, err
	}
	m.state = next
	return next.Clone(), nil
}

func (m *Memory) Close() error { return nil }
