package store

import (
	"context"
	"errors"
	"maps"
	"slices"
)

// DefaultDeck is the card set a fresh store is seeded with.
var DefaultDeck = []string{"s1", "s2", "s3", "s4", "s5", "s6", "d7", "s8", "s9", "s10", "JK"}

// Store keys, shared by every backend.
const (
	KeyDeck         = "card_deck"
	KeyNicknames    = "nicknames"
	KeyEndpoints    = "address_w_name"
	KeyQueue        = "queue"
	KeyLedger       = "jangbu"
	KeyLatestUpdate = "latest_update"
)

// ErrConflict is returned when an Update could not commit after all retries.
var ErrConflict = errors.New("store: too many concurrent updates")

// LatestUpdate is a single-slot record of the last deck mutation.
type LatestUpdate struct {
	Action   string `json:"action"`
	CardID   string `json:"card_id"`
	Nickname string `json:"nickname"`
}

// State is the composite value every transition reads and writes as a whole.
type State struct {
	Deck         []string          `json:"card_deck"`
	Nicknames    map[string]string `json:"nicknames"`      // name -> endpoint
	Endpoints    map[string]string `json:"address_w_name"` // endpoint -> name
	Queue        []string          `json:"queue"`
	Ledger       map[string]string `json:"jangbu"` // name -> card
	LatestUpdate LatestUpdate      `json:"latest_update"`
}

// NewState returns an empty state holding the given deck.
func NewState(deck []string) State {
	return State{
		Deck:      slices.Clone(deck),
		Nicknames: map[string]string{},
		Endpoints: map[string]string{},
		Queue:     []string{},
		Ledger:    map[string]string{},
	}
}

// Clone returns a deep copy so callers never share slices or maps with the store.
func (s State) Clone() State {
	c := State{
		Deck:         slices.Clone(s.Deck),
		Nicknames:    maps.Clone(s.Nicknames),
		Endpoints:    maps.Clone(s.Endpoints),
		Queue:        slices.Clone(s.Queue),
		Ledger:       maps.Clone(s.Ledger),
		LatestUpdate: s.LatestUpdate,
	}
	c.normalize()
	return c
}

func (s *State) normalize() {
	if s.Deck == nil {
		s.Deck = []string{}
	}
	if s.Nicknames == nil {
		s.Nicknames = map[string]string{}
	}
	if s.Endpoints == nil {
		s.Endpoints = map[string]string{}
	}
	if s.Queue == nil {
		s.Queue = []string{}
	}
	if s.Ledger == nil {
		s.Ledger = map[string]string{}
	}
}

// Store is the shared state backend. Update is the only way to mutate it: fn sees a
// private copy and its changes are committed atomically, or not at all if fn fails.
type Store interface {
	Seed(ctx context.Context, deck []string, reset bool) error
	Snapshot(ctx context.Context) (State, error)
	Update(ctx context.Context, fn func(*State) error) (State, error)
	Close() error
}
