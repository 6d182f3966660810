// Package deck implements the card claim / release state machine over the shared store.
package deck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/proto"
	"github.com/matst80/cardq/internal/pubsub"
	"github.com/matst80/cardq/internal/store"
)

// Actions recorded in LatestUpdate.
const (
	ActionClaim   = "claim"
	ActionRelease = "release"
)

// TopQueueSize is how many queued names a publish carries.
const TopQueueSize = 3

var (
	ErrNoSession      = errors.New("no active session for name")
	ErrDeckEmpty      = errors.New("deck is empty")
	ErrInvalidRelease = errors.New("card is not held by name")
	ErrAlreadyHolding = errors.New("name already holds a card")
)

// Deck runs every transition as one store transaction and publishes the
// committed result on the bus.
type Deck struct {
	store store.Store
	bus   pubsub.Bus
	topic string
}

func New(s store.Store, bus pubsub.Bus, topic string) *Deck {
	if topic == "" {
		topic = pubsub.DefaultTopic
	}
	return &Deck{store: s, bus: bus, topic: topic}
}

// Claim hands the head of the deck to name.
func (d *Deck) Claim(ctx context.Context, name string) (string, error) {
	var card string
	st, err := d.store.Update(ctx, func(st *store.State) error {
		if _, ok := st.Nicknames[name]; !ok {
			return ErrNoSession
		}
		if _, ok := st.Ledger[name]; ok {
			return ErrAlreadyHolding
		}
		if len(st.Deck) == 0 {
			return ErrDeckEmpty
		}
		card = st.Deck[0]
		st.Deck = st.Deck[1:]
		st.Ledger[name] = card
		st.Queue = append(st.Queue, name)
		st.LatestUpdate = store.LatestUpdate{Action: ActionClaim, CardID: card, Nickname: name}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("claim for %q: %w", name, err)
	}
	d.publish(ctx, st)
	return card, nil
}

// Release returns card, held by name, to the tail of the deck.
func (d *Deck) Release(ctx context.Context, name, card string) error {
	st, err := d.store.Update(ctx, func(st *store.State) error {
		if _, ok := st.Nicknames[name]; !ok {
			return ErrNoSession
		}
		return release(st, name, card)
	})
	if err != nil {
		return fmt.Errorf("release %q for %q: %w", card, name, err)
	}
	d.publish(ctx, st)
	return nil
}

// ForceRelease returns whatever name holds. It does not require an active
// session and is a no-op when name holds nothing.
func (d *Deck) ForceRelease(ctx context.Context, name string) (string, bool, error) {
	var card string
	st, err := d.store.Update(ctx, func(st *store.State) error {
		held, ok := st.Ledger[name]
		if !ok {
			return nil
		}
		card = held
		return release(st, name, held)
	})
	if err != nil {
		return "", false, fmt.Errorf("force release for %q: %w", name, err)
	}
	if card == "" {
		return "", false, nil
	}
	d.publish(ctx, st)
	return card, true, nil
}

func release(st *store.State, name, card string) error {
	if slices.Contains(st.Deck, card) {
		return ErrInvalidRelease
	}
	if held, ok := st.Ledger[name]; !ok || held != card {
		return ErrInvalidRelease
	}
	st.Deck = append(st.Deck, card)
	delete(st.Ledger, name)
	st.Queue = slices.DeleteFunc(st.Queue, func(n string) bool { return n == name })
	st.LatestUpdate = store.LatestUpdate{Action: ActionRelease, CardID: card, Nickname: name}
	return nil
}

// Status returns the publish view of the current state.
func (d *Deck) Status(ctx context.Context) (proto.Publish, error) {
	st, err := d.store.Snapshot(ctx)
	if err != nil {
		return proto.Publish{}, err
	}
	return View(st), nil
}

// View renders st as the notification payload.
func View(st store.State) proto.Publish {
	top := st.Queue
	if len(top) > TopQueueSize {
		top = top[:TopQueueSize]
	}
	return proto.Publish{
		Status:   proto.StatusPublish,
		CardDeck: len(st.Deck),
		TopQueue: slices.Clone(top),
		LatestUpdate: proto.Update{
			Action:   st.LatestUpdate.Action,
			CardID:   st.LatestUpdate.CardID,
			Nickname: st.LatestUpdate.Nickname,
		},
	}
}

func (d *Deck) publish(ctx context.Context, st store.State) {
	obs.DeckAvailable.Set(float64(len(st.Deck)))
	if d.bus == nil {
		return
	}
	b, err := json.Marshal(View(st))
	if err != nil {
		obs.Error("deck.publish.marshal", obs.Fields{"err": err.Error()})
		return
	}
	if err := d.bus.Publish(ctx, d.topic, b); err != nil {
		obs.Error("deck.publish", obs.Fields{"err": err.Error(), "topic": d.topic})
		obs.ErrorsTotal.WithLabelValues("publish").Inc()
	}
}
