package main

import (
	"context"
	"time"

	"github.com/matst80/cardq/internal/proto"
)

// Holder is one name currently holding a card.
type Holder struct {
	Name string `json:"name"`
	Card string `json:"card"`
}

// Stats represents current server state for dashboards & API.
type Stats struct {
	Available   int           `json:"available"`
	Sessions    int           `json:"sessions"`
	Subscribers int           `json:"subscribers"`
	Queue       []string      `json:"queue"`
	Holders     []Holder      `json:"holders"`
	Latest      *proto.Update `json:"latest_update,omitempty"`
	Now         string        `json:"now"`
}

func (s *server) collectStats(ctx context.Context) (Stats, error) {
	st, err := s.store.Snapshot(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		Available:   len(st.Deck),
		Sessions:    len(st.Nicknames),
		Subscribers: s.hub.Len(),
		Queue:       st.Queue,
		Holders:     make([]Holder, 0, len(st.Ledger)),
		Now:         time.Now().UTC().Format(time.RFC3339),
	}
	if out.Queue == nil {
		out.Queue = []string{}
	}
	// claim order, matching top_queue
	for _, name := range st.Queue {
		if card, ok := st.Ledger[name]; ok {
			out.Holders = append(out.Holders, Holder{Name: name, Card: card})
		}
	}
	if st.LatestUpdate.Action != "" {
		out.Latest = &proto.Update{Action: st.LatestUpdate.Action, CardID: st.LatestUpdate.CardID, Nickname: st.LatestUpdate.Nickname}
	}
	return out, nil
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Available":   s.Available,
		"Sessions":    s.Sessions,
		"Subscribers": s.Subscribers,
		"Holders":     s.Holders,
		"Latest":      s.Latest,
	}
}
