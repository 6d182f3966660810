package main

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/cardq/internal/deck"
	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/proto"
	"github.com/matst80/cardq/internal/registry"
)

func errorResponse(code, msg string) proto.Response {
	return proto.Response{Status: proto.StatusError, Code: code, Message: msg}
}

// codeFor maps a domain error to its wire code.
func codeFor(err error) string {
	switch {
	case errors.Is(err, registry.ErrNameTaken):
		return proto.CodeNameTaken
	case errors.Is(err, registry.ErrCapacityExceeded):
		return proto.CodeCapacityExceeded
	case errors.Is(err, registry.ErrAlreadyRegistered):
		return proto.CodeAlreadyRegistered
	case errors.Is(err, registry.ErrInvalidName):
		return proto.CodeMalformedRequest
	case errors.Is(err, deck.ErrNoSession):
		return proto.CodeNoSession
	case errors.Is(err, deck.ErrDeckEmpty):
		return proto.CodeDeckEmpty
	case errors.Is(err, deck.ErrInvalidRelease):
		return proto.CodeInvalidRelease
	case errors.Is(err, deck.ErrAlreadyHolding):
		return proto.CodeAlreadyHolding
	default:
		return proto.CodeInternal
	}
}

func failure(err error) proto.Response {
	code := codeFor(err)
	if code == proto.CodeInternal {
		obs.Error("command.internal", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("internal").Inc()
		return errorResponse(code, "internal error")
	}
	return errorResponse(code, err.Error())
}

// record counts a handled command and its latency.
func record(action string, start time.Time, resp proto.Response) {
	if action == "" {
		action = "unknown"
	}
	status := resp.Status
	if resp.Code != "" {
		status = resp.Code
	}
	obs.CommandsTotal.WithLabelValues(action, status).Inc()
	obs.CommandDurationSeconds.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

// handleUnregistered serves a command received before the connection has a
// name. Only register and see_all are accepted.
func (s *server) handleUnregistered(ctx context.Context, sess *session, line []byte) (resp proto.Response) {
	start := time.Now()
	req, err := proto.ParseRequest(line)
	defer func() { record(req.Action, start, resp) }()
	if err != nil {
		obs.Debug("command.malformed", obs.Fields{"err": err.Error(), "remote": sess.endpoint})
		return errorResponse(proto.CodeMalformedRequest, err.Error())
	}
	if !s.limiter.AllowCommand(sess.endpoint) {
		return errorResponse(proto.CodeRateLimited, "slow down")
	}
	switch req.Action {
	case proto.ActionSeeAll:
		return s.seeAll(ctx)
	case proto.ActionRegister:
		if err := s.reg.Register(ctx, req.Nickname, sess.endpoint); err != nil {
			obs.Info("session.register.rejected", obs.Fields{"name": req.Nickname, "remote": sess.endpoint, "err": err.Error()})
			return failure(err)
		}
		sess.name = req.Nickname
		sess.sub = s.hub.Add(sess.name, sess.endpoint)
		obs.Info("session.register", obs.Fields{"name": sess.name, "remote": sess.endpoint, "subscriber": sess.sub.ID})
		return proto.Response{
			Status:     proto.StatusSuccess,
			Message:    "registered " + sess.name,
			Token:      sess.sub.ID,
			NotifyAddr: s.notifyAddrFor(sess.conn),
		}
	default:
		return errorResponse(proto.CodeRegisterFirst, "register a nickname first")
	}
}

// handleRegistered serves a command from a registered, attached session. The
// session's own name is authoritative; a request naming anyone else is refused.
func (s *server) handleRegistered(ctx context.Context, sess *session, line []byte) (resp proto.Response) {
	start := time.Now()
	req, err := proto.ParseRequest(line)
	defer func() { record(req.Action, start, resp) }()
	if err != nil {
		obs.Debug("command.malformed", obs.Fields{"err": err.Error(), "name": sess.name})
		return errorResponse(proto.CodeMalformedRequest, err.Error())
	}
	if !s.limiter.AllowCommand(sess.endpoint) {
		return errorResponse(proto.CodeRateLimited, "slow down")
	}
	if req.Action != proto.ActionSeeAll && req.Action != proto.ActionRegister && req.Nickname != sess.name {
		return errorResponse(proto.CodeNoSession, "nickname does not match this session")
	}
	switch req.Action {
	case proto.ActionRegister:
		return errorResponse(proto.CodeAlreadyRegistered, "already registered as "+sess.name)
	case proto.ActionClaim:
		card, err := s.deck.Claim(ctx, sess.name)
		if err != nil {
			return failure(err)
		}
		obs.Info("deck.claim", obs.Fields{"name": sess.name, "card": card})
		return proto.Response{Status: proto.StatusSuccess, QueueCard: card}
	case proto.ActionReturn:
		if err := s.deck.Release(ctx, sess.name, req.CardID); err != nil {
			return failure(err)
		}
		obs.Info("deck.release", obs.Fields{"name": sess.name, "card": req.CardID})
		return proto.Response{Status: proto.StatusSuccess, Message: "returned " + req.CardID}
	case proto.ActionSeeAll:
		return s.seeAll(ctx)
	}
	return errorResponse(proto.CodeMalformedRequest, "unknown action")
}

func (s *server) seeAll(ctx context.Context) proto.Response {
	st, err := s.store.Snapshot(ctx)
	if err != nil {
		return failure(err)
	}
	names, queue := st.Nicknames, st.Queue
	if names == nil {
		names = map[string]string{}
	}
	if queue == nil {
		queue = []string{}
	}
	return proto.Response{Status: proto.StatusSuccess, AllRegisterList: &names, AllQueueList: &queue}
}
