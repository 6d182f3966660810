package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/matst80/cardq/internal/notify"
	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/proto"
)

// maxLine caps a single command or handshake line.
const maxLine = 64 * 1024

// session is the per-connection state of one primary command connection.
type session struct {
	conn     net.Conn
	rd       *bufio.Reader
	endpoint string
	name     string
	sub      *notify.Subscriber
}

func (s *server) acceptCommand(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.command.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
		if !s.limiter.AllowConnection(host) {
			obs.ErrorsTotal.WithLabelValues("conn_rate_limited").Inc()
			_ = writeJSONLine(c, errorResponse(proto.CodeRateLimited, "too many connections"))
			_ = c.Close()
			continue
		}
		if !s.track(c) {
			_ = c.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleCommandConn(ctx, c)
		}()
	}
}

// handleCommandConn runs one client's registration loop, waits for its
// dedicated socket, then serves commands until the peer goes away.
func (s *server) handleCommandConn(ctx context.Context, c net.Conn) {
	sess := &session{conn: c, rd: bufio.NewReaderSize(c, 4096), endpoint: c.RemoteAddr().String()}
	defer s.teardown(sess)
	obs.Info("session.open", obs.Fields{"remote": sess.endpoint})

	for sess.sub == nil {
		line, err := readLine(sess.rd)
		if err != nil {
			logReadEnd(sess, err)
			return
		}
		if line == nil {
			continue
		}
		if err := writeJSONLine(c, s.handleUnregistered(ctx, sess, line)); err != nil {
			obs.Error("session.write", obs.Fields{"err": err.Error(), "remote": sess.endpoint})
			return
		}
	}

	timer := time.NewTimer(s.cfg.NotifyTimeout)
	select {
	case <-sess.sub.Attached():
		timer.Stop()
		if _, ok := s.hub.Get(sess.sub.ID); !ok {
			obs.Error("session.notify.lost", obs.Fields{"name": sess.name, "remote": sess.endpoint})
			return
		}
	case <-timer.C:
		obs.Error("session.notify.timeout", obs.Fields{"name": sess.name, "remote": sess.endpoint})
		obs.ErrorsTotal.WithLabelValues("notify_timeout").Inc()
		return
	case <-ctx.Done():
		timer.Stop()
		return
	}

	for {
		line, err := readLine(sess.rd)
		if err != nil {
			logReadEnd(sess, err)
			return
		}
		if line == nil {
			continue
		}
		if err := writeJSONLine(c, s.handleRegistered(ctx, sess, line)); err != nil {
			obs.Error("session.write", obs.Fields{"err": err.Error(), "name": sess.name})
			return
		}
	}
}

// readLine returns the next non-empty trimmed line, nil for a blank line, or
// the read error. io.EOF is the peer's orderly close.
func readLine(rd *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := rd.ReadLine()
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > maxLine {
			return nil, errors.New("line too long")
		}
		if !isPrefix {
			break
		}
	}
	buf = bytes.TrimSpace(buf)
	if len(buf) == 0 {
		return nil, nil
	}
	return buf, nil
}

func logReadEnd(sess *session, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		obs.Info("session.closed", obs.Fields{"name": sess.name, "remote": sess.endpoint})
		return
	}
	obs.Error("session.read", obs.Fields{"err": err.Error(), "name": sess.name, "remote": sess.endpoint})
}

// teardown releases everything the session owned. Every step runs even if an
// earlier one failed.
func (s *server) teardown(sess *session) {
	_ = sess.conn.Close()
	s.untrack(sess.conn)
	s.limiter.Forget(sess.endpoint)
	if sess.sub != nil {
		s.hub.Remove(sess.sub.ID, notify.ReasonSession)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	name, ok, err := s.reg.LookupByEndpoint(ctx, sess.endpoint)
	switch {
	case err != nil:
		obs.Error("teardown.lookup", obs.Fields{"err": err.Error(), "remote": sess.endpoint})
		obs.ErrorsTotal.WithLabelValues("teardown_lookup").Inc()
		if sess.name == "" {
			return
		}
		name = sess.name
	case !ok:
		if sess.name != "" {
			obs.Error("teardown.unresolved", obs.Fields{"name": sess.name, "remote": sess.endpoint})
			obs.ErrorsTotal.WithLabelValues("teardown_unresolved").Inc()
		}
		return
	}

	card, released, err := s.deck.ForceRelease(ctx, name)
	if err != nil {
		obs.Error("teardown.release", obs.Fields{"err": err.Error(), "name": name})
		obs.ErrorsTotal.WithLabelValues("teardown_release").Inc()
	} else if released {
		obs.Info("teardown.released", obs.Fields{"name": name, "card": card})
	}
	if err := s.reg.Unregister(ctx, name); err != nil {
		obs.Error("teardown.unregister", obs.Fields{"err": err.Error(), "name": name})
		obs.ErrorsTotal.WithLabelValues("teardown_unregister").Inc()
	}
	obs.Info("session.teardown", obs.Fields{"name": name, "remote": sess.endpoint})
}

func (s *server) acceptNotify(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.notify.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		if !s.track(c) {
			_ = c.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			s.handleNotifyConn(c)
		}()
	}
}

// handleNotifyConn reads the token line and hands the socket to the hub. From
// then on the hub owns it.
func (s *server) handleNotifyConn(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.NotifyTimeout))
	line, err := readLine(bufio.NewReader(c))
	if err != nil || line == nil {
		f := obs.Fields{"remote": c.RemoteAddr().String()}
		if err != nil {
			f["err"] = err.Error()
		}
		obs.Error("notify.handshake.read", f)
		obs.ErrorsTotal.WithLabelValues("notify_read").Inc()
		_ = c.Close()
		return
	}
	_ = c.SetReadDeadline(time.Time{})
	var hello proto.NotifyHello
	if err := json.Unmarshal(line, &hello); err != nil || hello.Token == "" {
		obs.ErrorsTotal.WithLabelValues("notify_json").Inc()
		_ = writeJSONLine(c, errorResponse(proto.CodeMalformedRequest, "expected {\"token\": ...}"))
		_ = c.Close()
		return
	}
	if _, err := s.hub.Attach(hello.Token, c); err != nil {
		obs.Error("notify.attach", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
		obs.ErrorsTotal.WithLabelValues("notify_attach").Inc()
		_ = writeJSONLine(c, errorResponse(proto.CodeNoSession, err.Error()))
		_ = c.Close()
	}
}

// notifyAddrFor is the dedicated socket address announced to a client.
func (s *server) notifyAddrFor(c net.Conn) string {
	if s.cfg.NotifyAdvertise != "" {
		return s.cfg.NotifyAdvertise
	}
	host, _, err := net.SplitHostPort(c.LocalAddr().String())
	if err != nil || s.notifyPort == "" {
		return ""
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), s.notifyPort)
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
