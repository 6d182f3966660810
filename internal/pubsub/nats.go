package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/cardq/internal/obs"
	"github.com/nats-io/nats.go"
)

// NATSParams NATS connection parameters.
type NATSParams struct {
	// ServerURI connect to the NATS cluster with URI
	ServerURI string
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
}

// NATS is a Bus on core NATS subjects.
type NATS struct {
	nc *nats.Conn
}

var _ Bus = (*NATS)(nil)

func NewNATS(p NATSParams) (*NATS, error) {
	fields := obs.Fields{"server": p.ServerURI}
	nc, err := nats.Connect(
		p.ServerURI,
		nats.Timeout(p.ConnectTimeout),
		nats.MaxReconnects(p.MaxReconnectAttempt),
		nats.ReconnectWait(p.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, e error) {
			f := obs.Fields{"server": p.ServerURI}
			if e != nil {
				f["err"] = e.Error()
			}
			obs.Error("pubsub.nats.disconnected", f)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			obs.Warn("pubsub.nats.reconnected", obs.Fields{"server": p.ServerURI})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			obs.Info("pubsub.nats.closed", obs.Fields{"server": p.ServerURI})
		}),
	)
	if err != nil {
		fields["err"] = err.Error()
		obs.Error("pubsub.nats.connect", fields)
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}
	obs.Info("pubsub.nats.connected", fields)
	return &NATS{nc: nc}, nil
}

func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	if err := n.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish failed: %w", err)
	}
	return nil
}

func (n *NATS) Subscribe(ctx context.Context, topic string, handler Handler) error {
	sub, err := n.nc.Subscribe(topic, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return fmt.Errorf("nats subscribe failed: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := n.nc.Flush(); err != nil {
		return fmt.Errorf("nats flush failed: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (n *NATS) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.nc.FlushWithContext(ctx); err != nil {
		obs.Error("pubsub.nats.flush", obs.Fields{"err": err.Error()})
	}
	n.nc.Close()
	return nil
}
