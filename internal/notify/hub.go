// Package notify fans deck change events out to every registered client over
// its dedicated socket.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/cardq/internal/obs"
	"github.com/matst80/cardq/internal/proto"
	"github.com/matst80/cardq/internal/pubsub"
)

var (
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	ErrAlreadyAttached   = errors.New("subscriber already has a dedicated socket")
)

// Eviction reasons, used as metric labels.
const (
	ReasonClosed     = "closed"
	ReasonReadError  = "read_error"
	ReasonWriteError = "write_error"
	ReasonSession    = "session_end"
	ReasonShutdown   = "shutdown"
)

// Config tunes the delivery loop.
type Config struct {
	// DeliverInterval is the period of the sweep + delivery tick.
	DeliverInterval time.Duration
	// SweepTimeout bounds the readiness check on each dedicated socket.
	SweepTimeout time.Duration
	// WriteTimeout bounds each write to a dedicated socket.
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.DeliverInterval <= 0 {
		c.DeliverInterval = 2 * time.Second
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 50 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

var keepaliveLine = func() []byte {
	b, _ := json.Marshal(proto.Keepalive)
	return append(b, '\n')
}()

// Hub owns every Subscriber. Registration, teardown and the liveness sweep all
// mutate it under the same lock.
type Hub struct {
	cfg  Config
	mu   sync.Mutex
	subs map[string]*Subscriber
}

func NewHub(cfg Config) *Hub {
	cfg.defaults()
	return &Hub{cfg: cfg, subs: make(map[string]*Subscriber)}
}

// Add creates a Subscriber for a freshly registered session. Its ID is the token
// the client presents on the dedicated socket.
func (h *Hub) Add(name, endpoint string) *Subscriber {
	s := newSubscriber(uuid.NewString(), name, endpoint)
	h.mu.Lock()
	h.subs[s.ID] = s
	n := len(h.subs)
	h.mu.Unlock()
	obs.Subscribers.Set(float64(n))
	obs.Debug("notify.subscriber.added", obs.Fields{"id": s.ID, "name": name})
	return s
}

// Attach binds conn as the dedicated socket of subscriber id and sends the first keepalive.
func (h *Hub) Attach(id string, conn net.Conn) (*Subscriber, error) {
	h.mu.Lock()
	s, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSubscriber
	}
	if err := s.attach(conn); err != nil {
		return nil, err
	}
	if err := h.write(conn, keepaliveLine); err != nil {
		h.evict(s, ReasonWriteError, err)
		return nil, err
	}
	obs.Info("notify.subscriber.attached", obs.Fields{"id": id, "name": s.Name, "remote": conn.RemoteAddr().String()})
	return s, nil
}

// Get returns the subscriber with id.
func (h *Hub) Get(id string) (*Subscriber, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.subs[id]
	return s, ok
}

// Len is the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Remove closes the subscriber's socket and drops it. It reports whether id was present.
func (h *Hub) Remove(id, reason string) bool {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return false
	}
	s.close()
	obs.Subscribers.Set(float64(n))
	obs.SubscribersEvictedTotal.WithLabelValues(reason).Inc()
	return true
}

func (h *Hub) evict(s *Subscriber, reason string, err error) {
	if !h.Remove(s.ID, reason) {
		return
	}
	f := obs.Fields{"id": s.ID, "name": s.Name, "reason": reason}
	if err != nil {
		f["err"] = err.Error()
	}
	obs.Info("notify.subscriber.evicted", f)
}

func (h *Hub) list() []*Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

// Broadcast enqueues msg on every live subscriber and returns how many received it.
func (h *Hub) Broadcast(msg []byte) int {
	subs := h.list()
	for _, s := range subs {
		s.Enqueue(msg)
	}
	return len(subs)
}

// Sweep probes every dedicated socket for readability with a bounded timeout and
// evicts the ones the peer has closed. It returns the number evicted.
func (h *Hub) Sweep() int {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		evicted int
	)
	for _, s := range h.list() {
		conn := s.socket()
		if conn == nil {
			continue
		}
		wg.Add(1)
		go func(s *Subscriber, conn net.Conn) {
			defer wg.Done()
			if reason, err := h.probe(conn); reason != "" {
				h.evict(s, reason, err)
				mu.Lock()
				evicted++
				mu.Unlock()
			}
		}(s, conn)
	}
	wg.Wait()
	return evicted
}

func (h *Hub) probe(conn net.Conn) (string, error) {
	buf := make([]byte, 512)
	if err := conn.SetReadDeadline(time.Now().Add(h.cfg.SweepTimeout)); err != nil {
		return ReasonReadError, err
	}
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			obs.Debug("notify.sweep.discard", obs.Fields{"bytes": n, "remote": conn.RemoteAddr().String()})
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			return ReasonClosed, nil
		default:
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				_ = conn.SetReadDeadline(time.Time{})
				return "", nil
			}
			return ReasonReadError, err
		}
	}
}

// Deliver writes a keepalive and then the drained mailbox, in order, to every
// attached subscriber. A failed write evicts the subscriber. It returns the number
// of mailbox messages written.
func (h *Hub) Deliver() int {
	delivered := 0
	for _, s := range h.list() {
		conn := s.socket()
		if conn == nil {
			continue
		}
		if err := h.write(conn, keepaliveLine); err != nil {
			h.evict(s, ReasonWriteError, err)
			continue
		}
		for _, msg := range s.Drain() {
			line := make([]byte, 0, len(msg)+1)
			line = append(append(line, msg...), '\n')
			if err := h.write(conn, line); err != nil {
				h.evict(s, ReasonWriteError, err)
				break
			}
			delivered++
		}
	}
	if delivered > 0 {
		obs.NotificationsDelivered.Add(float64(delivered))
	}
	return delivered
}

func (h *Hub) write(conn net.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

// Run sweeps and delivers every DeliverInterval until ctx is done, then closes
// every subscriber.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.cfg.DeliverInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return
		case <-t.C:
			if n := h.Sweep(); n > 0 {
				obs.Debug("notify.sweep", obs.Fields{"evicted": n})
			}
			h.Deliver()
		}
	}
}

// CloseAll evicts every subscriber.
func (h *Hub) CloseAll() {
	for _, s := range h.list() {
		h.Remove(s.ID, ReasonShutdown)
	}
}

// Bridge feeds every message published on topic into all mailboxes. It blocks
// until ctx is done or the subscription fails.
func (h *Hub) Bridge(ctx context.Context, bus pubsub.Bus, topic string) error {
	return bus.Subscribe(ctx, topic, func(payload []byte) {
		n := h.Broadcast(payload)
		obs.Debug("notify.bridge.enqueued", obs.Fields{"subscribers": n, "bytes": len(payload)})
	})
}
