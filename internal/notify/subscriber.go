package notify

import (
	"net"
	"sync"
)

// Subscriber is one registered session's notification endpoint: a dedicated
// socket and a FIFO mailbox of serialized messages waiting for delivery.
type Subscriber struct {
	ID       string
	Name     string
	Endpoint string

	mu       sync.Mutex
	mailbox  [][]byte
	conn     net.Conn
	closed   bool
	attached chan struct{}
}

func newSubscriber(id, name, endpoint string) *Subscriber {
	return &Subscriber{ID: id, Name: name, Endpoint: endpoint, attached: make(chan struct{})}
}

// Enqueue appends msg to the mailbox. It never blocks and never drops.
func (s *Subscriber) Enqueue(msg []byte) {
	s.mu.Lock()
	s.mailbox = append(s.mailbox, msg)
	s.mu.Unlock()
}

// Drain removes and returns every queued message in enqueue order.
func (s *Subscriber) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.mailbox
	s.mailbox = nil
	return out
}

// Pending is the number of undelivered messages.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailbox)
}

// Attached is closed once the dedicated socket has been bound.
func (s *Subscriber) Attached() <-chan struct{} { return s.attached }

func (s *Subscriber) attach(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnknownSubscriber
	}
	if s.conn != nil {
		return ErrAlreadyAttached
	}
	s.conn = conn
	close(s.attached)
	return nil
}

func (s *Subscriber) socket() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.conn
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.mailbox = nil
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
