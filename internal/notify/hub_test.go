package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/matst80/cardq/internal/proto"
	"github.com/matst80/cardq/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns the server side and client side of a loopback connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	return server, client
}

func readLine(t *testing.T, rd *bufio.Reader, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := rd.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func keepalive(t *testing.T) string {
	b, err := json.Marshal(proto.Keepalive)
	require.NoError(t, err)
	return string(b)
}

func TestMailboxFIFO(t *testing.T) {
	s := newSubscriber("id", "alice", "ep")
	for _, m := range []string{"1", "2", "3"} {
		s.Enqueue([]byte(m))
	}
	assert.Equal(t, 3, s.Pending())
	got := s.Drain()
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, got)
	assert.Empty(t, s.Drain())
	assert.Equal(t, 0, s.Pending())
}

func TestAttachAndDeliverInOrder(t *testing.T) {
	h := NewHub(Config{SweepTimeout: 20 * time.Millisecond})
	server, client := tcpPair(t)
	rd := bufio.NewReader(client)

	sub := h.Add("alice", "ep")
	_, err := h.Attach(sub.ID, server)
	require.NoError(t, err)
	select {
	case <-sub.Attached():
	default:
		t.Fatal("attached channel not closed")
	}
	assert.Equal(t, keepalive(t), readLine(t, rd, client))

	assert.Equal(t, 1, h.Broadcast([]byte(`{"n":1}`)))
	assert.Equal(t, 1, h.Broadcast([]byte(`{"n":2}`)))
	assert.Equal(t, 2, h.Deliver())

	assert.Equal(t, keepalive(t), readLine(t, rd, client))
	assert.Equal(t, `{"n":1}`, readLine(t, rd, client))
	assert.Equal(t, `{"n":2}`, readLine(t, rd, client))
	assert.Equal(t, 0, sub.Pending())
}

func TestAttachErrors(t *testing.T) {
	h := NewHub(Config{})
	server, _ := tcpPair(t)
	_, err := h.Attach("nope", server)
	assert.ErrorIs(t, err, ErrUnknownSubscriber)

	sub := h.Add("alice", "ep")
	_, err = h.Attach(sub.ID, server)
	require.NoError(t, err)
	other, _ := tcpPair(t)
	_, err = h.Attach(sub.ID, other)
	assert.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestUnattachedSubscriberKeepsMail(t *testing.T) {
	h := NewHub(Config{})
	sub := h.Add("alice", "ep")
	h.Broadcast([]byte("x"))
	assert.Equal(t, 0, h.Deliver())
	assert.Equal(t, 1, sub.Pending())
}

func TestSweepEvictsClosedPeerOnly(t *testing.T) {
	h := NewHub(Config{SweepTimeout: 30 * time.Millisecond})

	deadSrv, deadCli := tcpPair(t)
	liveSrv, liveCli := tcpPair(t)
	dead := h.Add("dead", "ep1")
	live := h.Add("live", "ep2")
	_, err := h.Attach(dead.ID, deadSrv)
	require.NoError(t, err)
	_, err = h.Attach(live.ID, liveSrv)
	require.NoError(t, err)
	liveRd := bufio.NewReader(liveCli)
	readLine(t, liveRd, liveCli)

	require.NoError(t, deadCli.Close())
	require.Eventually(t, func() bool { return h.Sweep() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, ok := h.Get(dead.ID)
	assert.False(t, ok)
	_, ok = h.Get(live.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, h.Len())

	// the evicted subscriber gets nothing further
	assert.Equal(t, 1, h.Broadcast([]byte("after")))
	assert.Equal(t, 0, dead.Pending())
	assert.Equal(t, 1, h.Deliver())
	assert.Equal(t, keepalive(t), readLine(t, liveRd, liveCli))
	assert.Equal(t, "after", readLine(t, liveRd, liveCli))
}

func TestSweepIgnoresStrayBytes(t *testing.T) {
	h := NewHub(Config{SweepTimeout: 20 * time.Millisecond})
	server, client := tcpPair(t)
	sub := h.Add("alice", "ep")
	_, err := h.Attach(sub.ID, server)
	require.NoError(t, err)
	_, err = client.Write([]byte("hello\n"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, h.Sweep())
	assert.Equal(t, 1, h.Len())
}

func TestRemoveClosesSocket(t *testing.T) {
	h := NewHub(Config{})
	server, client := tcpPair(t)
	sub := h.Add("alice", "ep")
	_, err := h.Attach(sub.ID, server)
	require.NoError(t, err)
	rd := bufio.NewReader(client)
	readLine(t, rd, client)

	assert.True(t, h.Remove(sub.ID, ReasonSession))
	assert.False(t, h.Remove(sub.ID, ReasonSession))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = rd.ReadString('\n')
	assert.Error(t, err)
}

func TestBridgeAndRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := pubsub.NewMemory()
	defer bus.Close()
	h := NewHub(Config{DeliverInterval: 20 * time.Millisecond, SweepTimeout: 5 * time.Millisecond})

	server, client := tcpPair(t)
	sub := h.Add("alice", "ep")
	_, err := h.Attach(sub.ID, server)
	require.NoError(t, err)
	rd := bufio.NewReader(client)

	go func() { _ = h.Bridge(ctx, bus, pubsub.DefaultTopic) }()
	go h.Run(ctx)
	require.Eventually(t, func() bool { return bus.Subscribers(pubsub.DefaultTopic) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, bus.Publish(ctx, pubsub.DefaultTopic, []byte(`{"status":"publish"}`)))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if line := readLine(t, rd, client); line != keepalive(t) {
			assert.Equal(t, `{"status":"publish"}`, line)
			break
		}
	}

	cancel()
	require.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
}
