package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/mikeyg42/videolify/internal/auth"
	"github.com/mikeyg42/videolify/internal/signal"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("send buffer full")
)

// clientConn is one client transport, websocket or SSE. It implements
// registry.Conn; the transport-specific pump drains send.
type clientConn struct {
	id        string
	seq       uint64
	transport string
	remoteIP  string
	grant     *auth.Grant

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
	lastSeen  atomic.Int64 // unix nanos of the last upstream message

	mu     sync.Mutex
	roomID string
	peerID string
	reason string
}

func (c *clientConn) ID() string  { return c.id }
func (c *clientConn) Seq() uint64 { return c.seq }

// Deliver queues an envelope without blocking. A client that cannot keep up
// is disconnected rather than allowed to stall the room.
func (c *clientConn) Deliver(env signal.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.Close("send buffer full")
		return errSlowConsumer
	}
}

// Close asks the pump to flush what is queued and shut the transport.
func (c *clientConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *clientConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// touch records upstream activity.
func (c *clientConn) touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *clientConn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

func (c *clientConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *clientConn) identity() (roomID, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.peerID
}

func (c *clientConn) setIdentity(roomID, peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID, c.peerID = roomID, peerID
}
