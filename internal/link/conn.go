package link

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the lifecycle state of a device connection.
type ConnState int32

// Connection lifecycle: Accepted → Handshaking → Authenticated → Streaming → Closed.
// Any state may move to Closed.
const (
	StateAccepted ConnState = iota
	StateHandshaking
	StateAuthenticated
	StateStreaming
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// canTransition reports whether from → to is a legal lifecycle step.
func canTransition(from, to ConnState) bool {
	if from == StateClosed {
		return false
	}
	return to == StateClosed || to == from+1
}

// connection is one accepted device socket.
type connection struct {
	id     uint64
	remote string // remote ip:port
	conn   net.Conn
	reader *bufio.Reader

	// deviceID is set once, under Manager.mu, when the connection registers.
	deviceID string

	writeMu   sync.Mutex
	state     atomic.Int32
	lastSeen  atomic.Int64 // unix nanoseconds
	closeOnce sync.Once
}

func newConnection(id uint64, nc net.Conn, now time.Time) *connection {
	c := &connection{
		id:     id,
		remote: nc.RemoteAddr().String(),
		conn:   nc,
		reader: bufio.NewReader(nc),
	}
	c.state.Store(int32(StateAccepted))
	c.lastSeen.Store(now.UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *connection) State() ConnState {
	return ConnState(c.state.Load())
}

// transition moves the connection to next if that is a legal step from the
// current state. It returns false, changing nothing, otherwise.
func (c *connection) transition(next ConnState) bool {
	for {
		cur := c.State()
		if !canTransition(cur, next) {
			return false
		}
		if c.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
}

func (c *connection) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// writeFrame sends one frame. Writes on a connection are serialised so
// frames from concurrent senders never interleave.
func (c *connection) writeFrame(payload []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	return WriteFrame(c.conn, payload)
}

// close moves the connection to Closed and closes the socket, unblocking
// any pending read. Safe to call from any goroutine, any number of times.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.transition(StateClosed)
		c.conn.Close() //nolint:errcheck // Best effort, the peer may already be gone
	})
}
