// Package relay implements the session delivery engine: authenticated
// socket connections, scope subscriptions with versioned replay, ephemeral
// fan-out, and the RPC broker. The relay routes on cleartext envelopes only
// and never inspects a ciphertext body.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/happy-coder/happy/internal/event"
	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/pkg/types"
)

const (
	// outboundBuffer bounds the per-connection send queue. A subscriber
	// that cannot drain it is disconnected and will resync on reconnect.
	outboundBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	authWait   = 10 * time.Second
)

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosed
)

// Conn is one socket admitted into the routing table.
type Conn struct {
	ID        string
	AccountID string
	Kind      types.ConnectionKind
	// ScopeRef names the session or machine for scoped connection kinds.
	ScopeRef *types.EntityRef

	ws   *websocket.Conn
	send chan types.Frame
	done chan struct{}

	mu sync.Mutex
	// unsubscribes by scope key; called on close.
	scopes map[string]func()
	// lastDeliveredSeq is this subscriber's delivery cursor: an update is
	// enqueued at most once even when it arrives via several scopes.
	lastDeliveredSeq int64
	state            connState

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ID:     uuid.NewString(),
		ws:     ws,
		send:   make(chan types.Frame, outboundBuffer),
		done:   make(chan struct{}),
		scopes: make(map[string]func()),
	}
}

// enqueue queues a frame for the write pump. Returns false when the
// outbound buffer is full; the caller must disconnect the subscriber.
func (c *Conn) enqueue(frame types.Frame) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// deliver handles a bus envelope for this connection: self-echo
// suppression, then cursor dedup for persistent updates.
func (c *Conn) deliver(env event.Envelope) bool {
	if env.Producer != "" && env.Producer == c.ID {
		return true
	}
	if env.Seq > 0 {
		c.mu.Lock()
		if env.Seq <= c.lastDeliveredSeq {
			c.mu.Unlock()
			return true
		}
		c.lastDeliveredSeq = env.Seq
		c.mu.Unlock()
	}
	return c.enqueue(env.Frame)
}

// advanceCursor moves the delivery cursor forward during replay.
func (c *Conn) advanceCursor(seq int64) {
	c.mu.Lock()
	if seq > c.lastDeliveredSeq {
		c.lastDeliveredSeq = seq
	}
	c.mu.Unlock()
}

// addScope records a live subscription so close can unwind it.
func (c *Conn) addScope(key string, unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.scopes[key]; ok {
		prev()
	}
	c.scopes[key] = unsubscribe
}

func (c *Conn) subscribedTo(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.scopes[key]
	return ok
}

// writePump drains the send queue onto the socket and keeps pings flowing.
// Runs until the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				logging.Debug().Str("conn", c.ID).Err(err).Msg("write failed")
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// close tears the connection down exactly once: bus subscriptions unwind,
// the write pump stops, the socket closes.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosed
		unsubs := make([]func(), 0, len(c.scopes))
		for _, fn := range c.scopes {
			unsubs = append(unsubs, fn)
		}
		c.scopes = make(map[string]func())
		c.mu.Unlock()

		for _, fn := range unsubs {
			fn()
		}
		close(c.done)
		c.ws.Close()
	})
}

// closed reports whether close has run.
func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
