package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/relay/pkg/awareness"
	"github.com/vango-dev/relay/pkg/crdt"
	"github.com/vango-dev/relay/pkg/protocol"
	"github.com/vango-dev/relay/pkg/room"
)

// Connection is one client attached to one room. It is the room.Peer
// registered with the Manager, keyed by its pointer.
//
// Lifecycle: the server upgrades the request, validates the token and
// joins the room (connecting), then starts ReadLoop and WriteLoop (open).
// Close runs exactly once, from whichever side notices first.
type Connection struct {
	id     string
	roomID string
	conn   *websocket.Conn
	server *Server

	doc       crdt.Document
	awareness *awareness.Awareness

	// send is drained by WriteLoop. Producers never block on it.
	send chan []byte
	done chan struct{}

	pongReceived atomic.Bool

	// mu guards controlled, opened, pending and unsubscribe.
	mu sync.Mutex

	// controlled holds the awareness client ids this connection has
	// published, so they can be removed when it goes away.
	controlled map[uint64]struct{}

	// Between Join and open the connection is already a room peer. Frames
	// broadcast in that window wait in pending and are queued after the
	// handshake frames.
	opened      bool
	pending     [][]byte
	unsubscribe func()

	closeOnce sync.Once
	closed    atomic.Bool

	span   trace.Span
	logger zerolog.Logger
}

func newConnection(s *Server, conn *websocket.Conn, id, roomID string, span trace.Span) *Connection {
	c := &Connection{
		id:         id,
		roomID:     roomID,
		conn:       conn,
		server:     s,
		send:       make(chan []byte, s.config.SendQueueSize),
		done:       make(chan struct{}),
		controlled: make(map[uint64]struct{}),
		span:       span,
		logger:     s.logger.With().Str("conn", id).Str("room", roomID).Logger(),
	}
	c.pongReceived.Store(true)
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RoomID returns the room the connection is attached to.
func (c *Connection) RoomID() string { return c.roomID }

// ControlledClients returns the awareness client ids this connection
// currently owns.
func (c *Connection) ControlledClients() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.controlled))
	for id := range c.controlled {
		ids = append(ids, id)
	}
	return ids
}

// Send queues a frame for delivery. It never blocks: when the queue is
// full the connection is closed as a slow consumer and ErrBackpressure
// is returned.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	if !c.opened {
		// Keep room for the two handshake frames open queues first.
		if len(c.pending) < cap(c.send)-minSendQueue {
			c.pending = append(c.pending, data)
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return c.dropSlowConsumer()
	}
	c.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	return c.dropSlowConsumer()
}

func (c *Connection) dropSlowConsumer() error {
	c.server.metrics.SlowConsumer()
	c.logger.Warn().Int("queue", cap(c.send)).Msg("send queue full, dropping slow consumer")
	// Close off the caller's stack: Send runs inside document and
	// broadcast callbacks.
	go c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
	return ErrBackpressure
}

// open attaches the joined connection to r and starts its loops. STEP1
// and the awareness snapshot are the first frames queued, followed by
// anything broadcast to the connection since Join. If the connection was
// closed in the meantime, open only releases what it acquired.
func (c *Connection) open(r *room.Room) {
	doc, aw := r.Doc(), r.Awareness()
	unsubscribe := doc.OnUpdate(c.onDocUpdate)
	handshake := [][]byte{
		protocol.EncodeSyncStep1(doc),
		protocol.EncodeAwarenessStates(aw, nil),
	}

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		unsubscribe()
		return
	}
	c.doc, c.awareness = doc, aw
	c.unsubscribe = unsubscribe
	// The queue is empty and pending is capped so that everything fits.
	for _, frame := range append(handshake, c.pending...) {
		c.send <- frame
	}
	c.pending = nil
	c.opened = true
	c.server.track(c)
	c.server.metrics.ConnectionOpened()
	c.mu.Unlock()

	c.logger.Info().Msg("connection opened")

	go c.WriteLoop()
	go c.ReadLoop()
}

// onDocUpdate forwards document updates made by anyone but this
// connection.
func (c *Connection) onDocUpdate(update []byte, origin any) {
	if origin == c {
		return
	}
	_ = c.Send(protocol.EncodeSyncUpdate(update))
}

// Close closes the connection normally.
func (c *Connection) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith tears the connection down once. The room sees the departure
// before the transport closes: controlled awareness entries are removed
// and the removal is broadcast to the remaining peers, then the peer
// leaves the room. A connection closed before open still leaves the room
// it joined.
func (c *Connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)

		c.mu.Lock()
		opened, aw, unsubscribe := c.opened, c.awareness, c.unsubscribe
		ids := make([]uint64, 0, len(c.controlled))
		for id := range c.controlled {
			ids = append(ids, id)
		}
		c.pending = nil
		c.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if aw != nil && len(ids) > 0 {
			change := aw.RemoveStates(ids, nil)
			if removed := change.Removed; len(removed) > 0 {
				frame := protocol.EncodeAwarenessStates(aw, removed)
				res := c.server.rooms.Broadcast(c.roomID, frame, c)
				c.server.metrics.Broadcast(res.Sent)
			}
		}
		c.server.rooms.Leave(c.roomID, c)
		if opened {
			c.server.untrack(c)
			c.server.metrics.ConnectionClosed()
		}

		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = c.conn.Close()

		if c.span != nil {
			c.span.SetAttributes(attribute.Int("ws.close_code", code))
			c.span.End()
		}
		c.logger.Info().Int("code", code).Str("reason", reason).Msg("connection closed")
	})
}
