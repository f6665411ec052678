package server

import (
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/relay/pkg/protocol"
)

// ReadLoop reads frames until the connection fails or closes, handling
// each one before reading the next.
func (c *Connection) ReadLoop() {
	defer c.Close()

	c.conn.SetReadLimit(c.server.config.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.pongReceived.Store(true)
		return nil
	})

	for {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) && !c.closed.Load() {
				c.logger.Warn().Err(&ConnectionError{ConnID: c.id, Room: c.roomID, Op: "read", Err: err}).Msg("read error")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.handleMessage(msg)
	}
}

// WriteLoop drains the send queue and runs the keepalive. It is the only
// goroutine writing data frames to the socket.
func (c *Connection) WriteLoop() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.logger.Debug().Err(&ConnectionError{ConnID: c.id, Room: c.roomID, Op: "write", Err: err}).Msg("write failed")
				c.closeWith(websocket.CloseInternalServerErr, "write failed")
				return
			}

		case <-ticker.C:
			// The flag is cleared on every ping and set by the pong
			// handler, so a false value means the last ping went
			// unanswered for a whole interval.
			if !c.pongReceived.Swap(false) {
				c.logger.Info().Dur("interval", c.server.config.PingInterval).Msg("keepalive timeout")
				c.closeWith(websocket.CloseGoingAway, "keepalive timeout")
				return
			}
			deadline := time.Now().Add(c.server.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.closeWith(websocket.CloseInternalServerErr, "ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage decodes one frame and dispatches it. A frame that fails
// to decode or apply is dropped; the connection stays open.
func (c *Connection) handleMessage(msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("frame handler panic")
		}
	}()

	frame, err := protocol.DecodeFrame(msg)
	if err != nil {
		tag, _ := protocol.DecodeUvarint(msg)
		c.server.metrics.FrameDropped(protocol.MessageType(tag))
		c.logger.Debug().Err(err).Int("bytes", len(msg)).Msg("dropping malformed frame")
		return
	}
	c.server.metrics.FrameReceived(frame.Type())

	switch f := frame.(type) {
	case protocol.SyncFrame:
		reply, err := protocol.ApplySyncMessage(f.Message, c.doc, c)
		if err != nil {
			c.server.metrics.FrameDropped(protocol.MessageSync)
			c.logger.Debug().Err(err).Stringer("sync", f.Message.Type).Msg("dropping sync message")
			return
		}
		if reply != nil {
			_ = c.Send(reply)
		}

	case protocol.AwarenessFrame:
		c.handleAwareness(f.Update, msg)

	case protocol.QueryAwarenessFrame:
		_ = c.Send(protocol.EncodeAwarenessStates(c.awareness, nil))

	case protocol.SyncStatusFrame:
		_ = c.Send(msg)

	case protocol.UnknownFrame:
		c.logger.Debug().Uint64("type", f.Tag).Msg("ignoring unknown frame")
	}
}

// handleAwareness records which client ids the connection controls,
// merges the update into the room's table and relays the original
// frame to the other peers.
func (c *Connection) handleAwareness(update, frame []byte) {
	entries, err := protocol.DecodeAwarenessUpdate(update)
	if err != nil {
		c.server.metrics.FrameDropped(protocol.MessageAwareness)
		c.logger.Debug().Err(err).Msg("ignoring malformed awareness update")
		return
	}

	c.mu.Lock()
	for _, e := range entries {
		if e.Removed() {
			delete(c.controlled, e.ClientID)
		} else {
			c.controlled[e.ClientID] = struct{}{}
		}
	}
	c.mu.Unlock()

	if err := c.awareness.ApplyUpdate(update, c); err != nil {
		c.logger.Debug().Err(err).Msg("awareness apply failed")
		return
	}
	res := c.server.rooms.Broadcast(c.roomID, frame, c)
	c.server.metrics.Broadcast(res.Sent)
}
