// Package client is a Go peer for the relay's sync protocol.
//
// A Client keeps a local crdt.Document converged with a room: it runs
// the two-step handshake on connect, applies updates from the relay and
// forwards local updates. It also publishes the peer's awareness state.
//
//	doc := crdt.New()
//	c, err := client.Dial(ctx, "ws://localhost:1234/my-room", doc)
//
// The URL names the room. Dial adds the /sync route segment unless the
// path already ends in it, so "ws://host/rooms/my-room/sync" works too.
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	if err := c.WaitSynced(ctx); err != nil {
//	    return err
//	}
//	doc.Set("title", "hello")
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vango-dev/relay/pkg/awareness"
	"github.com/vango-dev/relay/pkg/crdt"
	"github.com/vango-dev/relay/pkg/protocol"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

// syncSegment is the relay's WebSocket route below a room.
const syncSegment = "sync"

const (
	defaultSendQueue    = 64
	defaultWriteTimeout = 10 * time.Second
)

// StatusHandler receives the payload of every SYNC_STATUS frame.
type StatusHandler func(payload []byte)

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as the handshake credential (?token=).
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHeader adds HTTP headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClientID sets the awareness client id. By default the document's
// own client id is used when it has one, and a random id otherwise.
func WithClientID(id uint64) Option {
	return func(c *Client) { c.clientID = id }
}

// WithStatusHandler registers fn for SYNC_STATUS replies.
func WithStatusHandler(fn StatusHandler) Option {
	return func(c *Client) { c.onStatus = fn }
}

// WithLogger sets the logger. Default: the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a connected peer.
type Client struct {
	conn      *websocket.Conn
	doc       crdt.Document
	awareness *awareness.Awareness

	token    string
	header   http.Header
	dialer   *websocket.Dialer
	clientID uint64
	onStatus StatusHandler
	logger   zerolog.Logger

	send        chan []byte
	done        chan struct{}
	synced      chan struct{}
	syncOnce    sync.Once
	closeOnce   sync.Once
	unsubscribe func()

	mu  sync.Mutex
	err error
}

// Dial connects to a room URL (ws, wss, http or https) and starts
// syncing doc. The handshake STEP1 is sent before Dial returns; use
// WaitSynced to wait for the relay's STEP2.
func Dial(ctx context.Context, rawURL string, doc crdt.Document, opts ...Option) (*Client, error) {
	c := &Client{
		doc:       doc,
		awareness: awareness.New(),
		dialer:    websocket.DefaultDialer,
		logger:    log.Logger,
		send:      make(chan []byte, defaultSendQueue),
		done:      make(chan struct{}),
		synced:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clientID == 0 {
		if d, ok := doc.(interface{ ClientID() uint64 }); ok {
			c.clientID = d.ClientID()
		} else {
			c.clientID = uint64(uuid.New().ID())
		}
	}

	target, err := c.endpoint(rawURL)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", rawURL, err)
	}
	c.conn = conn
	c.logger = c.logger.With().
		Str("component", "client").
		Uint64("client_id", c.clientID).
		Logger()

	c.unsubscribe = doc.OnUpdate(c.onDocUpdate)
	c.send <- protocol.EncodeSyncStep1(doc)

	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *Client) endpoint(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("client: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	trimmed := strings.Trim(u.Path, "/")
	if trimmed == "" {
		return "", fmt.Errorf("client: %s names no room", rawURL)
	}
	// "/{room}/sync" and "/rooms/{room}/sync" are already sync routes.
	segs := strings.Split(trimmed, "/")
	if len(segs) < 2 || segs[len(segs)-1] != syncSegment {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + syncSegment
		if u.RawPath != "" {
			u.RawPath = strings.TrimSuffix(u.RawPath, "/") + "/" + syncSegment
		}
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Doc returns the synced document.
func (c *Client) Doc() crdt.Document { return c.doc }

// Awareness returns the client's view of the room's presence table.
func (c *Client) Awareness() *awareness.Awareness { return c.awareness }

// ClientID returns the id the client publishes awareness under.
func (c *Client) ClientID() uint64 { return c.clientID }

// Synced is closed once the relay's STEP2 has been applied.
func (c *Client) Synced() <-chan struct{} { return c.synced }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WaitSynced blocks until the initial sync completes, the connection
// ends or ctx is done.
func (c *Client) WaitSynced(ctx context.Context) error {
	select {
	case <-c.synced:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAwareness publishes state as this client's presence. A nil state
// withdraws it.
func (c *Client) SetAwareness(state any) error {
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("client: encode awareness: %w", err)
		}
		raw = b
	}
	update := c.awareness.SetState(c.clientID, raw)
	return c.enqueue(protocol.EncodeAwareness(update))
}

// QueryAwareness asks the relay for a full awareness snapshot. The
// reply is merged into Awareness.
func (c *Client) QueryAwareness() error {
	return c.enqueue(protocol.EncodeQueryAwareness())
}

// SendStatus sends an opaque SYNC_STATUS payload. The relay echoes it
// back to the status handler.
func (c *Client) SendStatus(payload []byte) error {
	return c.enqueue(protocol.EncodeSyncStatus(payload))
}

// Close ends the connection with a normal close frame.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) onDocUpdate(update []byte, origin any) {
	if origin == c {
		return
	}
	if err := c.enqueue(protocol.EncodeSyncUpdate(update)); err != nil {
		c.logger.Debug().Err(err).Msg("local update not sent")
	}
}

func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.shutdown(fmt.Errorf("client: write: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			c.shutdown(err)
			return
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg []byte) {
	frame, err := protocol.DecodeFrame(msg)
	if err != nil {
		c.logger.Debug().Err(err).Msg("dropping malformed frame")
		return
	}

	switch f := frame.(type) {
	case protocol.SyncFrame:
		reply, err := protocol.ApplySyncMessage(f.Message, c.doc, c)
		if err != nil {
			c.logger.Debug().Err(err).Str("sync", f.Message.Type.String()).Msg("sync message rejected")
			return
		}
		if reply != nil {
			_ = c.enqueue(reply)
		}
		if f.Message.Type == protocol.SyncStep2 {
			c.syncOnce.Do(func() { close(c.synced) })
		}

	case protocol.AwarenessFrame:
		if err := c.awareness.ApplyUpdate(f.Update, c); err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed awareness update")
		}

	case protocol.SyncStatusFrame:
		if c.onStatus != nil {
			c.onStatus(f.Payload)
		}

	case protocol.QueryAwarenessFrame, protocol.UnknownFrame:
	}
}

// shutdown ends the connection once, recording cause.
func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()

		close(c.done)
		if c.unsubscribe != nil {
			c.unsubscribe()
		}

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()

		if cause != nil {
			c.logger.Info().Err(cause).Msg("connection closed")
		} else {
			c.logger.Debug().Msg("connection closed")
		}
	})
}
