// Package room owns the relay's room table: one document, one awareness
// table and a set of attached peers per room id.
//
// A Manager creates rooms lazily on first use, broadcasts frames between
// the peers of a room, and evicts a room once it has had no peers for
// the configured delay.
package room

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vango-dev/relay/pkg/awareness"
	"github.com/vango-dev/relay/pkg/crdt"
)

// DefaultEvictionDelay is how long an empty room is kept in memory.
const DefaultEvictionDelay = 60 * time.Second

var (
	// ErrRoomNotFound is returned when the document provider rejects a
	// room id.
	ErrRoomNotFound = errors.New("room: not found")

	// ErrManagerClosed is returned by Join and GetOrCreateDoc after Close.
	ErrManagerClosed = errors.New("room: manager closed")
)

// Peer is an attached connection. Implementations are compared by
// identity, so a peer must be a stable pointer for its whole lifetime.
type Peer interface {
	// Send queues data for delivery. It must not block.
	Send(data []byte) error
}

// Provider resolves the document for a room id. Returning a nil document
// or ErrRoomNotFound rejects the room.
type Provider func(ctx context.Context, roomID string) (crdt.Document, error)

// Hook observes room lifecycle events.
type Hook func(roomID string, doc crdt.Document)

// Observer receives lifecycle notifications for every room, regardless
// of mode. The metrics middleware implements it.
type Observer interface {
	RoomCreated(roomID string)
	RoomEvicted(roomID string)
}

// Config configures a Manager.
type Config struct {
	// EvictionDelay is how long a room with no peers survives.
	// Default: 60 seconds.
	EvictionDelay time.Duration

	// Provider resolves documents for new rooms. When nil the manager runs
	// standalone and creates an empty crdt.Doc for any id.
	Provider Provider

	// OnRoomCreated is called after a standalone room is created.
	OnRoomCreated Hook

	// OnRoomEvicted is called after a room is removed, including at Close.
	OnRoomEvicted Hook

	// Observer is notified of every room creation and eviction.
	Observer Observer

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
}

// DefaultConfig returns a standalone configuration with default timing.
func DefaultConfig() Config {
	return Config{EvictionDelay: DefaultEvictionDelay}
}

// Room is one live document with its presence table. The peer set and
// eviction timer are owned by the Manager.
type Room struct {
	id        string
	doc       crdt.Document
	awareness *awareness.Awareness

	// Guarded by Manager.mu.
	peers      map[Peer]struct{}
	evictTimer *time.Timer
	evictGen   uint64
}

func newRoom(id string, doc crdt.Document) *Room {
	return &Room{
		id:        id,
		doc:       doc,
		awareness: awareness.New(),
		peers:     make(map[Peer]struct{}),
	}
}

// ID returns the room id.
func (r *Room) ID() string { return r.id }

// Doc returns the room's document.
func (r *Room) Doc() crdt.Document { return r.doc }

// Awareness returns the room's presence table.
func (r *Room) Awareness() *awareness.Awareness { return r.awareness }

// Info describes a room for listing.
type Info struct {
	ID          string `json:"id"`
	Connections int    `json:"connections"`
}

// BroadcastResult reports the outcome of a broadcast.
type BroadcastResult struct {
	Sent   int
	Failed int
}
