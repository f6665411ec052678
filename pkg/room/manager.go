package room

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/vango-dev/relay/pkg/crdt"
)

// Manager is the only mutator of the room table.
type Manager struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	closed bool

	// loads dedupes concurrent provider calls for the same id.
	loads singleflight.Group

	// evicting holds a channel per room whose eviction hooks are still
	// running. It is closed when they return. Loading the same id waits
	// for it, so the provider never reads a snapshot older than the
	// evicted document.
	evicting map[string]chan struct{}

	config Config
	logger zerolog.Logger
}

// NewManager creates a Manager. Zero config fields take their defaults.
func NewManager(config Config) *Manager {
	if config.EvictionDelay <= 0 {
		config.EvictionDelay = DefaultEvictionDelay
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Manager{
		rooms:    make(map[string]*Room),
		evicting: make(map[string]chan struct{}),
		config:   config,
		logger: logger.With().Str("component", "room_manager").Logger(),
	}
}

// Join attaches peer to the room, creating the room if needed. Any
// pending eviction is cancelled before Join returns.
func (m *Manager) Join(ctx context.Context, roomID string, peer Peer) (*Room, error) {
	if peer == nil {
		return nil, errors.New("room: nil peer")
	}
	return m.acquire(ctx, roomID, peer)
}

// GetOrCreateDoc resolves the room's document without attaching a peer.
// If the room has no peers its eviction timer is (re)started.
func (m *Manager) GetOrCreateDoc(ctx context.Context, roomID string) (crdt.Document, error) {
	r, err := m.acquire(ctx, roomID, nil)
	if err != nil {
		return nil, err
	}
	return r.doc, nil
}

func (m *Manager) acquire(ctx context.Context, roomID string, peer Peer) (*Room, error) {
	for {
		r, wait, err := m.lookup(roomID, peer)
		if r != nil || err != nil {
			return r, err
		}
		if wait != nil {
			if err := m.waitEviction(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		v, err, _ := m.loads.Do(roomID, func() (any, error) {
			return m.load(ctx, roomID)
		})
		if err != nil {
			return nil, err
		}
		doc := v.(crdt.Document)

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		r, ok := m.rooms[roomID]
		if !ok {
			if wait, evicting := m.evicting[roomID]; evicting {
				// The room was created and evicted again while doc
				// loaded; doc may predate that eviction.
				m.mu.Unlock()
				if err := m.waitEviction(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			r = newRoom(roomID, doc)
			m.rooms[roomID] = r
		}
		m.attachLocked(r, peer)
		m.mu.Unlock()

		if !ok {
			m.logger.Info().Str("room", roomID).Bool("standalone", m.config.Provider == nil).Msg("room created")
			if m.config.Observer != nil {
				m.config.Observer.RoomCreated(roomID)
			}
			if m.config.Provider == nil && m.config.OnRoomCreated != nil {
				m.config.OnRoomCreated(roomID, doc)
			}
		}
		return r, nil
	}
}

// lookup attaches peer to a live room. Without one it returns the
// pending eviction to wait for, if any.
func (m *Manager) lookup(roomID string, peer Peer) (*Room, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, ErrManagerClosed
	}
	if r, ok := m.rooms[roomID]; ok {
		m.attachLocked(r, peer)
		return r, nil, nil
	}
	return nil, m.evicting[roomID], nil
}

func (m *Manager) waitEviction(ctx context.Context, wait <-chan struct{}) error {
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) load(ctx context.Context, roomID string) (crdt.Document, error) {
	if m.config.Provider == nil {
		return crdt.New(), nil
	}
	doc, err := m.config.Provider(ctx, roomID)
	if errors.Is(err, ErrRoomNotFound) || (err == nil && doc == nil) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room: resolve %q: %w", roomID, err)
	}
	return doc, nil
}

// attachLocked registers peer, or for a connection-less access restarts
// eviction of an empty room. Must be called with mu held.
func (m *Manager) attachLocked(r *Room, peer Peer) {
	if peer == nil {
		if len(r.peers) == 0 {
			m.scheduleEvictionLocked(r)
		}
		return
	}
	m.cancelEvictionLocked(r)
	r.peers[peer] = struct{}{}
}

// Leave detaches peer. When the room becomes empty its eviction timer
// starts.
func (m *Manager) Leave(roomID string, peer Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return
	}
	if _, attached := r.peers[peer]; !attached {
		return
	}
	delete(r.peers, peer)
	if len(r.peers) == 0 && !m.closed {
		m.scheduleEvictionLocked(r)
	}
}

func (m *Manager) scheduleEvictionLocked(r *Room) {
	if r.evictTimer != nil {
		r.evictTimer.Stop()
	}
	r.evictGen++
	gen := r.evictGen
	r.evictTimer = time.AfterFunc(m.config.EvictionDelay, func() {
		m.evict(r, gen)
	})
}

func (m *Manager) cancelEvictionLocked(r *Room) {
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
	// A timer that already fired and is waiting on mu sees a stale
	// generation and backs off.
	r.evictGen++
}

func (m *Manager) evict(r *Room, gen uint64) {
	m.mu.Lock()
	if m.rooms[r.id] != r || r.evictGen != gen || len(r.peers) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, r.id)
	r.evictTimer = nil
	done := make(chan struct{})
	m.evicting[r.id] = done
	m.mu.Unlock()

	m.logger.Info().Str("room", r.id).Dur("idle", m.config.EvictionDelay).Msg("room evicted")
	m.afterEvict(r)

	m.mu.Lock()
	delete(m.evicting, r.id)
	m.mu.Unlock()
	close(done)
}

func (m *Manager) afterEvict(r *Room) {
	if m.config.Observer != nil {
		m.config.Observer.RoomEvicted(r.id)
	}
	if m.config.OnRoomEvicted != nil {
		m.config.OnRoomEvicted(r.id, r.doc)
	}
}

// Broadcast sends data to every peer in the room except exclude.
func (m *Manager) Broadcast(roomID string, data []byte, exclude Peer) BroadcastResult {
	m.mu.RLock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.RUnlock()
		return BroadcastResult{}
	}
	peers := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		if p != exclude {
			peers = append(peers, p)
		}
	}
	m.mu.RUnlock()

	var res BroadcastResult
	for _, p := range peers {
		if err := p.Send(data); err != nil {
			res.Failed++
			continue
		}
		res.Sent++
	}
	return res
}

// Get returns the live room for roomID.
func (m *Manager) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// Connections returns the number of peers attached to roomID.
func (m *Manager) Connections(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.rooms[roomID]; ok {
		return len(r.peers)
	}
	return 0
}

// EvictionPending reports whether roomID has a running eviction timer.
func (m *Manager) EvictionPending(roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	return ok && r.evictTimer != nil
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// RoomInfo lists every live room with its peer count, sorted by id.
func (m *Manager) RoomInfo() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.rooms))
	for id, r := range m.rooms {
		infos = append(infos, Info{ID: id, Connections: len(r.peers)})
	}
	m.mu.RUnlock()

	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

// Close cancels every eviction timer and removes every room, calling
// OnRoomEvicted for each. It returns once evictions already in progress
// have finished too. Later joins fail with ErrManagerClosed.
// Peers are not notified; close connections before calling Close.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		m.cancelEvictionLocked(r)
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	inflight := make([]chan struct{}, 0, len(m.evicting))
	for _, done := range m.evicting {
		inflight = append(inflight, done)
	}
	m.mu.Unlock()

	slices.SortFunc(rooms, func(a, b *Room) int {
		return strings.Compare(a.id, b.id)
	})
	for _, r := range rooms {
		m.afterEvict(r)
	}
	for _, done := range inflight {
		<-done
	}
	m.logger.Info().Int("rooms", len(rooms)).Msg("room manager closed")
}
