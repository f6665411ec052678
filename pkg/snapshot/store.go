// Package snapshot persists room documents outside the relay core.
//
// A Store holds one opaque snapshot per room id: the document's full
// state encoded as a single update. The package wires a Store into a
// room.Manager through two hooks:
//
//	store := snapshot.NewMemoryStore()
//	rooms := room.Config{
//	    Provider:      snapshot.Provider(store, false),
//	    OnRoomEvicted: snapshot.EvictionHook(store, nil),
//	}
//
// Provider restores a room from its snapshot when the room is first
// used, and EvictionHook saves it when the room is evicted, including
// at shutdown.
package snapshot

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrStoreClosed is returned when operations are attempted on a closed store.
var ErrStoreClosed = errors.New("snapshot: store closed")

// Store defines the interface for snapshot backends.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save persists the snapshot for roomID, replacing any previous one.
	Save(ctx context.Context, roomID string, data []byte) error

	// Load retrieves the snapshot for roomID.
	// Returns (nil, nil) if there is none.
	// Returns (nil, err) on backend errors.
	Load(ctx context.Context, roomID string) ([]byte, error)

	// Delete removes a snapshot.
	// Should not return an error if the snapshot doesn't exist.
	Delete(ctx context.Context, roomID string) error

	// List returns the ids of every stored snapshot, sorted.
	List(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// MemoryStore is an in-memory Store. Snapshots survive room eviction
// but not the process.
type MemoryStore struct {
	mu     sync.RWMutex
	rooms  map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]byte)}
}

// Save stores a copy of data.
func (m *MemoryStore) Save(ctx context.Context, roomID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.rooms[roomID] = slices.Clone(data)
	return nil
}

// Load returns a copy of the stored snapshot.
func (m *MemoryStore) Load(ctx context.Context, roomID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	data, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(data), nil
}

// Delete removes a snapshot.
func (m *MemoryStore) Delete(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.rooms, roomID)
	return nil
}

// List returns the stored room ids, sorted.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Close discards every snapshot.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.rooms = nil
	return nil
}
