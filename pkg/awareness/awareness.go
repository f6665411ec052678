// Package awareness implements the ephemeral presence table attached to
// every room: one clocked JSON state per client id, never persisted.
package awareness

import (
	"bytes"
	"encoding/json"
	"slices"
	"sync"

	"github.com/vango-dev/relay/pkg/protocol"
)

// Change describes the client ids affected by one update.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// Empty reports whether the change touched no client.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// All returns every affected id.
func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

// ChangeHandler observes table changes along with the origin that caused
// them.
type ChangeHandler func(change Change, origin any)

type meta struct {
	clock uint64
}

// Awareness is a presence table. The zero value is not usable; call New.
type Awareness struct {
	mu     sync.RWMutex
	states map[uint64]json.RawMessage
	meta   map[uint64]meta

	handlers    map[int]ChangeHandler
	nextHandler int
}

// New creates an empty table.
func New() *Awareness {
	return &Awareness{
		states:   make(map[uint64]json.RawMessage),
		meta:     make(map[uint64]meta),
		handlers: make(map[int]ChangeHandler),
	}
}

// ClientIDs returns the ids with a live state, sorted.
func (a *Awareness) ClientIDs() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// State returns the state of clientID.
func (a *Awareness) State(clientID uint64) (json.RawMessage, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.states[clientID]
	return s, ok
}

// States returns a copy of every live state.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[uint64]json.RawMessage, len(a.states))
	for id, s := range a.states {
		out[id] = s
	}
	return out
}

// Clock returns the last clock seen for clientID.
func (a *Awareness) Clock(clientID uint64) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.meta[clientID].clock
}

// Len returns the number of live states.
func (a *Awareness) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.states)
}

// EncodeUpdate serializes the entries for clients. Clients without a
// live state are encoded as removals at their last known clock.
func (a *Awareness) EncodeUpdate(clients []uint64) []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entries := make([]protocol.AwarenessEntry, 0, len(clients))
	for _, id := range clients {
		entries = append(entries, protocol.AwarenessEntry{
			ClientID: id,
			Clock:    a.meta[id].clock,
			State:    a.states[id],
		})
	}
	return protocol.EncodeAwarenessUpdate(entries)
}

// ApplyUpdate merges a serialized awareness payload. An entry is taken
// when its clock is newer than the known one, or when it is a removal
// at the same clock for a live state. The payload is decoded in full
// before anything is applied.
func (a *Awareness) ApplyUpdate(raw []byte, origin any) error {
	entries, err := protocol.DecodeAwarenessUpdate(raw)
	if err != nil {
		return err
	}

	var change Change
	a.mu.Lock()
	for _, e := range entries {
		prev, known := a.meta[e.ClientID]
		_, live := a.states[e.ClientID]
		removal := e.Removed()

		newer := !known || prev.clock < e.Clock
		if !newer && !(prev.clock == e.Clock && removal && live) {
			continue
		}

		a.meta[e.ClientID] = meta{clock: e.Clock}
		switch {
		case removal && live:
			delete(a.states, e.ClientID)
			change.Removed = append(change.Removed, e.ClientID)
		case removal:
		case !live:
			a.states[e.ClientID] = cloneState(e.State)
			change.Added = append(change.Added, e.ClientID)
		default:
			if !bytes.Equal(a.states[e.ClientID], e.State) {
				change.Updated = append(change.Updated, e.ClientID)
			}
			a.states[e.ClientID] = cloneState(e.State)
		}
	}
	a.mu.Unlock()

	a.emit(change, origin)
	return nil
}

// SetState publishes state for clientID with the next clock and returns
// the serialized update a client would send for it. A nil, empty or
// JSON null state removes the entry, as it does on the wire.
func (a *Awareness) SetState(clientID uint64, state json.RawMessage) []byte {
	removal := protocol.AwarenessEntry{State: state}.Removed()

	var change Change
	a.mu.Lock()
	a.meta[clientID] = meta{clock: a.meta[clientID].clock + 1}
	_, live := a.states[clientID]
	switch {
	case removal && live:
		delete(a.states, clientID)
		change.Removed = []uint64{clientID}
	case removal:
	case live:
		a.states[clientID] = cloneState(state)
		change.Updated = []uint64{clientID}
	default:
		a.states[clientID] = cloneState(state)
		change.Added = []uint64{clientID}
	}
	a.mu.Unlock()

	a.emit(change, nil)
	return a.EncodeUpdate([]uint64{clientID})
}

// RemoveStates deletes the live states of clients in one batch and
// emits a single change. Clocks are kept so that stale updates for the
// removed ids are still rejected.
func (a *Awareness) RemoveStates(clients []uint64, origin any) Change {
	var change Change
	a.mu.Lock()
	for _, id := range clients {
		if _, ok := a.states[id]; ok {
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		}
	}
	a.mu.Unlock()

	a.emit(change, origin)
	return change
}

// OnChange registers fn and returns a function that removes it.
func (a *Awareness) OnChange(fn ChangeHandler) func() {
	a.mu.Lock()
	id := a.nextHandler
	a.nextHandler++
	a.handlers[id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.handlers, id)
			a.mu.Unlock()
		})
	}
}

func (a *Awareness) emit(change Change, origin any) {
	if change.Empty() {
		return
	}
	a.mu.RLock()
	ids := make([]int, 0, len(a.handlers))
	for id := range a.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]ChangeHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, a.handlers[id])
	}
	a.mu.RUnlock()

	for _, fn := range handlers {
		fn(change, origin)
	}
}

func cloneState(s json.RawMessage) json.RawMessage {
	return append(json.RawMessage(nil), s...)
}
