package crdt

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/vango-dev/relay/pkg/protocol"
)

const (
	opSet    byte = 0
	opDelete byte = 1
)

type opID struct {
	client uint64
	clock  uint64
}

type op struct {
	client  uint64
	clock   uint64
	lamport uint64
	key     string
	kind    byte
	value   json.RawMessage
}

// wins reports whether o supersedes other for the same key.
func (o op) wins(other op) bool {
	if o.lamport != other.lamport {
		return o.lamport > other.lamport
	}
	return o.client > other.client
}

// Option configures a Doc.
type Option func(*Doc)

// WithClientID sets the id the document uses for its own operations.
// By default a random 32-bit id is chosen.
func WithClientID(id uint64) Option {
	return func(d *Doc) {
		d.clientID = id
	}
}

// Doc is a last-writer-wins map of string keys to JSON values.
type Doc struct {
	// applyMu serializes mutation together with handler dispatch so that
	// handlers observe updates in integration order.
	applyMu sync.Mutex

	mu       sync.RWMutex
	clientID uint64
	lamport  uint64
	log      map[uint64][]op // integrated ops per client, index == clock
	pending  map[opID]op
	entries  map[string]op // winning op per key

	handlers    map[int]UpdateHandler
	nextHandler int
}

// New creates an empty document.
func New(opts ...Option) *Doc {
	d := &Doc{
		clientID: uint64(rand.Uint32()),
		log:      make(map[uint64][]op),
		pending:  make(map[opID]op),
		entries:  make(map[string]op),
		handlers: make(map[int]UpdateHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ClientID returns the id stamped on this replica's own operations.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Set assigns value, marshaled as JSON, to key.
func (d *Doc) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("crdt: marshal value for %q: %w", key, err)
	}
	d.local(key, opSet, raw)
	return nil
}

// Delete removes key.
func (d *Doc) Delete(key string) {
	d.local(key, opDelete, nil)
}

func (d *Doc) local(key string, kind byte, value json.RawMessage) {
	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	o := op{
		client:  d.clientID,
		clock:   uint64(len(d.log[d.clientID])),
		lamport: d.lamport + 1,
		key:     key,
		kind:    kind,
		value:   value,
	}
	d.integrate(o)
	d.mu.Unlock()

	d.emit([]op{o}, nil)
}

// Get returns the JSON value stored at key.
func (d *Doc) Get(key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	o, ok := d.entries[key]
	if !ok || o.kind == opDelete {
		return nil, false
	}
	return o.value, true
}

// Keys returns the live keys in sorted order.
func (d *Doc) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.entries))
	for k, o := range d.entries {
		if o.kind != opDelete {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Map returns a copy of the live key/value pairs.
func (d *Doc) Map() map[string]json.RawMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := make(map[string]json.RawMessage, len(d.entries))
	for k, o := range d.entries {
		if o.kind != opDelete {
			m[k] = o.value
		}
	}
	return m
}

// Pending returns the number of operations waiting for a predecessor.
func (d *Doc) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// StateVector encodes client -> next expected clock, sorted by client.
func (d *Doc) StateVector() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	clients := d.clientsLocked()
	e := protocol.NewEncoderWithCap(1 + len(clients)*2*protocol.MaxVarintLen)
	e.WriteUvarint(uint64(len(clients)))
	for _, c := range clients {
		e.WriteUvarint(c)
		e.WriteUvarint(uint64(len(d.log[c])))
	}
	return e.Bytes()
}

// EncodeStateAsUpdate returns every operation missing from the replica
// described by sv, including ops still pending here. A nil or empty sv
// returns the full state.
func (d *Doc) EncodeStateAsUpdate(sv []byte) ([]byte, error) {
	var known map[uint64]uint64
	if len(sv) > 0 {
		var err error
		known, err = decodeStateVector(sv)
		if err != nil {
			return nil, err
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	var ops []op
	for _, c := range d.clientsLocked() {
		log := d.log[c]
		from := known[c]
		if from < uint64(len(log)) {
			ops = append(ops, log[from:]...)
		}
	}
	for id, o := range d.pending {
		if id.clock >= known[id.client] {
			ops = append(ops, o)
		}
	}
	sortOps(ops)
	return encodeOps(ops), nil
}

// ApplyUpdate integrates update. Operations already seen are skipped,
// so applying the same update twice is a no-op. A zero-length update is
// a no-op. Malformed bytes return ErrInvalidUpdate and change nothing.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	if len(update) == 0 {
		return nil
	}
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	d.applyMu.Lock()
	defer d.applyMu.Unlock()

	d.mu.Lock()
	var integrated []op
	for _, o := range ops {
		integrated = append(integrated, d.receive(o)...)
	}
	d.mu.Unlock()

	if len(integrated) > 0 {
		d.emit(integrated, origin)
	}
	return nil
}

// OnUpdate registers fn and returns a function that removes it.
func (d *Doc) OnUpdate(fn UpdateHandler) func() {
	d.mu.Lock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.handlers, id)
			d.mu.Unlock()
		})
	}
}

// receive integrates o if it is next in its client's sequence, then
// drains any pending successors. Must be called with mu held.
func (d *Doc) receive(o op) []op {
	next := uint64(len(d.log[o.client]))
	switch {
	case o.clock < next:
		return nil
	case o.clock > next:
		d.pending[opID{o.client, o.clock}] = o
		return nil
	}

	out := []op{o}
	d.integrate(o)
	for {
		id := opID{o.client, uint64(len(d.log[o.client]))}
		p, ok := d.pending[id]
		if !ok {
			return out
		}
		delete(d.pending, id)
		d.integrate(p)
		out = append(out, p)
	}
}

// integrate appends o to its client's log and updates the key's winner.
// Must be called with mu held.
func (d *Doc) integrate(o op) {
	d.log[o.client] = append(d.log[o.client], o)
	if o.lamport > d.lamport {
		d.lamport = o.lamport
	}
	if cur, ok := d.entries[o.key]; !ok || o.wins(cur) {
		d.entries[o.key] = o
	}
}

// emit must be called with applyMu held and mu released.
func (d *Doc) emit(ops []op, origin any) {
	d.mu.RLock()
	if len(d.handlers) == 0 {
		d.mu.RUnlock()
		return
	}
	ids := make([]int, 0, len(d.handlers))
	for id := range d.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]UpdateHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, d.handlers[id])
	}
	d.mu.RUnlock()

	update := encodeOps(ops)
	for _, fn := range handlers {
		fn(update, origin)
	}
}

func (d *Doc) clientsLocked() []uint64 {
	clients := make([]uint64, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	slices.Sort(clients)
	return clients
}

func sortOps(ops []op) {
	slices.SortFunc(ops, func(a, b op) int {
		if a.client != b.client {
			if a.client < b.client {
				return -1
			}
			return 1
		}
		if a.clock < b.clock {
			return -1
		}
		if a.clock > b.clock {
			return 1
		}
		return 0
	})
}
