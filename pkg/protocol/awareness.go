package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// nullState is the JSON encoding of a removed awareness entry.
var nullState = []byte("null")

// AwarenessEntry is one (clientID, clock, state) triple of an awareness
// update. A nil or JSON null State marks the entry as removed.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

// Removed reports whether the entry removes the client's state.
func (e AwarenessEntry) Removed() bool {
	s := bytes.TrimSpace(e.State)
	return len(s) == 0 || bytes.Equal(s, nullState)
}

// AwarenessTable is a presence table that can serialize its entries.
// awareness.Awareness satisfies it.
type AwarenessTable interface {
	// ClientIDs returns the ids with a live state.
	ClientIDs() []uint64

	// EncodeUpdate serializes the entries for clients.
	EncodeUpdate(clients []uint64) []byte
}

// EncodeAwarenessUpdate serializes entries into the awareness payload
// carried inside an AWARENESS frame:
//
//	varuint count, count × (varuint clientID, varuint clock, varstring json)
func EncodeAwarenessUpdate(entries []AwarenessEntry) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(len(entries)))
	for _, entry := range entries {
		e.WriteUvarint(entry.ClientID)
		e.WriteUvarint(entry.Clock)
		if entry.Removed() {
			e.WriteLenBytes(nullState)
		} else {
			e.WriteLenBytes(entry.State)
		}
	}
	return e.Bytes()
}

// DecodeAwarenessUpdate parses an awareness payload. Every state is
// checked to be valid JSON so that a malformed delta is rejected as a
// whole before anything is applied.
func DecodeAwarenessUpdate(raw []byte) ([]AwarenessEntry, error) {
	d := NewDecoder(raw)
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("protocol: read awareness count: %w", err)
	}
	entries := make([]AwarenessEntry, 0, count)
	for i := 0; i < count; i++ {
		clientID, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("protocol: read awareness client: %w", err)
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("protocol: read awareness clock: %w", err)
		}
		state, err := d.ReadLenBytes()
		if err != nil {
			return nil, fmt.Errorf("protocol: read awareness state: %w", err)
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("protocol: awareness state for client %d is not valid JSON", clientID)
		}
		entries = append(entries, AwarenessEntry{ClientID: clientID, Clock: clock, State: state})
	}
	return entries, nil
}

// EncodeAwareness wraps an already-serialized awareness payload as an
// AWARENESS frame.
func EncodeAwareness(raw []byte) []byte {
	e := NewEncoderWithCap(len(raw) + 2*MaxVarintLen)
	e.WriteUvarint(uint64(MessageAwareness))
	e.WriteLenBytes(raw)
	return e.Bytes()
}

// EncodeAwarenessStates encodes a snapshot of table as an AWARENESS
// frame. A nil clients slice encodes every live entry.
func EncodeAwarenessStates(table AwarenessTable, clients []uint64) []byte {
	if clients == nil {
		clients = table.ClientIDs()
	}
	return EncodeAwareness(table.EncodeUpdate(clients))
}

// DecodeAwareness returns the payload of an AWARENESS frame.
func DecodeAwareness(b []byte) ([]byte, error) {
	d := NewDecoder(b)
	if err := readTag(d, MessageAwareness); err != nil {
		return nil, err
	}
	raw, err := d.ReadLenBytes()
	if err != nil {
		return nil, fmt.Errorf("protocol: read awareness payload: %w", err)
	}
	return raw, nil
}

// EncodeQueryAwareness returns the one-byte QUERY_AWARENESS frame.
func EncodeQueryAwareness() []byte {
	return []byte{byte(MessageQueryAwareness)}
}
