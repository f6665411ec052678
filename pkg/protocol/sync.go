package protocol

import (
	"fmt"
)

// SyncDocument is the subset of a replicated document the sync
// sub-protocol needs. crdt.Document satisfies it.
type SyncDocument interface {
	// StateVector summarizes the operations the document has seen.
	StateVector() []byte

	// EncodeStateAsUpdate returns every operation the holder of sv is
	// missing. A nil sv returns the full state.
	EncodeStateAsUpdate(sv []byte) ([]byte, error)

	// ApplyUpdate merges update into the document, tagging the
	// resulting change event with origin.
	ApplyUpdate(update []byte, origin any) error
}

// SyncMessage is a decoded SYNC frame.
type SyncMessage struct {
	Type SyncType

	// Payload is the state vector for Step1 and the update bytes for
	// Step2 and Update. It may be empty.
	Payload []byte
}

// EncodeSyncStep1 encodes the document's state vector as a STEP1 frame.
func EncodeSyncStep1(doc SyncDocument) []byte {
	return encodeSync(SyncStep1, doc.StateVector())
}

// EncodeSyncStep2 encodes the diff between doc and the state vector sv
// as a STEP2 frame. A nil sv sends the full document.
func EncodeSyncStep2(doc SyncDocument, sv []byte) ([]byte, error) {
	update, err := doc.EncodeStateAsUpdate(sv)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode step2: %w", err)
	}
	return encodeSync(SyncStep2, update), nil
}

// EncodeSyncUpdate wraps already-encoded update bytes as an UPDATE frame.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(st SyncType, payload []byte) []byte {
	e := NewEncoderWithCap(len(payload) + 2*MaxVarintLen)
	e.WriteUvarint(uint64(MessageSync))
	e.WriteUvarint(uint64(st))
	e.WriteLenBytes(payload)
	return e.Bytes()
}

// DecodeSyncMessage decodes a complete SYNC frame.
// Returns *UnexpectedTypeError if the frame is not a SYNC frame and
// ErrUnknownSyncType for an unrecognized sub-type.
func DecodeSyncMessage(b []byte) (SyncMessage, error) {
	d := NewDecoder(b)
	if err := readTag(d, MessageSync); err != nil {
		return SyncMessage{}, err
	}
	return ReadSyncMessage(d)
}

// ReadSyncMessage reads the sub-type and payload of a SYNC frame whose
// leading tag has already been consumed.
func ReadSyncMessage(d *Decoder) (SyncMessage, error) {
	st, err := d.ReadUvarint()
	if err != nil {
		return SyncMessage{}, fmt.Errorf("protocol: read sync type: %w", err)
	}
	switch SyncType(st) {
	case SyncStep1, SyncStep2, SyncUpdate:
	default:
		return SyncMessage{}, fmt.Errorf("%w: %d", ErrUnknownSyncType, st)
	}
	payload, err := d.ReadLenBytes()
	if err != nil {
		return SyncMessage{}, fmt.Errorf("protocol: read sync payload: %w", err)
	}
	return SyncMessage{Type: SyncType(st), Payload: payload}, nil
}

// HandleSyncMessage reads one sync message from d and applies it to doc.
// Only STEP1 produces a reply: the STEP2 frame carrying what the sender
// is missing. STEP2 and UPDATE are applied with origin and return nil.
func HandleSyncMessage(d *Decoder, doc SyncDocument, origin any) ([]byte, error) {
	msg, err := ReadSyncMessage(d)
	if err != nil {
		return nil, err
	}
	return ApplySyncMessage(msg, doc, origin)
}

// ApplySyncMessage applies an already-decoded sync message to doc.
// See HandleSyncMessage.
func ApplySyncMessage(msg SyncMessage, doc SyncDocument, origin any) ([]byte, error) {
	switch msg.Type {
	case SyncStep1:
		return EncodeSyncStep2(doc, msg.Payload)
	case SyncStep2, SyncUpdate:
		if err := doc.ApplyUpdate(msg.Payload, origin); err != nil {
			return nil, fmt.Errorf("protocol: apply %s: %w", msg.Type, err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSyncType, uint64(msg.Type))
	}
}
