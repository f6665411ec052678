package protocol

import (
	"errors"
	"fmt"
)

// MessageType is the leading varuint of every frame.
type MessageType uint64

const (
	MessageSync           MessageType = 0   // Document sync (STEP1, STEP2, UPDATE)
	MessageAwareness      MessageType = 1   // Presence delta
	MessageAuth           MessageType = 2   // Reserved, never sent by the relay
	MessageQueryAwareness MessageType = 3   // Request a full presence snapshot
	MessageSyncStatus     MessageType = 102 // Opaque marker echoed back to the sender
)

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageSync:
		return "Sync"
	case MessageAwareness:
		return "Awareness"
	case MessageAuth:
		return "Auth"
	case MessageQueryAwareness:
		return "QueryAwareness"
	case MessageSyncStatus:
		return "SyncStatus"
	default:
		return "Unknown"
	}
}

// SyncType is the sub-type of a SYNC frame.
type SyncType uint64

const (
	SyncStep1  SyncType = 0 // Sender's state vector
	SyncStep2  SyncType = 1 // Diff answering a state vector
	SyncUpdate SyncType = 2 // Incremental update broadcast
)

// String returns the string representation of the sync type.
func (st SyncType) String() string {
	switch st {
	case SyncStep1:
		return "Step1"
	case SyncStep2:
		return "Step2"
	case SyncUpdate:
		return "Update"
	default:
		return "Unknown"
	}
}

// ErrUnknownSyncType is returned when a SYNC frame carries a sub-type
// other than STEP1, STEP2 or UPDATE.
var ErrUnknownSyncType = errors.New("protocol: unknown sync message type")

// UnexpectedTypeError is returned when a frame's leading tag does not
// match the message type the caller asked to decode.
type UnexpectedTypeError struct {
	Expected MessageType
	Actual   uint64
}

func (e *UnexpectedTypeError) Error() string {
	return fmt.Sprintf("protocol: expected %s message (%d), got type %d",
		e.Expected, uint64(e.Expected), e.Actual)
}

// readTag reads the leading type tag and checks it against want.
func readTag(d *Decoder, want MessageType) error {
	tag, err := d.ReadUvarint()
	if err != nil {
		return fmt.Errorf("protocol: read message type: %w", err)
	}
	if tag != uint64(want) {
		return &UnexpectedTypeError{Expected: want, Actual: tag}
	}
	return nil
}
