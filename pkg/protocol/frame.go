package protocol

import "fmt"

// Frame is a decoded message. The concrete type is one of SyncFrame,
// AwarenessFrame, QueryAwarenessFrame, SyncStatusFrame or UnknownFrame.
type Frame interface {
	// Type returns the frame's leading message type.
	Type() MessageType
	isFrame()
}

// SyncFrame carries a sync sub-message.
type SyncFrame struct {
	Message SyncMessage
}

// AwarenessFrame carries a serialized awareness payload.
type AwarenessFrame struct {
	Update []byte
}

// QueryAwarenessFrame asks for a full awareness snapshot.
type QueryAwarenessFrame struct{}

// SyncStatusFrame carries an opaque payload to be echoed.
type SyncStatusFrame struct {
	Payload []byte
}

// UnknownFrame is any frame whose type the relay does not handle,
// including the reserved AUTH type. Receivers ignore it.
type UnknownFrame struct {
	Tag uint64
}

func (SyncFrame) Type() MessageType           { return MessageSync }
func (AwarenessFrame) Type() MessageType      { return MessageAwareness }
func (QueryAwarenessFrame) Type() MessageType { return MessageQueryAwareness }
func (SyncStatusFrame) Type() MessageType     { return MessageSyncStatus }
func (f UnknownFrame) Type() MessageType      { return MessageType(f.Tag) }

func (SyncFrame) isFrame()           {}
func (AwarenessFrame) isFrame()      {}
func (QueryAwarenessFrame) isFrame() {}
func (SyncStatusFrame) isFrame()     {}
func (UnknownFrame) isFrame()        {}

// DecodeFrame decodes a complete frame into its tagged form.
// Unrecognized types decode to UnknownFrame without error.
func DecodeFrame(b []byte) (Frame, error) {
	d := NewDecoder(b)
	tag, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("protocol: read message type: %w", err)
	}

	switch MessageType(tag) {
	case MessageSync:
		msg, err := ReadSyncMessage(d)
		if err != nil {
			return nil, err
		}
		return SyncFrame{Message: msg}, nil

	case MessageAwareness:
		raw, err := d.ReadLenBytes()
		if err != nil {
			return nil, fmt.Errorf("protocol: read awareness payload: %w", err)
		}
		return AwarenessFrame{Update: raw}, nil

	case MessageQueryAwareness:
		return QueryAwarenessFrame{}, nil

	case MessageSyncStatus:
		payload, err := d.ReadLenBytes()
		if err != nil {
			return nil, fmt.Errorf("protocol: read sync status payload: %w", err)
		}
		return SyncStatusFrame{Payload: payload}, nil

	default:
		return UnknownFrame{Tag: tag}, nil
	}
}
