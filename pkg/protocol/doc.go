// Package protocol implements the binary wire protocol spoken between
// relay clients and the relay.
//
// The protocol carries three independent sub-protocols over one
// WebSocket: document sync, presence (awareness) and an opaque status
// echo. Every frame is self-describing and binary.
//
// # Wire Format
//
// Every frame starts with a varuint message type:
//
//	┌──────────────────┬───────────────────────────────────────────┐
//	│ Message Type     │ Type-specific payload                     │
//	│ (varuint)        │                                           │
//	└──────────────────┴───────────────────────────────────────────┘
//
// # Message Types
//
//   - MessageSync (0): [varuint subtype][varuint len][bytes]
//   - MessageAwareness (1): [varuint len][awareness payload]
//   - MessageAuth (2): reserved, never produced
//   - MessageQueryAwareness (3): no payload, the frame is one byte
//   - MessageSyncStatus (102): [varuint len][opaque bytes]
//
// SyncStatus sits outside the 0-3 range so that peers which do not
// know it skip it as an unknown frame.
//
// # Sync
//
// Sync is a two-step exchange followed by incremental updates:
//
//	Client                         Relay
//	   │─── Step1 (state vector) ───▶│
//	   │◀── Step2 (missing ops) ─────│
//	   │◀── Step1 (state vector) ────│
//	   │─── Step2 (missing ops) ────▶│
//	   │◀══ Update ═════════════════▶│
//
// # Awareness
//
// The awareness payload is a list of clocked entries:
//
//	varuint count
//	count × ( varuint clientID, varuint clock, varstring JSON state )
//
// A JSON null state removes the entry.
//
// # Encoding
//
//   - Varint: 7 bits per byte, least significant group first
//   - Length-prefixed: byte arrays and strings carry a varuint length
//
// Decoders enforce DefaultMaxAllocation on every length prefix and
// MaxCollectionCount on every count.
package protocol
