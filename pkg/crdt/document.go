package crdt

import (
	"errors"

	"github.com/vango-dev/relay/pkg/protocol"
)

// ErrInvalidUpdate is returned when update or state vector bytes cannot
// be decoded. The document is left unchanged.
var ErrInvalidUpdate = errors.New("crdt: invalid update")

// UpdateHandler receives every update integrated into a document along
// with the origin passed to ApplyUpdate. Local edits carry a nil origin.
type UpdateHandler func(update []byte, origin any)

// Document is a replicated document handle.
//
// Implementations must be safe for concurrent use and must serialize
// their own mutation. Handlers registered with OnUpdate are called
// synchronously after each integrated change and must not call back
// into the document's mutating methods.
type Document interface {
	protocol.SyncDocument

	// OnUpdate registers fn and returns a function that removes it.
	OnUpdate(fn UpdateHandler) (unsubscribe func())
}
