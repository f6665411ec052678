package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for connection and server error conditions.
var (
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrBackpressure is returned when a connection's send queue is full.
	// The connection is closed as a slow consumer.
	ErrBackpressure = errors.New("server: send queue full")

	// ErrUnauthorized is reported when a credential is rejected.
	ErrUnauthorized = errors.New("server: unauthorized")
)

// WebSocket close codes used by the relay. Codes in the 4000 range are
// application-defined.
const (
	// CloseUnauthorized closes a handshake whose token was rejected.
	CloseUnauthorized = 4401

	// CloseRoomNotFound closes a handshake whose room the provider
	// rejected.
	CloseRoomNotFound = 4404
)

// ConnectionError wraps an error with connection context for debugging.
type ConnectionError struct {
	ConnID string
	Room   string
	Op     string // Operation that failed
	Err    error  // Underlying error
}

// Error returns the error message with connection context.
func (e *ConnectionError) Error() string {
	if e.ConnID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: connection %s (room %q): %s: %v", e.ConnID, e.Room, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}
