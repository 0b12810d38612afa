package session

import "errors"

var (
	// ErrNotConnected is returned by Publish when the connection is down
	// and the outbound queue cannot absorb the frame. Callers may retry
	// or fall back to the direct-write API path.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectionLost is the terminal error surfaced after the
	// reconnect budget is exhausted. Connect may be called again to
	// restart the cycle.
	ErrConnectionLost = errors.New("connection lost")

	// ErrHandshakeFailed is returned when the hello exchange is
	// rejected by the broker.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrClosed is returned by Connect on a session that has been
	// Closed. Disconnect leaves the session reusable; Close does not.
	ErrClosed = errors.New("session closed")
)
