package transport

import "errors"

var (
	// ErrShutdown is returned for operations on a closed client.
	ErrShutdown = errors.New("connection is shut down")

	// ErrDisconnected fails all requests pending on a connection when it drops.
	ErrDisconnected = errors.New("connection dropped")

	// ErrTimeout is returned when a single pending request exceeds its wait window.
	// Only that request fails; the connection remains usable.
	ErrTimeout = errors.New("request timed out")

	// ErrAuthFailed is reported when the server rejects the authentication handshake.
	ErrAuthFailed = errors.New("authentication rejected")
)
