package common

import "errors"

var (
	// ErrKeyNotReady is returned when a message is sent to a peer before a
	// session key has been established for the pair.
	ErrKeyNotReady = errors.New("session key not ready")
	// ErrTransportUnavailable is returned when a frame is sent while the
	// connection to the relay is not open.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrConnectionLost is the terminal state after reconnection gave up.
	ErrConnectionLost = errors.New("connection lost")
	// ErrMalformedFrame wraps decoding and validation failures of wire frames.
	ErrMalformedFrame = errors.New("malformed frame")
)
