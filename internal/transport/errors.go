package transport

import "errors"

// Domain errors for the transport package.
var (
	// ErrConnectionFailed is returned when the websocket cannot be opened.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrNotConnected is returned when sending on a connection that is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrClosed is returned when using a connection after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrSendFailed is returned when a frame cannot be written.
	ErrSendFailed = errors.New("transport: send failed")

	// ErrInvalidURL is returned when the endpoint URL cannot be parsed.
	ErrInvalidURL = errors.New("transport: invalid url")
)
