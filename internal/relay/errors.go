package relay

import "errors"

// Domain errors for the relay client.
var (
	// ErrNotConnected is returned when the relay socket is not open.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrDisconnected is returned to calls pending when the socket closed.
	ErrDisconnected = errors.New("relay: disconnected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("relay: client closed")

	// ErrActionFailed is wrapped by ActionError.
	ErrActionFailed = errors.New("relay: action failed")

	// ErrInvalidReply is returned when a result does not decode.
	ErrInvalidReply = errors.New("relay: invalid reply")
)

// ActionError is a result with "success": false.
type ActionError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ActionError) Error() string {
	if e.Message == "" {
		return ErrActionFailed.Error()
	}
	return e.Message
}

// Unwrap lets errors.Is match ErrActionFailed.
func (e *ActionError) Unwrap() error {
	return ErrActionFailed
}
