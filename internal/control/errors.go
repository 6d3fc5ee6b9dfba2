package control

import (
	"errors"
	"strings"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Domain errors for control sessions.
var (
	// ErrTimeout is returned when a device does not answer within the command timeout.
	ErrTimeout = errors.New("control: timeout")

	// ErrDisconnected is returned when the session's transport closed or was never opened.
	ErrDisconnected = errors.New("control: disconnected")

	// ErrModeMismatch is returned before any I/O when an operation requires a
	// different session mode.
	ErrModeMismatch = errors.New("control: CONTROL_SOCKET_MODE_ERROR")

	// ErrQueueOverflow is returned to every task shed when the queue overflows.
	ErrQueueOverflow = errors.New("control: task queue overflow")

	// ErrProtocol is returned when a reply does not have the expected shape.
	ErrProtocol = errors.New("control: protocol error")

	// ErrTransferFailed is returned when a chunked transfer is refused or broken off.
	ErrTransferFailed = errors.New("control: transfer failed")

	// ErrEmptyUpload is returned when an upload has no payload.
	ErrEmptyUpload = errors.New("control: file is empty")

	// ErrUnsupportedFileType is returned for upload file extensions with no mime mapping.
	ErrUnsupportedFileType = errors.New("control: unsupported file type")

	// ErrNotSupported is returned by backends that have no equivalent operation.
	ErrNotSupported = errors.New("control: operation not supported by backend")

	// ErrClosed is returned for tasks still queued when the session is closed.
	ErrClosed = errors.New("control: session closed")
)

// Error codes reported by the firmware that callers branch on.
const (
	CodeTimeout      = "TIMEOUT"
	CodeDisconnected = "DISCONNECTED"
	CodeKicked       = "KICKED"
)

// CommandError is an "error" or "fatal" reply from the device.
// The firmware's error codes are kept so callers can branch on them.
type CommandError struct {
	// Fatal is true for "fatal" replies and abnormal transport closes.
	Fatal bool

	// Status is the reply status ("error", "fatal", or the last status seen).
	Status string

	// Codes is the reply's "error" field.
	Codes []string

	// Text is the reply's "text" field or the accumulated raw output.
	Text string

	// Info holds the full decoded reply.
	Info map[string]any
}

func newCommandError(msg transport.Message, fatal bool) *CommandError {
	return &CommandError{
		Fatal:  fatal,
		Status: msg.Status,
		Codes:  msg.Codes(),
		Text:   msg.Text,
		Info:   msg.Fields,
	}
}

// rawFailure wraps accumulated raw output that ended in an error line.
func rawFailure(text string) *CommandError {
	return &CommandError{Status: transport.StatusRaw, Text: text}
}

// Code returns the error codes joined with "_", or the text when there are none.
func (e *CommandError) Code() string {
	if len(e.Codes) > 0 {
		return strings.Join(e.Codes, "_")
	}
	return strings.TrimSpace(e.Text)
}

func (e *CommandError) Error() string {
	kind := "device error"
	if e.Fatal {
		kind = "device fatal"
	}
	return "control: " + kind + ": " + e.Code()
}

// Is matches ErrDisconnected and ErrTimeout by code so errors.Is works for
// both locally raised and device-reported conditions.
func (e *CommandError) Is(target error) bool {
	switch target {
	case ErrDisconnected:
		return e.Code() == CodeDisconnected
	case ErrTimeout:
		return e.Code() == CodeTimeout
	default:
		return false
	}
}
