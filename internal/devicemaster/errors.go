package devicemaster

import (
	"errors"
	"regexp"
	"strings"

	"github.com/nerrad567/laserlink-core/internal/control"
	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/relay"
)

// Domain errors for the device master.
var (
	// ErrNoDevice is returned by operations that need a selected device.
	ErrNoDevice = errors.New("devicemaster: no device selected")

	// ErrUnknownDevice is returned when a device cannot be driven by any backend.
	ErrUnknownDevice = errors.New("devicemaster: UNKNOWN_DEVICE")

	// ErrAuth is returned when authentication was refused or cancelled.
	ErrAuth = errors.New("devicemaster: AUTH_ERROR")

	// ErrUpdateSerialFailed is returned when a relay device never reported a usable serial.
	ErrUpdateSerialFailed = errors.New("devicemaster: UPDATE_SERIAL_FAILED")

	// ErrUploadFailed is returned when a calibration job could not be uploaded.
	ErrUploadFailed = errors.New("devicemaster: UPLOAD_FAILED")

	// ErrQuitFailed is returned when a finished job could not be quit.
	ErrQuitFailed = errors.New("devicemaster: quit failed")

	// ErrTaskAborted is returned by status waits when the job was aborted.
	ErrTaskAborted = errors.New("devicemaster: task aborted")
)

// Connection error codes.
const (
	CodeTimeout            = "TIMEOUT"
	CodeNotFound           = "NOT_FOUND"
	CodeDisconnected       = "DISCONNECTED"
	CodeUnknownDevice      = "UNKNOWN_DEVICE"
	CodeAuthError          = "AUTH_ERROR"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeUpdateSerialFailed = "UPDATE_SERIAL_FAILED"
	CodeUnknown            = "UNKNOWN"
)

// trailingWord pulls the code out of texts such as "error: AUTH_ERROR".
var trailingWord = regexp.MustCompile(`^.*:\s+(\w+)$`)

// Code maps an error to the connection error taxonomy. Device errors that
// match none of the known kinds pass their firmware code through.
func Code(err error) string {
	if err == nil {
		return ""
	}

	var ce *control.CommandError
	switch {
	case errors.Is(err, ErrAuth):
		return CodeAuthError
	case errors.Is(err, ErrUpdateSerialFailed):
		return CodeUpdateSerialFailed
	case errors.Is(err, ErrUnknownDevice):
		return CodeUnknownDevice
	case errors.Is(err, device.ErrDeviceNotFound):
		return CodeNotFound
	case errors.Is(err, control.ErrTimeout):
		return CodeTimeout
	case errors.Is(err, control.ErrDisconnected),
		errors.Is(err, relay.ErrDisconnected),
		errors.Is(err, relay.ErrNotConnected):
		return CodeDisconnected
	case errors.As(err, &ce):
		return normaliseCode(ce.Code())
	default:
		return CodeUnknown
	}
}

func normaliseCode(code string) string {
	code = strings.TrimSpace(code)
	if m := trailingWord.FindStringSubmatch(code); m != nil {
		code = m[1]
	}
	return strings.ToUpper(code)
}

// isAuthError reports whether a connect failure asks for authentication.
func isAuthError(err error) bool {
	switch Code(err) {
	case CodeAuthError, CodeAuthFailed:
		return true
	default:
		return false
	}
}

// TaskError is a job that stopped with firmware errors while being waited on.
type TaskError struct {
	Status device.StatusID
	Errors device.ErrorList
}

func (e *TaskError) Error() string {
	if len(e.Errors) == 0 {
		return "devicemaster: task stopped in status " + e.Status.String()
	}
	return "devicemaster: task failed: " + e.Errors.String()
}

// Unwrap lets errors.Is match ErrTaskAborted for aborted jobs.
func (e *TaskError) Unwrap() error {
	if e.Status == device.StatusAborted {
		return ErrTaskAborted
	}
	return nil
}
