package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a uuid is not in the registry.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidUUID is returned when a device uuid is empty or malformed.
	ErrInvalidUUID = errors.New("device: invalid uuid")

	// ErrInvalidSource is returned when a source value is not recognised.
	ErrInvalidSource = errors.New("device: invalid source")

	// ErrInvalidAddress is returned when an IP address cannot be parsed.
	ErrInvalidAddress = errors.New("device: invalid address")
)
