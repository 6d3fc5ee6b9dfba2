package device

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Validation constants.
const (
	maxNameLength = 100

	// minSerialLength is the shortest serial the relay reports once a machine is fully attached.
	minSerialLength = 8
)

// ValidateInfo checks that a discovery or relay message describes a usable device.
func ValidateInfo(info Info) error {
	if err := ValidateUUID(info.UUID); err != nil {
		return err
	}

	switch info.Source {
	case SourceFirmware, SourceRelay:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSource, info.Source)
	}

	if len(info.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}

	if info.Source == SourceFirmware && info.IPAddress != "" {
		if ip := net.ParseIP(info.IPAddress); ip == nil {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, info.IPAddress)
		}
	}

	if info.Source == SourceRelay && info.Port == "" {
		return fmt.Errorf("%w: relay device without port", ErrInvalidDevice)
	}

	return nil
}

// ValidateUUID accepts both the dashed form and the 32 hex digit form
// the firmware advertises.
func ValidateUUID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUUID)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidUUID, err)
	}
	return nil
}

// HasValidSerial reports whether the serial is long enough to identify a relay machine.
func HasValidSerial(serial string) bool {
	return len(serial) >= minSerialLength
}
