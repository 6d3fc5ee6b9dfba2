package device

import (
	"encoding/json"
	"strings"
	"time"
)

// Source identifies which liveness channel reported a device.
type Source string

// Device sources.
const (
	// SourceFirmware is a machine answering discovery pokes through the firmware gateway.
	SourceFirmware Source = "firmware"

	// SourceRelay is a machine attached to the relay server (USB or galvo controllers).
	SourceRelay Source = "relay"
)

// StatusID is the numeric machine state reported in discovery and report replies.
type StatusID int

// Status identifiers used by the firmware.
const (
	StatusIdle               StatusID = 0
	StatusInit               StatusID = 1
	StatusStarting           StatusID = 4
	StatusRunning            StatusID = 16
	StatusPaused             StatusID = 32
	StatusPausedFromStarting StatusID = 36
	StatusPausedFromRunning  StatusID = 48
	StatusCompleted          StatusID = 64
	StatusAborted            StatusID = 128
)

// String returns a short label for logs.
func (s StatusID) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusInit:
		return "init"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusPaused, StatusPausedFromStarting, StatusPausedFromRunning:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsNotable reports whether a transition into s is worth a user notification.
func (s StatusID) IsNotable() bool {
	return s == StatusPausedFromRunning || s == StatusCompleted || s == StatusAborted
}

// Info is a snapshot of one machine as seen by discovery or a status query.
// UUID is the identity key everywhere.
type Info struct {
	UUID            string    `json:"uuid"`
	Model           string    `json:"model"`
	Name            string    `json:"name"`
	Serial          string    `json:"serial"`
	FirmwareVersion string    `json:"version"`
	IPAddress       string    `json:"ipaddr"`
	Source          Source    `json:"source"`
	StatusID        StatusID  `json:"st_id"`
	ErrorLabel      string    `json:"error_label,omitempty"`
	Alive           bool      `json:"alive"`
	Password        bool      `json:"password"`
	Port            string    `json:"port,omitempty"`
	LastAlive       time.Time `json:"last_alive"`
}

// IsRelay reports whether the machine is driven through the relay server.
func (i Info) IsRelay() bool {
	return i.Source == SourceRelay
}

// ErrorList is the firmware "error" field, which is either a string or an array of strings.
type ErrorList []string

// UnmarshalJSON accepts both the string and the array form.
func (e *ErrorList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*e = nil
		} else {
			*e = ErrorList{s}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*e = list
	return nil
}

// String joins the codes the way the firmware gateway does.
func (e ErrorList) String() string {
	return strings.Join(e, "_")
}

// Status is the device_status block of a report reply.
type Status struct {
	StatusID    StatusID       `json:"st_id"`
	StatusLabel string         `json:"st_label"`
	Progress    float64        `json:"prog"`
	Error       ErrorList      `json:"error"`
	Raw         map[string]any `json:"-"`
}

// UnmarshalJSON keeps every field of the block in Raw alongside the typed fields.
func (s *Status) UnmarshalJSON(data []byte) error {
	type plain Status
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = Status(p)
	s.Raw = raw
	return nil
}

// Report is the reply to a status report request.
type Report struct {
	Status Status `json:"device_status"`
}

// Apply copies the volatile status fields of r into info.
func (r Report) Apply(info *Info) {
	info.StatusID = r.Status.StatusID
	info.ErrorLabel = r.Status.Error.String()
}
