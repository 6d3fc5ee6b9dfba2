package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementDeviceStatus = "device_status"
	measurementSession      = "device_session"
	measurementDiscovery    = "discovery"
)

// DeviceStatus is one report sample from a machine.
type DeviceStatus struct {
	UUID       string
	Model      string
	StatusID   int
	Progress   float64
	ErrorLabel string
}

// WriteDeviceStatus records a report sample. Model and uuid are tags.
func (c *Client) WriteDeviceStatus(s DeviceStatus) {
	fields := map[string]any{
		"status_id": s.StatusID,
		"progress":  s.Progress,
	}
	if s.ErrorLabel != "" {
		fields["error"] = s.ErrorLabel
	}
	c.write(measurementDeviceStatus, map[string]string{"uuid": s.UUID, "model": s.Model}, fields, time.Now())
}

// WriteSessionEvent records a session lifecycle event such as
// "connected", "closed" or "reconnected".
func (c *Client) WriteSessionEvent(uuid, event string) {
	c.write(measurementSession, map[string]string{"uuid": uuid, "event": event}, map[string]any{"count": 1}, time.Now())
}

// WriteDiscoveryCount records how many devices discovery currently sees, by source.
func (c *Client) WriteDiscoveryCount(firmware, relay int) {
	c.write(measurementDiscovery, nil, map[string]any{"firmware": firmware, "relay": relay}, time.Now())
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
