package influxdb

import (
	"errors"
	"sync"
	"testing"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
)

type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriter) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func tagValue(p *write.Point, key string) string {
	for _, tag := range p.TagList() {
		if tag.Key == key {
			return tag.Value
		}
	}
	return ""
}

func fieldValue(p *write.Point, key string) any {
	for _, field := range p.FieldList() {
		if field.Key == key {
			return field.Value
		}
	}
	return nil
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:1", Org: "o", Bucket: "b"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestWriteDeviceStatus(t *testing.T) {
	w := &fakeWriter{}
	c := newWithWriter(w)

	c.WriteDeviceStatus(DeviceStatus{UUID: "u1", Model: "fhexa1", StatusID: 16, Progress: 0.5})
	c.WriteDeviceStatus(DeviceStatus{UUID: "u1", Model: "fhexa1", StatusID: 128, ErrorLabel: "HEAD_ERROR"})

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	p := w.points[0]
	if p.Name() != "device_status" {
		t.Errorf("measurement = %q, want device_status", p.Name())
	}
	if tagValue(p, "uuid") != "u1" || tagValue(p, "model") != "fhexa1" {
		t.Errorf("tags = %v", p.TagList())
	}
	if got := fieldValue(p, "status_id"); got != int64(16) {
		t.Errorf("status_id = %v (%T), want 16", got, got)
	}
	if fieldValue(p, "error") != nil {
		t.Error("error field should be omitted when empty")
	}
	if got := fieldValue(w.points[1], "error"); got != "HEAD_ERROR" {
		t.Errorf("error = %v, want HEAD_ERROR", got)
	}
}

func TestWriteSessionAndDiscovery(t *testing.T) {
	w := &fakeWriter{}
	c := newWithWriter(w)

	c.WriteSessionEvent("u2", "closed")
	c.WriteDiscoveryCount(3, 1)

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	if tagValue(w.points[0], "event") != "closed" {
		t.Errorf("event tag = %q, want closed", tagValue(w.points[0], "event"))
	}
	if got := fieldValue(w.points[1], "relay"); got != int64(1) {
		t.Errorf("relay = %v, want 1", got)
	}
}

func TestClose_StopsWrites(t *testing.T) {
	w := &fakeWriter{}
	c := newWithWriter(w)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}

	c.WriteSessionEvent("u", "connected")
	c.Flush()
	if len(w.points) != 0 || w.flushes != 1 {
		t.Error("closed client must not write or flush")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	c.WriteDeviceStatus(DeviceStatus{UUID: "u"})
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
}
