package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// fakeConn is an in-memory relay socket. respond is called for every action
// envelope and returns the frames to deliver back.
type fakeConn struct {
	mu        sync.Mutex
	actions   []map[string]any
	binaries  [][]byte
	onEvent   func(transport.Event)
	onClose   func(int, error)
	connected bool
	respond   func(id, action string, params any) []string
}

func (f *fakeConn) SendText(context.Context, string) error { return nil }

func (f *fakeConn) SendJSON(_ context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var env map[string]any
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.actions = append(f.actions, env)
	respond := f.respond
	handler := f.onEvent
	f.mu.Unlock()

	data, _ := env["data"].(map[string]any)
	id, _ := data["id"].(string)
	action, _ := data["action"].(string)
	if respond == nil || handler == nil {
		return nil
	}
	for _, frame := range respond(id, action, data["params"]) {
		handler(transport.Event{Kind: transport.EventMessage, Message: transport.DecodeText(frame)})
	}
	return nil
}

func (f *fakeConn) SendBinary(_ context.Context, data []byte) error {
	f.mu.Lock()
	f.binaries = append(f.binaries, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetOnEvent(h func(transport.Event)) {
	f.mu.Lock()
	f.onEvent = h
	f.mu.Unlock()
}

func (f *fakeConn) SetOnOpen(func()) {}

func (f *fakeConn) SetOnClose(h func(int, error)) {
	f.mu.Lock()
	f.onClose = h
	f.mu.Unlock()
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) emit(frame string) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	h(transport.Event{Kind: transport.EventMessage, Message: transport.DecodeText(frame)})
}

func (f *fakeConn) lastAction(action string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.actions) - 1; i >= 0; i-- {
		data, _ := f.actions[i]["data"].(map[string]any)
		if data["action"] == action {
			return f.actions[i]
		}
	}
	return nil
}

func callback(id, result string) string {
	return `{"type":"callback","id":"` + id + `","result":` + result + `}`
}

// defaultRespond answers system info and acknowledges every other action.
func defaultRespond(id, action string, _ any) []string {
	if action == "getInfo" {
		return []string{callback(id, `{"success":true,"info":{"swiftrayVersion":"1.2.3","os":"linux"}}`)}
	}
	return []string{callback(id, `{"success":true}`)}
}

func newTestClient(t *testing.T, respond func(id, action string, params any) []string) (*Client, *fakeConn) {
	t.Helper()
	fc := &fakeConn{connected: true, respond: respond}
	c := NewClient(Config{URL: "ws://relay.test"})
	c.SetDialer(func(_ context.Context, cfg transport.Config) (transport.Channel, error) {
		if !cfg.Passthrough || !cfg.AutoReconnect {
			t.Errorf("dial config = %+v, want passthrough with auto reconnect", cfg)
		}
		return fc, nil
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, fc
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})
	if c.cfg.URL != DefaultURL {
		t.Errorf("URL = %q, want %q", c.cfg.URL, DefaultURL)
	}
	if c.cfg.MaxRetries != 200 {
		t.Errorf("MaxRetries = %d, want 200", c.cfg.MaxRetries)
	}
	if c.cfg.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v, want 5s", c.cfg.RetryDelay)
	}
}

func TestClient_ActionCallback(t *testing.T) {
	c, fc := newTestClient(t, func(id, action string, params any) []string {
		if action == "getParam" {
			return []string{callback(id, `{"status":"ok","value":42}`)}
		}
		return defaultRespond(id, action, params)
	})

	res, err := c.Action(context.Background(), "/devices/COM3", "getParam", map[string]any{"name": "laser_power"})
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	var v struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(res, &v); err != nil || v.Value != 42 {
		t.Errorf("result = %s, want value 42", res)
	}

	env := fc.lastAction("getParam")
	if env["type"] != "action" || env["path"] != "/devices/COM3" {
		t.Errorf("envelope = %v", env)
	}
	data := env["data"].(map[string]any)
	if _, err := uuid.Parse(data["id"].(string)); err != nil {
		t.Errorf("id %q is not a uuid: %v", data["id"], err)
	}
	params := data["params"].(map[string]any)
	if params["name"] != "laser_power" {
		t.Errorf("params = %v", params)
	}
	if c.pending.Size() != 0 {
		t.Errorf("pending calls = %d, want 0", c.pending.Size())
	}
}

func TestClient_IgnoresForeignCallback(t *testing.T) {
	c, _ := newTestClient(t, func(id, action string, params any) []string {
		if action == "start" {
			return []string{callback("someone-else", `{"success":true}`)}
		}
		return defaultRespond(id, action, params)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Action(ctx, "/devices/COM3", "start", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Action() error = %v, want deadline exceeded", err)
	}
}

func TestClient_ChunksAreJoined(t *testing.T) {
	c, _ := newTestClient(t, func(id, action string, params any) []string {
		if action == "downloadLog" {
			return []string{
				`{"type":"chunk","id":"` + id + `","result":"hello "}`,
				`{"type":"chunk","id":"` + id + `","result":"world"}`,
				callback(id, `null`),
			}
		}
		return defaultRespond(id, action, params)
	})

	res, err := c.Action(context.Background(), "/devices/COM3", "downloadLog", "syslog")
	if err != nil {
		t.Fatalf("Action() error = %v", err)
	}
	if got := string(DecodePayload(res)); got != "hello world" {
		t.Errorf("payload = %q, want %q", got, "hello world")
	}
}

func TestClient_Progress(t *testing.T) {
	c, _ := newTestClient(t, func(id, action string, params any) []string {
		if action == "upload" {
			return []string{
				`{"type":"progress","id":"` + id + `","result":{"sent":5,"total":10}}`,
				callback(id, `{"success":true}`),
			}
		}
		return defaultRespond(id, action, params)
	})

	var got []Progress
	_, err := c.Do(context.Background(), Request{
		Path:       "/devices/COM3",
		Action:     "upload",
		Payload:    []byte("G1X10"),
		OnProgress: func(p Progress) { got = append(got, p) },
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(got) != 1 || got[0].Sent != 5 || got[0].Total != 10 {
		t.Errorf("progress = %+v, want one report 5/10", got)
	}
}

func TestClient_PayloadEncoding(t *testing.T) {
	big := make([]byte, binaryThreshold+1)
	for i := range big {
		big[i] = 'a'
	}

	tests := []struct {
		name       string
		payload    []byte
		binaryCap  bool
		wantData   any
		wantBinary bool
	}{
		{name: "text", payload: []byte("G1X10"), wantData: "G1X10"},
		{name: "invalid utf8 as base64", payload: []byte{0xff, 0xfe}, wantData: "//4="},
		{name: "large without capability stays text", payload: big, wantData: string(big)},
		{name: "large with capability goes binary", payload: big, binaryCap: true, wantBinary: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fc := newTestClient(t, defaultRespond)
			waitSystemInfo(t, c)
			info := &SystemInfo{}
			if tt.binaryCap {
				info.Capabilities = []string{capabilityBinary}
			}
			c.info.Store(info)

			_, err := c.Do(context.Background(), Request{
				Path:    "/devices/COM3",
				Action:  "upload",
				Params:  map[string]any{"path": "/tmp/a.gcode"},
				Payload: tt.payload,
			})
			if err != nil {
				t.Fatalf("Do() error = %v", err)
			}

			params := fc.lastAction("upload")["data"].(map[string]any)["params"].(map[string]any)
			if params["path"] != "/tmp/a.gcode" {
				t.Errorf("path = %v", params["path"])
			}
			if tt.wantBinary {
				if params["binary"] != true || len(fc.binaries) != 1 {
					t.Errorf("binary = %v, frames = %d; want binary with one frame", params["binary"], len(fc.binaries))
				}
				return
			}
			if params["data"] != tt.wantData {
				t.Errorf("data = %v, want %v", params["data"], tt.wantData)
			}
		})
	}
}

func TestClient_CommandFanout(t *testing.T) {
	c, fc := newTestClient(t, defaultRespond)

	var mu sync.Mutex
	var gotA, gotB []transport.Event
	unsubA := c.Subscribe("A", func(ev transport.Event) { mu.Lock(); gotA = append(gotA, ev); mu.Unlock() })
	defer unsubA()
	c.Subscribe("B", func(ev transport.Event) { mu.Lock(); gotB = append(gotB, ev); mu.Unlock() })

	fc.emit(`{"type":"command-message","port":"A","data":{"status":"raw","text":"ok\n"}}`)
	fc.emit(`{"type":"command-error","path":"/devices/B","data":{"status":"error","error":["BUSY"]}}`)

	mu.Lock()
	defer mu.Unlock()
	if len(gotA) != 1 || gotA[0].Kind != transport.EventMessage || gotA[0].Message.Text != "ok\n" {
		t.Errorf("port A events = %+v", gotA)
	}
	if len(gotB) != 1 || gotB[0].Kind != transport.EventError {
		t.Errorf("port B events = %+v", gotB)
	}
}

func TestClient_CloseFailsPendingAndNotifies(t *testing.T) {
	c, fc := newTestClient(t, func(id, action string, params any) []string {
		if action == "start" {
			return nil
		}
		return defaultRespond(id, action, params)
	})
	waitSystemInfo(t, c)

	var fatal transport.Event
	done := make(chan struct{})
	c.Subscribe("COM3", func(ev transport.Event) {
		fatal = ev
		close(done)
	})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Action(context.Background(), "/devices/COM3", "start", nil)
		errc <- err
	}()

	deadline := time.Now().Add(time.Second)
	for c.pending.Size() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	fc.onClose(1006, errors.New("gone"))

	select {
	case err := <-errc:
		if !errors.Is(err, ErrDisconnected) {
			t.Errorf("Action() error = %v, want ErrDisconnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail")
	}
	<-done
	if fatal.Kind != transport.EventFatal || fatal.Message.Codes()[0] != "DISCONNECTED" {
		t.Errorf("subscriber event = %+v, want fatal DISCONNECTED", fatal)
	}
}

// waitSystemInfo waits for the system info read started by Connect.
func waitSystemInfo(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for c.SystemInfo() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func TestClient_SystemInfoOnOpen(t *testing.T) {
	c, _ := newTestClient(t, defaultRespond)

	waitSystemInfo(t, c)
	info := c.SystemInfo()
	if info == nil || info.Version != "1.2.3" {
		t.Errorf("SystemInfo() = %+v, want version 1.2.3", info)
	}
}

func TestClient_ListDevices(t *testing.T) {
	c, _ := newTestClient(t, func(id, action string, params any) []string {
		if action == "list" {
			return []string{callback(id, `{"success":true,"devices":[{"uuid":"u1","name":"Promark","serial":"FP12345678","port":"COM3"}]}`)}
		}
		return defaultRespond(id, action, params)
	})

	devices, err := c.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 1 || devices[0].Source != device.SourceRelay || devices[0].Port != "COM3" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestClient_DoWhenNotConnected(t *testing.T) {
	c := NewClient(Config{})
	if _, err := c.Action(context.Background(), "/devices", "list", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Action() error = %v, want ErrNotConnected", err)
	}
}

func TestCheckResult(t *testing.T) {
	tests := []struct {
		name    string
		result  string
		wantErr bool
		wantMsg string
	}{
		{"success", `{"success":true}`, false, ""},
		{"no success field", `{"value":1}`, false, ""},
		{"not an object", `"text"`, false, ""},
		{"failure with message", `{"success":false,"error":{"code":3,"message":"DEVICE_BUSY"}}`, true, "DEVICE_BUSY"},
		{"failure without error", `{"success":false}`, true, ErrActionFailed.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckResult(json.RawMessage(tt.result))
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if err.Error() != tt.wantMsg {
				t.Errorf("message = %q, want %q", err.Error(), tt.wantMsg)
			}
			if !errors.Is(err, ErrActionFailed) {
				t.Error("errors.Is(err, ErrActionFailed) = false")
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{"json string", `"abc"`, "abc"},
		{"base64 object", `{"data":"aGk=","encoding":"base64"}`, "hi"},
		{"text object", `{"data":"plain"}`, "plain"},
		{"other", `[1,2]`, "[1,2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(DecodePayload(json.RawMessage(tt.result))); got != tt.want {
				t.Errorf("DecodePayload() = %q, want %q", got, tt.want)
			}
		})
	}
}
