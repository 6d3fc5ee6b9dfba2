package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Defaults for the relay connection.
const (
	DefaultURL        = "ws://localhost:6611"
	DefaultMaxRetries = 200
	DefaultRetryDelay = 5 * time.Second

	// defaultCallTimeout applies when the caller's context has no deadline.
	defaultCallTimeout = 30 * time.Second

	// binaryThreshold is the payload size above which binary frames are used
	// when the server supports them.
	binaryThreshold = 4096

	// capabilityBinary is the system-info capability for binary payloads.
	capabilityBinary = "binary_upload"
)

// Envelope types.
const (
	typeAction       = "action"
	typeCallback     = "callback"
	typeProgress     = "progress"
	typeChunk        = "chunk"
	typeCommandMsg   = "command-message"
	typeCommandError = "command-error"
	typeCommandFatal = "command-fatal"
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds relay connection settings.
type Config struct {
	// URL of the relay server. Default: ws://localhost:6611.
	URL string

	// MaxRetries caps reconnection attempts. Default: 200.
	MaxRetries int

	// RetryDelay is the fixed delay between attempts. Default: 5 seconds.
	RetryDelay time.Duration
}

// Dialer opens the websocket. Tests substitute an in-memory channel.
type Dialer func(ctx context.Context, cfg transport.Config) (transport.Channel, error)

// Request is one action call.
type Request struct {
	// Path is the resource, e.g. "/devices/<port>" or "/parser".
	Path string

	// Action is the verb, e.g. "start" or "getParam".
	Action string

	// Params is sent as data.params. With a Payload it must be nil or a
	// map[string]any, to which the payload fields are added.
	Params any

	// Payload is file content. It travels as UTF-8 text in params.data,
	// base64 in params.data when not valid UTF-8, or as a binary frame after
	// the envelope when it exceeds 4096 bytes and the server supports it.
	Payload []byte

	// OnProgress receives "progress" envelopes for this call.
	OnProgress func(Progress)
}

// Progress is a transfer progress report.
type Progress struct {
	Sent  int             `json:"sent"`
	Total int             `json:"total"`
	Raw   json.RawMessage `json:"-"`
}

// SystemInfo describes the relay server.
type SystemInfo struct {
	Version         string   `json:"swiftrayVersion"`
	QtVersion       string   `json:"qtVersion"`
	OS              string   `json:"os"`
	CPUArchitecture string   `json:"cpuArchitecture"`
	TotalMemory     int64    `json:"totalMemory"`
	AvailableMemory int64    `json:"availableMemory"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

type envelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id,omitempty"`
	Port   string          `json:"port,omitempty"`
	Path   string          `json:"path,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

type call struct {
	onProgress func(Progress)
	done       chan callResult

	mu     sync.Mutex
	chunks strings.Builder
}

type subscription struct {
	port string
	fn   func(transport.Event)
}

// Client is a connection to the relay server.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Subscribers are called from the read goroutine and must not block.
type Client struct {
	cfg  Config
	dial Dialer

	connMu sync.RWMutex
	conn   transport.Channel

	pending *xsync.MapOf[string, *call]
	subs    *xsync.MapOf[string, subscription]

	info   atomic.Pointer[SystemInfo]
	closed atomic.Bool

	logger Logger
}

// NewClient creates an unconnected client.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Client{
		cfg: cfg,
		dial: func(ctx context.Context, tc transport.Config) (transport.Channel, error) {
			return transport.Dial(ctx, tc)
		},
		pending: xsync.NewMapOf[string, *call](),
		subs:    xsync.NewMapOf[string, subscription](),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the client.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
}

// SetDialer replaces the websocket dialer.
func (c *Client) SetDialer(d Dialer) {
	c.dial = d
}

// Connect dials the relay server once. Later drops are reconnected by the
// transport with the configured delay and attempt limit.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	conn, err := c.dial(ctx, transport.Config{
		URL:                  c.cfg.URL,
		AutoReconnect:        true,
		ReconnectInterval:    c.cfg.RetryDelay,
		MaxReconnectAttempts: c.cfg.MaxRetries,
		Passthrough:          true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	conn.SetOnEvent(c.handleEvent)
	conn.SetOnOpen(c.handleOpen)
	conn.SetOnClose(c.handleClose)

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("connected to relay server", "url", c.cfg.URL)
	c.handleOpen()
	return nil
}

// Run connects, retrying every RetryDelay up to MaxRetries times, and then
// blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.Connect(ctx)
		if err == nil {
			break
		}
		if attempt >= c.cfg.MaxRetries {
			return fmt.Errorf("relay: giving up after %d attempts: %w", attempt, err)
		}
		c.logger.Warn("relay connection failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}
	<-ctx.Done()
	return c.Close()
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// SystemInfo returns the server information read on the last open, or nil.
func (c *Client) SystemInfo() *SystemInfo {
	return c.info.Load()
}

// Close closes the socket and fails every pending call.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.failPending(ErrClosed)

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Subscribe registers fn for command replies of the device on port.
// Binary frames and connection loss are delivered to every subscriber.
func (c *Client) Subscribe(port string, fn func(transport.Event)) (unsubscribe func()) {
	id := uuid.NewString()
	c.subs.Store(id, subscription{port: port, fn: fn})
	return func() { c.subs.Delete(id) }
}

// Action runs one action with plain params.
func (c *Client) Action(ctx context.Context, path, action string, params any) (json.RawMessage, error) {
	return c.Do(ctx, Request{Path: path, Action: action, Params: params})
}

// Do sends req and waits for its callback.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	params, binary, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	cl := &call{onProgress: req.OnProgress, done: make(chan callResult, 1)}
	c.pending.Store(id, cl)
	defer c.pending.Delete(id)

	msg := map[string]any{
		"type": typeAction,
		"path": req.Path,
		"data": map[string]any{"id": id, "action": req.Action, "params": params},
	}
	if err := conn.SendJSON(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	if binary {
		if err := conn.SendBinary(ctx, req.Payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-cl.done:
		return res.result, res.err
	}
}

// buildParams folds the payload into params. The second result reports
// whether the payload follows as a binary frame.
func (c *Client) buildParams(req Request) (any, bool, error) {
	if req.Payload == nil {
		return req.Params, false, nil
	}
	p := map[string]any{}
	if req.Params != nil {
		m, ok := req.Params.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("relay: payload params must be a map, got %T", req.Params)
		}
		for k, v := range m {
			p[k] = v
		}
	}
	switch {
	case len(req.Payload) > binaryThreshold && c.supportsBinary():
		p["binary"] = true
		p["size"] = len(req.Payload)
		return p, true, nil
	case utf8.Valid(req.Payload):
		p["data"] = string(req.Payload)
	default:
		p["data"] = base64.StdEncoding.EncodeToString(req.Payload)
		p["encoding"] = "base64"
	}
	return p, false, nil
}

func (c *Client) supportsBinary() bool {
	info := c.info.Load()
	if info == nil {
		return false
	}
	for _, name := range info.Capabilities {
		if name == capabilityBinary {
			return true
		}
	}
	return false
}

func (c *Client) handleOpen() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultCallTimeout)
		defer cancel()
		info, err := c.fetchSystemInfo(ctx)
		if err != nil {
			c.logger.Warn("reading relay system info failed", "error", err)
			return
		}
		c.info.Store(info)
		c.logger.Info("relay server ready", "version", info.Version, "os", info.OS)
	}()
}

func (c *Client) fetchSystemInfo(ctx context.Context) (*SystemInfo, error) {
	res, err := c.Action(ctx, "/ws/sr/system", "getInfo", nil)
	if err != nil {
		return nil, err
	}
	if err := CheckResult(res); err != nil {
		return nil, err
	}
	var v struct {
		Info SystemInfo `json:"info"`
	}
	if err := json.Unmarshal(res, &v); err != nil {
		return nil, fmt.Errorf("%w: system info: %w", ErrInvalidReply, err)
	}
	return &v.Info, nil
}

func (c *Client) handleClose(code int, err error) {
	c.logger.Warn("disconnected from relay server", "code", code, "error", err)
	c.failPending(ErrDisconnected)
	c.fanout("", transport.Event{
		Kind: transport.EventFatal,
		Message: transport.Message{
			Status: transport.StatusFatal,
			Fields: map[string]any{"status": transport.StatusFatal, "error": []any{"DISCONNECTED"}},
		},
	})
}

func (c *Client) failPending(err error) {
	c.pending.Range(func(id string, cl *call) bool {
		select {
		case cl.done <- callResult{err: err}:
		default:
		}
		return true
	})
}

func (c *Client) handleEvent(ev transport.Event) {
	msg := ev.Message
	if msg.IsBinary() {
		c.fanout("", transport.Event{Kind: transport.EventMessage, Message: msg})
		return
	}

	var env envelope
	if err := msg.Decode(&env); err != nil {
		c.logger.Debug("ignoring non-envelope frame", "frame", msg.Summary())
		return
	}

	switch env.Type {
	case typeCallback:
		c.settle(env)
	case typeProgress:
		c.progress(env)
	case typeChunk:
		c.chunk(env)
	case typeCommandMsg, typeCommandError, typeCommandFatal:
		c.command(env)
	default:
		c.logger.Debug("unhandled relay envelope", "type", env.Type)
	}
}

func (c *Client) settle(env envelope) {
	cl, ok := c.pending.LoadAndDelete(env.ID)
	if !ok {
		return
	}
	result := env.Result
	cl.mu.Lock()
	if cl.chunks.Len() > 0 && isEmptyJSON(result) {
		result, _ = json.Marshal(cl.chunks.String())
	}
	cl.mu.Unlock()
	select {
	case cl.done <- callResult{result: result}:
	default:
	}
}

func (c *Client) progress(env envelope) {
	cl, ok := c.pending.Load(env.ID)
	if !ok || cl.onProgress == nil {
		return
	}
	var p Progress
	if err := json.Unmarshal(env.Result, &p); err != nil {
		c.logger.Debug("undecodable progress", "id", env.ID, "error", err)
	}
	p.Raw = env.Result
	cl.onProgress(p)
}

func (c *Client) chunk(env envelope) {
	cl, ok := c.pending.Load(env.ID)
	if !ok {
		return
	}
	var piece string
	if err := json.Unmarshal(env.Result, &piece); err != nil {
		c.logger.Debug("undecodable chunk", "id", env.ID, "error", err)
		return
	}
	cl.mu.Lock()
	cl.chunks.WriteString(piece)
	cl.mu.Unlock()
}

func (c *Client) command(env envelope) {
	body := env.Data
	if len(body) == 0 {
		body = env.Result
	}
	msg := transport.DecodeText(string(body))

	kind := transport.EventMessage
	switch env.Type {
	case typeCommandError:
		kind = transport.EventError
	case typeCommandFatal:
		kind = transport.EventFatal
	}

	port := env.Port
	if port == "" {
		port = strings.TrimPrefix(env.Path, "/devices/")
	}
	c.fanout(port, transport.Event{Kind: kind, Message: msg})
}

// fanout delivers ev to subscribers of port, or to all when port is empty.
func (c *Client) fanout(port string, ev transport.Event) {
	c.subs.Range(func(_ string, s subscription) bool {
		if port == "" || s.port == port {
			s.fn(ev)
		}
		return true
	})
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == `""`
}

// CheckResult returns an *ActionError when result reports "success": false.
func CheckResult(result json.RawMessage) error {
	var v struct {
		Success *bool        `json:"success"`
		Error   *ActionError `json:"error"`
	}
	if err := json.Unmarshal(result, &v); err != nil {
		return nil
	}
	if v.Success == nil || *v.Success {
		return nil
	}
	if v.Error != nil {
		return v.Error
	}
	return &ActionError{}
}

// DecodePayload returns file content from a result: a JSON string as its
// bytes, an object with base64 "data" decoded, anything else verbatim.
func DecodePayload(result json.RawMessage) []byte {
	var s string
	if err := json.Unmarshal(result, &s); err == nil {
		return []byte(s)
	}
	var obj struct {
		Data     *string `json:"data"`
		Encoding string  `json:"encoding"`
	}
	if err := json.Unmarshal(result, &obj); err == nil && obj.Data != nil {
		if obj.Encoding == "base64" {
			if b, err := base64.StdEncoding.DecodeString(*obj.Data); err == nil {
				return b
			}
		}
		return []byte(*obj.Data)
	}
	return []byte(result)
}

// ListDevices returns the devices the relay server can reach.
func (c *Client) ListDevices(ctx context.Context) ([]device.Info, error) {
	res, err := c.Action(ctx, "/devices", "list", nil)
	if err != nil {
		return nil, err
	}
	if err := CheckResult(res); err != nil {
		return nil, err
	}
	var v struct {
		Devices []device.Info `json:"devices"`
	}
	if err := json.Unmarshal(res, &v); err != nil {
		return nil, fmt.Errorf("%w: device list: %w", ErrInvalidReply, err)
	}
	for i := range v.Devices {
		v.Devices[i].Source = device.SourceRelay
	}
	return v.Devices, nil
}
