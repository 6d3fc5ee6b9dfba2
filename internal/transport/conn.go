package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals.
const (
	// defaultHandshakeTimeout bounds the websocket upgrade.
	defaultHandshakeTimeout = 10 * time.Second

	// defaultWriteTimeout applies when the caller's context has no deadline.
	defaultWriteTimeout = 10 * time.Second

	// defaultKeepAlive is the idle time after which a text ping is sent.
	defaultKeepAlive = 60 * time.Second

	// defaultReconnectInterval is the first delay between reconnection attempts.
	defaultReconnectInterval = time.Second

	// identifyRetryDelay is how long to wait before reopening after REMOTE_IDENTIFY_ERROR.
	identifyRetryDelay = time.Second

	// frameLogLimit is the number of frames kept for diagnostics.
	frameLogLimit = 100

	// CloseAbnormal is the close code reported when the peer vanished without a close frame.
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// EventKind classifies an inbound frame after status routing.
type EventKind int

// Event kinds.
const (
	// EventMessage is any frame that is not an error, fatal, debug or pong.
	EventMessage EventKind = iota
	// EventError is a reply with status "error".
	EventError
	// EventFatal is a reply with status "fatal", or an abnormal close.
	EventFatal
	// EventDebug is a reply with status "debug".
	EventDebug
)

// String returns the event kind name for logs.
func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventFatal:
		return "fatal"
	case EventDebug:
		return "debug"
	default:
		return "unknown"
	}
}

// Event is a routed inbound frame.
type Event struct {
	Kind    EventKind
	Message Message
}

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

// Config holds websocket connection settings.
type Config struct {
	// URL is the endpoint base, e.g. "ws://127.0.0.1:8000/ws".
	URL string

	// Method is appended to URL as a path, e.g. "control/<uuid>" or "discover".
	// Empty dials URL as-is.
	Method string

	// Header is sent with the upgrade request.
	Header http.Header

	// HandshakeTimeout bounds the upgrade. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// KeepAlive is the idle interval before a text "ping" is sent.
	// Default: 60 seconds. Negative disables pings.
	KeepAlive time.Duration

	// AutoReconnect reopens the socket whenever it closes unexpectedly.
	AutoReconnect bool

	// ReconnectInterval is the delay before the first reconnection attempt.
	// Default: 1 second.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the growing backoff.
	// Zero keeps the delay fixed at ReconnectInterval.
	MaxReconnectInterval time.Duration

	// MaxReconnectAttempts stops reconnecting after this many failed attempts.
	// Zero means unlimited.
	MaxReconnectAttempts int

	// Passthrough delivers every decoded frame as EventMessage without
	// routing on the "status" field. Used for enveloped protocols.
	Passthrough bool
}

// Endpoint returns the full URL dialled for this config.
func (c Config) Endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: unsupported scheme %q (use ws or wss)", ErrInvalidURL, u.Scheme)
	}
	if c.Method != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(c.Method, "/")
	}
	return u.String(), nil
}

// Channel is a message-oriented duplex connection.
// Sessions depend on this interface so tests can substitute a fake.
type Channel interface {
	SendText(ctx context.Context, text string) error
	SendJSON(ctx context.Context, v any) error
	SendBinary(ctx context.Context, data []byte) error
	SetOnEvent(handler func(Event))
	SetOnOpen(handler func())
	SetOnClose(handler func(code int, err error))
	IsConnected() bool
	Close() error
}

// Ensure Conn implements Channel.
var _ Channel = (*Conn)(nil)

// Conn is a websocket connection to the firmware gateway or the relay server.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Event handlers are invoked from the single read goroutine, in frame order.
//     Handlers must not block.
//
// Reconnection:
//   - With AutoReconnect the socket is reopened after an unexpected close, using
//     ReconnectInterval grown by 1.5x per attempt up to MaxReconnectInterval.
//   - A fatal REMOTE_IDENTIFY_ERROR reply reopens the socket after one second
//     even without AutoReconnect.
//   - Reconnection stops when Close() is called.
type Conn struct {
	cfg      Config
	endpoint string
	dialer   *websocket.Dialer

	connMu    sync.RWMutex
	ws        *websocket.Conn
	connected bool

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onEvent   func(Event)
	onOpen    func()
	onClose   func(code int, err error)

	forceReconnect atomic.Bool
	sent           chan struct{}

	logMu    sync.Mutex
	frameLog []string

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex
}

// Dial opens a websocket connection and starts its read and keep-alive loops.
//
// Parameters:
//   - ctx: Context for cancellation (used for the initial upgrade only)
//   - cfg: Connection configuration
//
// Returns:
//   - *Conn: Connected websocket ready for use
//   - error: If the URL is invalid or the upgrade fails
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}

	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}

	c := &Conn{
		cfg:      cfg,
		endpoint: endpoint,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		sent:   make(chan struct{}, 1),
		done:   newCloseOnce(),
		logger: noopLogger{},
	}

	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.setConn(ws)

	c.wg.Add(1)
	go c.readLoop()

	if cfg.KeepAlive > 0 {
		c.wg.Add(1)
		go c.keepAliveLoop()
	}

	return c, nil
}

// SetLogger sets the logger for the connection.
func (c *Conn) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	defer c.loggerMu.Unlock()
	c.logger = logger
}

// SetOnEvent sets the handler for routed inbound frames.
func (c *Conn) SetOnEvent(handler func(Event)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onEvent = handler
}

// SetOnOpen sets the handler called after every successful reconnection.
func (c *Conn) SetOnOpen(handler func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onOpen = handler
}

// SetOnClose sets the handler called when the socket closes unexpectedly.
// It runs on its own goroutine and is not called for Close().
func (c *Conn) SetOnClose(handler func(code int, err error)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onClose = handler
}

// IsConnected returns true if the socket is open.
func (c *Conn) IsConnected() bool {
	if c == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// SendText writes one text frame.
func (c *Conn) SendText(ctx context.Context, text string) error {
	c.recordFrame("> " + text)
	return c.write(ctx, websocket.TextMessage, []byte(text))
}

// SendJSON marshals v and writes it as one text frame.
func (c *Conn) SendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: marshal: %w", ErrSendFailed, err)
	}
	c.recordFrame("> " + string(data))
	return c.write(ctx, websocket.TextMessage, data)
}

// SendBinary writes one binary frame. Callers that need chunking split the payload themselves.
func (c *Conn) SendBinary(ctx context.Context, data []byte) error {
	c.recordFrame(fmt.Sprintf("> Blob, size: %d", len(data)))
	return c.write(ctx, websocket.BinaryMessage, data)
}

// FrameLog returns the most recent frames in both directions, oldest first.
func (c *Conn) FrameLog() []string {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]string, len(c.frameLog))
	copy(out, c.frameLog)
	return out
}

// Close closes the socket and stops all goroutines. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.isClosed() {
		return nil
	}
	c.done.Close()

	c.connMu.Lock()
	ws := c.ws
	c.connected = false
	c.connMu.Unlock()

	var err error
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = ws.Close()
	}

	c.wg.Wait()
	return err
}

func (c *Conn) write(ctx context.Context, messageType int, data []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.connMu.RLock()
	ws, connected := c.ws, c.connected
	c.connMu.RUnlock()
	if !connected || ws == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %w", ErrSendFailed, err)
	}
	if err := ws.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	select {
	case c.sent <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ws, resp, err := c.dialer.DialContext(ctx, c.endpoint, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, c.endpoint, err)
	}
	return ws, nil
}

func (c *Conn) setConn(ws *websocket.Conn) {
	c.connMu.Lock()
	c.ws = ws
	c.connected = true
	c.connMu.Unlock()
}

// readLoop reads frames until the socket closes, then reconnects if configured.
func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		c.connMu.RLock()
		ws := c.ws
		c.connMu.RUnlock()

		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}

			// A socket dropped to re-identify is reopened without notifying listeners.
			forced := c.forceReconnect.Swap(false)
			if forced {
				c.markDisconnected()
			} else {
				c.handleClose(err)
			}

			if !(forced || c.cfg.AutoReconnect) || !c.reconnect() {
				return
			}
			continue
		}

		c.dispatch(messageType, data)
	}
}

// dispatch decodes one frame and routes it on its status.
func (c *Conn) dispatch(messageType int, data []byte) {
	var msg Message
	if messageType == websocket.BinaryMessage {
		msg = Message{Binary: data}
	} else {
		msg = DecodeText(string(data))
	}
	c.recordFrame("< " + msg.Summary())

	if c.cfg.Passthrough {
		c.emit(Event{Kind: EventMessage, Message: msg})
		return
	}

	switch msg.Status {
	case StatusError:
		c.emit(Event{Kind: EventError, Message: msg})
	case StatusFatal:
		if strings.Join(msg.Codes(), "_") == codeRemoteIdentify {
			c.logWarn("remote identify error, reopening socket", "endpoint", c.endpoint)
			c.forceReconnect.Store(true)
			time.AfterFunc(identifyRetryDelay, c.dropSocket)
			return
		}
		c.emit(Event{Kind: EventFatal, Message: msg})
	case StatusPong:
	case StatusDebug:
		c.emit(Event{Kind: EventDebug, Message: msg})
	default:
		c.emit(Event{Kind: EventMessage, Message: msg})
	}
}

// handleClose marks the connection down and notifies listeners.
// An abnormal close is also reported as a fatal event so pending waiters settle.
func (c *Conn) handleClose(err error) {
	c.markDisconnected()

	code := CloseAbnormal
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}
	c.logInfo("websocket closed", "endpoint", c.endpoint, "code", code)

	if code == CloseAbnormal {
		c.recordFrame("**abnormal disconnection**")
		c.emit(Event{Kind: EventFatal, Message: Message{
			Status: StatusFatal,
			Fields: map[string]any{"status": StatusFatal, "error": []any{"DISCONNECTED"}},
			Text:   "abnormal closure",
		}})
	}

	c.handlerMu.RLock()
	onClose := c.onClose
	c.handlerMu.RUnlock()
	if onClose != nil {
		// Run outside the read loop so the handler may call Close.
		go c.safeCall(func() { onClose(code, err) })
	}
}

func (c *Conn) markDisconnected() {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
}

// dropSocket closes the underlying socket so the read loop runs its close path.
func (c *Conn) dropSocket() {
	c.connMu.RLock()
	ws := c.ws
	c.connMu.RUnlock()
	if ws != nil {
		ws.Close()
	}
}

// reconnect re-dials with backoff. Returns true once connected, false on
// shutdown or when attempts are exhausted.
func (c *Conn) reconnect() bool {
	backoff := c.cfg.ReconnectInterval

	for attempt := 1; ; attempt++ {
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			c.logError("giving up reconnection", "endpoint", c.endpoint, "attempts", attempt-1)
			return false
		}

		select {
		case <-c.done.Done():
			return false
		case <-time.After(backoff):
		}

		c.logInfo("attempting reconnection", "endpoint", c.endpoint, "attempt", attempt)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		ws, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logWarn("reconnect failed", "endpoint", c.endpoint, "error", err)
			if c.cfg.MaxReconnectInterval > 0 {
				backoff = time.Duration(float64(backoff) * 1.5)
				if backoff > c.cfg.MaxReconnectInterval {
					backoff = c.cfg.MaxReconnectInterval
				}
			}
			continue
		}

		if c.isClosed() {
			ws.Close()
			return false
		}
		c.setConn(ws)
		c.logInfo("reconnection successful", "endpoint", c.endpoint)

		c.handlerMu.RLock()
		onOpen := c.onOpen
		c.handlerMu.RUnlock()
		if onOpen != nil {
			c.safeCall(onOpen)
		}
		return true
	}
}

// keepAliveLoop sends a text ping after KeepAlive without outbound traffic.
func (c *Conn) keepAliveLoop() {
	defer c.wg.Done()

	timer := time.NewTimer(c.cfg.KeepAlive)
	defer timer.Stop()

	for {
		select {
		case <-c.done.Done():
			return
		case <-c.sent:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.KeepAlive)
		case <-timer.C:
			if c.IsConnected() {
				if err := c.SendText(context.Background(), "ping"); err != nil {
					c.logWarn("keep-alive ping failed", "endpoint", c.endpoint, "error", err)
				}
			}
			timer.Reset(c.cfg.KeepAlive)
		}
	}
}

func (c *Conn) emit(ev Event) {
	c.handlerMu.RLock()
	handler := c.onEvent
	c.handlerMu.RUnlock()
	if handler != nil {
		c.safeCall(func() { handler(ev) })
	}
}

func (c *Conn) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logError("websocket handler panic", "endpoint", c.endpoint, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (c *Conn) recordFrame(s string) {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	c.frameLog = append(c.frameLog, trimFrame(s))
	if over := len(c.frameLog) - frameLogLimit; over > 0 {
		c.frameLog = c.frameLog[over:]
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

func (c *Conn) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Conn) logInfo(msg string, keysAndValues ...any) {
	c.getLogger().Info(msg, keysAndValues...)
}

func (c *Conn) logWarn(msg string, keysAndValues ...any) {
	c.getLogger().Warn(msg, keysAndValues...)
}

func (c *Conn) logError(msg string, keysAndValues ...any) {
	c.getLogger().Error(msg, keysAndValues...)
}
