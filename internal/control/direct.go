package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Dialer opens a transport channel. Tests substitute an in-memory channel.
type Dialer func(ctx context.Context, cfg transport.Config) (transport.Channel, error)

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, cfg transport.Config) (transport.Channel, error) {
	return transport.Dial(ctx, cfg)
}

// DirectConfig configures a session to the local firmware gateway.
type DirectConfig struct {
	// UUID identifies the device; the session dials "<gateway>/control/<uuid>".
	UUID string

	// Gateway is the transport configuration for the gateway base URL.
	Gateway transport.Config

	// ClientKey is sent as the first frame to authenticate this client.
	ClientKey string

	// ConnectTimeout bounds the handshake. "connecting" replies restart it.
	// Default: 30 seconds.
	ConnectTimeout time.Duration
}

// DirectSession speaks the legacy firmware-gateway protocol: plain text
// commands answered by JSON status replies or binary payloads.
//
// Thread Safety:
//   - All methods are safe for concurrent use, but device operations must be
//     serialised through AddTask.
//   - The close listener runs on its own goroutine.
type DirectSession struct {
	*core

	cfg  DirectConfig
	dial Dialer

	chMu      sync.RWMutex
	ch        transport.Channel
	connected atomic.Bool

	hsMu       sync.Mutex
	handshake  chan error
	connecting chan struct{}

	closeMu sync.RWMutex
	onClose func(err error)

	cartridgeTaskID atomic.Int64
}

// Ensure DirectSession implements the session contracts.
var (
	_ Session           = (*DirectSession)(nil)
	_ CameraTransfers   = (*DirectSession)(nil)
	_ SubTaskOperations = (*DirectSession)(nil)
)

// NewDirectSession creates an unconnected session for one device.
func NewDirectSession(cfg DirectConfig) *DirectSession {
	s := &DirectSession{
		core: newCore("control/" + cfg.UUID),
		cfg:  cfg,
		dial: DialWebsocket,
	}
	if cfg.ConnectTimeout > 0 {
		s.timing.connectTimeout = cfg.ConnectTimeout
	}
	s.sendText = s.writeText
	return s
}

// SetLogger sets the logger for the session.
func (s *DirectSession) SetLogger(logger Logger) {
	s.setLogger(logger)
}

// SetDialer replaces the transport dialer.
func (s *DirectSession) SetDialer(d Dialer) {
	s.dial = d
}

// SetOnClose installs the listener called when the transport closes.
func (s *DirectSession) SetOnClose(fn func(err error)) {
	s.closeMu.Lock()
	s.onClose = fn
	s.closeMu.Unlock()
}

// IsConnected reports whether the handshake completed and the socket is open.
func (s *DirectSession) IsConnected() bool {
	s.chMu.RLock()
	ch := s.ch
	s.chMu.RUnlock()
	return s.connected.Load() && ch != nil && ch.IsConnected()
}

// Connect opens the control socket and completes the handshake: the client
// key is sent, the gateway answers "connecting" (restarting the timeout)
// and then "connected".
func (s *DirectSession) Connect(ctx context.Context) error {
	cfg := s.cfg.Gateway
	cfg.Method = "control/" + s.cfg.UUID
	cfg.AutoReconnect = false

	hs := make(chan error, 1)
	connecting := make(chan struct{}, 1)
	s.hsMu.Lock()
	s.handshake = hs
	s.connecting = connecting
	s.hsMu.Unlock()
	defer s.endHandshake()

	ch, err := s.dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	ch.SetOnEvent(s.handleEvent)
	ch.SetOnClose(s.handleClose)
	ch.SetOnOpen(s.identify)

	s.chMu.Lock()
	s.ch = ch
	s.chMu.Unlock()

	timer := time.NewTimer(s.timing.connectTimeout)
	defer timer.Stop()

	s.identify()

	for {
		select {
		case <-ctx.Done():
			_ = ch.Close()
			return ctx.Err()
		case <-timer.C:
			_ = ch.Close()
			return fmt.Errorf("%w: control handshake for %s", ErrTimeout, s.cfg.UUID)
		case <-connecting:
			timer.Reset(s.timing.connectTimeout)
		case err := <-hs:
			if err != nil {
				_ = ch.Close()
				return err
			}
			s.logger.Info("control connected", "uuid", s.cfg.UUID)
			return nil
		}
	}
}

// identify sends the client key; the gateway expects it as the first frame
// on every new socket.
func (s *DirectSession) identify() {
	if err := s.writeText(context.Background(), s.cfg.ClientKey); err != nil {
		s.logger.Warn("sending client key failed", "uuid", s.cfg.UUID, "error", err)
	}
}

func (s *DirectSession) endHandshake() {
	s.hsMu.Lock()
	s.handshake = nil
	s.connecting = nil
	s.hsMu.Unlock()
}

// settleHandshake reports the handshake outcome if one is in progress.
func (s *DirectSession) settleHandshake(err error) bool {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()
	if s.handshake == nil {
		return false
	}
	select {
	case s.handshake <- err:
	default:
	}
	return true
}

func (s *DirectSession) handleEvent(ev transport.Event) {
	if ev.Kind == transport.EventMessage {
		switch ev.Message.Status {
		case transport.StatusConnecting:
			s.hsMu.Lock()
			if s.connecting != nil {
				select {
				case s.connecting <- struct{}{}:
				default:
				}
			}
			s.hsMu.Unlock()
			return
		case transport.StatusConnected:
			s.connected.Store(true)
			s.settleHandshake(nil)
			return
		}
	}
	if ev.Kind == transport.EventFatal || ev.Kind == transport.EventError {
		if s.settleHandshake(newCommandError(ev.Message, ev.Kind == transport.EventFatal)) {
			return
		}
		s.logger.Warn("control reply error", "uuid", s.cfg.UUID, "kind", ev.Kind.String(), "frame", ev.Message.Summary())
	}
	s.dispatch(ev)
}

func (s *DirectSession) handleClose(code int, err error) {
	s.connected.Store(false)
	s.logger.Info("control socket closed", "uuid", s.cfg.UUID, "code", code)

	s.settleHandshake(fmt.Errorf("%w: closed during handshake (code %d)", ErrDisconnected, code))
	s.waiters.failAll(CodeDisconnected)

	s.closeMu.RLock()
	fn := s.onClose
	s.closeMu.RUnlock()
	if fn != nil {
		fn(fmt.Errorf("%w: code %d: %w", ErrDisconnected, code, err))
	}
}

func (s *DirectSession) channel() (transport.Channel, error) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	if s.ch == nil {
		return nil, ErrDisconnected
	}
	return s.ch, nil
}

func (s *DirectSession) writeText(ctx context.Context, text string) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	return ch.SendText(ctx, text)
}

func (s *DirectSession) writeBinary(ctx context.Context, data []byte) error {
	ch, err := s.channel()
	if err != nil {
		return err
	}
	if err := ch.SendBinary(ctx, data); err != nil {
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		return err
	}
	return nil
}

// Close closes the socket and rejects queued tasks. The close listener is not called.
func (s *DirectSession) Close() error {
	s.queue.close()
	s.connected.Store(false)

	s.chMu.Lock()
	ch := s.ch
	s.ch = nil
	s.chMu.Unlock()

	s.waiters.failAll(CodeDisconnected)
	if ch == nil {
		return nil
	}
	return ch.Close()
}

// Kill sends "kick", closes the socket and waits briefly for the gateway to
// release the device.
func (s *DirectSession) Kill(ctx context.Context) error {
	if ch, err := s.channel(); err == nil {
		_ = ch.SendText(ctx, "kick")
	}
	err := s.Close()
	if serr := sleep(ctx, s.timing.kill); serr != nil {
		return serr
	}
	return err
}
