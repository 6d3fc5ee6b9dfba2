package devicemaster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/laserlink-core/internal/control"
	"github.com/nerrad567/laserlink-core/internal/device"
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

// timing holds the delays used by retry and polling loops. Tests shrink them.
type timing struct {
	serialRetries int
	serialDelay   time.Duration
	statusPoll    time.Duration
	quitDelay     time.Duration
}

func defaultTiming() timing {
	return timing{
		serialRetries: 3,
		serialDelay:   time.Second,
		statusPoll:    time.Second,
		quitDelay:     time.Second,
	}
}

// Options configures a Master.
type Options struct {
	// Registry supplies device info and receives report results. Required.
	Registry *device.Registry

	// Sessions creates control sessions. Required.
	Sessions SessionFactory

	Auth      Authenticator
	Prompt    PasswordPrompt
	Store     Store
	Relay     RelayLister
	Publisher Publisher
	Telemetry Telemetry
	Camera    CameraOpener

	Logger Logger
}

// connection is the per-device state. It is created on first use and never
// removed; only its session and camera are reset.
type connection struct {
	info       device.Info
	session    control.Session
	camera     Camera
	lastStatus device.StatusID
	lastErrors device.ErrorList
}

// Master selects devices, authenticates, keeps the selected device's
// session alive and exposes high-level operations on it.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Select and Reconnect are serialised; device operations are
//     serialised by the session's task queue.
type Master struct {
	opts   Options
	logger Logger
	timing timing

	selectMu sync.Mutex

	mu            sync.Mutex
	conns         map[string]*connection
	current       *connection
	autoReconnect bool

	lazy singleflight.Group
}

// New creates a device master.
func New(opts Options) (*Master, error) {
	if opts.Registry == nil {
		return nil, errors.New("devicemaster: registry is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("devicemaster: session factory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Master{
		opts:   opts,
		logger: logger,
		timing: defaultTiming(),
		conns:  make(map[string]*connection),
	}, nil
}

// SetAutoReconnect turns automatic reconnection on or off. When on, a
// closed session is re-selected and its raw-mode state restored.
func (m *Master) SetAutoReconnect(on bool) {
	m.mu.Lock()
	m.autoReconnect = on
	conn := m.current
	m.mu.Unlock()

	if conn != nil {
		m.installCloseListener(conn)
	}
}

// Current returns the selected device.
func (m *Master) Current() (device.Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return device.Info{}, false
	}
	return m.current.info, true
}

// connection returns the state for uuid, creating it and refreshing its
// info from the registry.
func (m *Master) connection(info device.Info) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[info.UUID]
	if !ok {
		conn = &connection{info: info}
		m.conns[info.UUID] = conn
	}
	if known, err := m.opts.Registry.Get(info.UUID); err == nil {
		conn.info = known
	} else {
		conn.info = info
	}
	return conn
}

// Select makes info the current device, opening a session if needed.
func (m *Master) Select(ctx context.Context, info device.Info) error {
	m.selectMu.Lock()
	defer m.selectMu.Unlock()
	return m.selectLocked(ctx, info, false)
}

func (m *Master) selectLocked(ctx context.Context, info device.Info, authed bool) error {
	if err := device.ValidateInfo(info); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownDevice, err)
	}

	m.mu.Lock()
	prev := m.current
	m.mu.Unlock()
	if prev != nil && prev.info.UUID != info.UUID {
		m.closeCamera(prev)
	}

	conn := m.connection(info)

	if s := m.sessionOf(conn); s != nil && s.IsConnected() {
		if ok := m.refreshOpen(ctx, conn, s); ok {
			m.setCurrent(ctx, conn)
			return nil
		}
	}

	s, err := m.opts.Sessions.NewSession(conn.info)
	if err != nil {
		return err
	}
	if err := s.Connect(ctx); err != nil {
		if isAuthError(err) && !authed {
			return m.authenticate(ctx, conn, info)
		}
		m.logger.Warn("device connection failed", "uuid", info.UUID, "code", Code(err), "error", err)
		return err
	}

	m.mu.Lock()
	conn.session = s
	m.mu.Unlock()
	m.installCloseListener(conn)
	m.setCurrent(ctx, conn)
	m.logger.Info("device selected", "uuid", info.UUID, "source", info.Source)
	m.sessionEvent(info.UUID, "connected")

	if info.Source == device.SourceRelay {
		if err := m.updateSerial(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

// refreshOpen reports the status of an already open session. A session
// that fails the report is killed so a fresh one is opened.
func (m *Master) refreshOpen(ctx context.Context, conn *connection, s control.Session) bool {
	if s.Mode() == control.ModeRaw {
		return true
	}
	rep, err := control.Do(ctx, s, s.Report)
	if err == nil {
		m.applyReport(conn, rep)
		return true
	}

	m.logger.Debug("open session failed report, reopening", "uuid", conn.info.UUID, "error", err)
	s.SetOnClose(nil)
	if kerr := s.Kill(ctx); kerr != nil {
		m.logger.Debug("killing stale session", "uuid", conn.info.UUID, "error", kerr)
	}
	m.mu.Lock()
	conn.session = nil
	m.mu.Unlock()
	return false
}

func (m *Master) setCurrent(ctx context.Context, conn *connection) {
	m.mu.Lock()
	m.current = conn
	uuid := conn.info.UUID
	m.mu.Unlock()

	if m.opts.Store != nil {
		if err := m.opts.Store.SetSelectedUUID(ctx, uuid); err != nil {
			m.logger.Warn("persisting selected device", "uuid", uuid, "error", err)
		}
	}
}

func (m *Master) sessionOf(conn *connection) control.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return conn.session
}

// authenticate runs the password flow and selects again on success.
func (m *Master) authenticate(ctx context.Context, conn *connection, info device.Info) error {
	if m.opts.Auth == nil {
		return ErrAuth
	}

	if !conn.info.Password {
		res, err := m.opts.Auth.Auth(ctx, info.UUID, "")
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
		if !res.Success {
			return ErrAuth
		}
		return m.selectLocked(ctx, info, true)
	}

	if m.opts.Store != nil {
		if cached, err := m.opts.Store.Password(ctx, info.UUID); err == nil {
			res, err := m.opts.Auth.Auth(ctx, info.UUID, cached)
			if err == nil && res.Success {
				return m.selectLocked(ctx, info, true)
			}
			m.logger.Info("cached password rejected", "uuid", info.UUID)
		}
	}

	if m.opts.Prompt == nil {
		return ErrAuth
	}
	for {
		password, ok, err := m.opts.Prompt.PromptPassword(ctx, conn.info)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
		if !ok {
			return fmt.Errorf("%w: cancelled", ErrAuth)
		}

		res, err := m.opts.Auth.Auth(ctx, info.UUID, password)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuth, err)
		}
		if res.Success {
			if m.opts.Store != nil {
				if err := m.opts.Store.SetPassword(ctx, info.UUID, password); err != nil {
					m.logger.Warn("caching device password", "uuid", info.UUID, "error", err)
				}
			}
			return m.selectLocked(ctx, info, true)
		}
		m.logger.Info("device authentication failed", "uuid", info.UUID, "reachable", res.Reachable)
	}
}

// updateSerial re-reads the relay list until the device reports a usable serial.
func (m *Master) updateSerial(ctx context.Context, conn *connection) error {
	if m.opts.Relay == nil {
		return nil
	}
	uuid := conn.info.UUID
	for i := range m.timing.serialRetries {
		devices, err := m.opts.Relay.ListDevices(ctx)
		if err == nil {
			for _, d := range devices {
				if d.UUID == uuid && device.HasValidSerial(d.Serial) {
					m.mu.Lock()
					d.Source = device.SourceRelay
					conn.info = d
					m.mu.Unlock()
					m.opts.Registry.MergeRelay([]device.Info{d})
					return nil
				}
			}
		}
		if i < m.timing.serialRetries-1 {
			if err := sleep(ctx, m.timing.serialDelay); err != nil {
				return err
			}
		}
	}
	return ErrUpdateSerialFailed
}

// installCloseListener wires the session's close to either dropping the
// session or reconnecting, depending on the auto-reconnect setting.
func (m *Master) installCloseListener(conn *connection) {
	m.mu.Lock()
	s := conn.session
	auto := m.autoReconnect
	m.mu.Unlock()
	if s == nil {
		return
	}

	if !auto {
		s.SetOnClose(func(err error) {
			m.logger.Info("device session closed", "uuid", conn.info.UUID, "error", err)
			m.dropSession(conn, s)
			m.sessionEvent(conn.info.UUID, "closed")
		})
		return
	}

	s.SetOnClose(func(err error) {
		m.logger.Info("device session closed, reconnecting", "uuid", conn.info.UUID, "error", err)
		m.restore(conn, s)
	})
}

// restore re-selects a device whose session closed and puts back its raw
// mode and line-check state.
func (m *Master) restore(conn *connection, old control.Session) {
	mode := old.Mode()
	lineCheck, lineNumber := old.LineCheck()

	m.mu.Lock()
	info := conn.info
	hadCamera := conn.camera != nil
	m.mu.Unlock()

	m.dropSession(conn, old)

	ctx := context.Background()
	if err := m.Select(ctx, info); err != nil {
		m.logger.Error("reconnecting device failed", "uuid", info.UUID, "code", Code(err), "error", err)
		m.sessionEvent(info.UUID, "reconnect_failed")
		return
	}
	m.sessionEvent(info.UUID, "reconnected")

	s := m.sessionOf(conn)
	if s == nil {
		return
	}
	if mode == control.ModeRaw {
		if _, err := s.AddTask(ctx, func(ctx context.Context) (any, error) {
			return nil, s.EnterRawMode(ctx)
		}); err != nil {
			m.logger.Warn("restoring raw mode", "uuid", info.UUID, "error", err)
		} else {
			s.RestoreLineCheck(lineCheck, lineNumber)
		}
	}
	if hadCamera {
		if err := m.ConnectCamera(ctx); err != nil {
			m.logger.Warn("reopening camera", "uuid", info.UUID, "error", err)
		}
	}
}

// dropSession forgets s if it is still the connection's session.
func (m *Master) dropSession(conn *connection, s control.Session) {
	m.mu.Lock()
	if conn.session == s {
		conn.session = nil
	}
	m.mu.Unlock()
	if err := s.Close(); err != nil {
		m.logger.Debug("closing session", "uuid", conn.info.UUID, "error", err)
	}
}

// Reconnect drops the current session and selects the device again.
func (m *Master) Reconnect(ctx context.Context) error {
	m.selectMu.Lock()
	defer m.selectMu.Unlock()

	m.mu.Lock()
	conn := m.current
	if conn == nil {
		m.mu.Unlock()
		return ErrNoDevice
	}
	s := conn.session
	conn.session = nil
	info := conn.info
	m.mu.Unlock()

	if s != nil {
		s.SetOnClose(nil)
		if err := s.Kill(ctx); err != nil {
			m.logger.Debug("killing session before reconnect", "uuid", info.UUID, "error", err)
		}
	}
	return m.selectLocked(ctx, info, false)
}

// RestoreSelection selects the device remembered in the store if discovery
// currently sees it.
func (m *Master) RestoreSelection(ctx context.Context) error {
	if m.opts.Store == nil {
		return ErrNoDevice
	}
	uuid, err := m.opts.Store.SelectedUUID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoDevice, err)
	}
	info, err := m.opts.Registry.Get(uuid)
	if err != nil {
		return err
	}
	return m.Select(ctx, info)
}

// CloseConnection closes the session of one device.
func (m *Master) CloseConnection(uuid string) {
	m.mu.Lock()
	conn, ok := m.conns[uuid]
	var s control.Session
	if ok {
		s = conn.session
		conn.session = nil
	}
	m.mu.Unlock()

	if s != nil {
		s.SetOnClose(nil)
		if err := s.Close(); err != nil {
			m.logger.Debug("closing session", "uuid", uuid, "error", err)
		}
	}
}

// Close closes every session and camera.
func (m *Master) Close() error {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.closeCamera(c)
		m.CloseConnection(c.info.UUID)
	}
	return nil
}

// session returns the current device's session, reconnecting when it was
// dropped. Concurrent callers share one reconnect.
func (m *Master) session(ctx context.Context) (control.Session, error) {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn == nil {
		return nil, ErrNoDevice
	}
	if s := m.sessionOf(conn); s != nil {
		return s, nil
	}

	_, err, _ := m.lazy.Do(conn.info.UUID, func() (any, error) {
		return nil, m.Reconnect(ctx)
	})
	if err != nil {
		return nil, err
	}
	if s := m.sessionOf(conn); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: no session after reconnect", control.ErrDisconnected)
}

// Session returns the current device's session for operations the master
// does not wrap. Run them through control.Do.
func (m *Master) Session(ctx context.Context) (control.Session, error) {
	return m.session(ctx)
}

// ConnectCamera opens a camera session on the current device.
func (m *Master) ConnectCamera(ctx context.Context) error {
	if m.opts.Camera == nil {
		return fmt.Errorf("%w: no camera support", control.ErrNotSupported)
	}
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn == nil {
		return ErrNoDevice
	}

	m.closeCamera(conn)
	cam, err := m.opts.Camera(ctx, conn.info)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn.camera = cam
	m.mu.Unlock()
	return nil
}

// DisconnectCamera closes the current device's camera session.
func (m *Master) DisconnectCamera() {
	m.mu.Lock()
	conn := m.current
	m.mu.Unlock()
	if conn != nil {
		m.closeCamera(conn)
	}
}

func (m *Master) closeCamera(conn *connection) {
	m.mu.Lock()
	cam := conn.camera
	conn.camera = nil
	m.mu.Unlock()
	if cam == nil {
		return
	}
	if err := cam.Close(); err != nil {
		m.logger.Debug("closing camera", "uuid", conn.info.UUID, "error", err)
	}
}

func (m *Master) sessionEvent(uuid, event string) {
	if m.opts.Telemetry != nil {
		m.opts.Telemetry.WriteSessionEvent(uuid, event)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
