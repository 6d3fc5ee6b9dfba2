package devicemaster

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/laserlink-core/internal/control"
	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// SessionFactory creates an unconnected control session for a device.
type SessionFactory interface {
	NewSession(info device.Info) (control.Session, error)
}

// PasswordPrompt asks the user for a device password.
// ok is false when the user cancelled.
type PasswordPrompt interface {
	PromptPassword(ctx context.Context, info device.Info) (password string, ok bool, err error)
}

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Success bool
	// Reachable is false when the gateway could not reach the device at all.
	Reachable bool
}

// Authenticator authorises this client on a device.
type Authenticator interface {
	Auth(ctx context.Context, uuid, password string) (AuthResult, error)
}

// Store is the persistent state the device master reads and writes.
type Store interface {
	SelectedUUID(ctx context.Context) (string, error)
	SetSelectedUUID(ctx context.Context, uuid string) error
	Password(ctx context.Context, uuid string) (string, error)
	SetPassword(ctx context.Context, uuid, password string) error
}

// RelayLister re-reads the relay device list while a relay device is selected.
type RelayLister interface {
	ListDevices(ctx context.Context) ([]device.Info, error)
}

// Publisher sends status notifications to the message broker.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// Telemetry records per-device measurements.
type Telemetry interface {
	WriteDeviceStatus(s influxdb.DeviceStatus)
	WriteSessionEvent(uuid, event string)
}

// Camera is an open camera session. The device master only opens and closes it.
type Camera interface {
	Close() error
}

// CameraOpener opens a camera session on a device.
type CameraOpener func(ctx context.Context, info device.Info) (Camera, error)

// Factory builds DirectSession and RelaySession values.
type Factory struct {
	// Gateway is the firmware gateway base configuration.
	Gateway transport.Config

	// ClientKey identifies this client to the gateway.
	ClientKey string

	// ConnectTimeout bounds the control handshake.
	ConnectTimeout time.Duration

	// Relay is the relay server connection. Relay devices fail with
	// ErrUnknownDevice when it is nil.
	Relay control.RelayClient

	Logger control.Logger
}

// Ensure Factory implements SessionFactory.
var _ SessionFactory = (*Factory)(nil)

// NewSession picks the backend by the device's source.
func (f *Factory) NewSession(info device.Info) (control.Session, error) {
	switch info.Source {
	case device.SourceFirmware:
		s := control.NewDirectSession(control.DirectConfig{
			UUID:           info.UUID,
			Gateway:        f.Gateway,
			ClientKey:      f.ClientKey,
			ConnectTimeout: f.ConnectTimeout,
		})
		if f.Logger != nil {
			s.SetLogger(f.Logger)
		}
		return s, nil
	case device.SourceRelay:
		if f.Relay == nil {
			return nil, fmt.Errorf("%w: relay server not configured", ErrUnknownDevice)
		}
		s := control.NewRelaySession(f.Relay, info.Port)
		if f.Logger != nil {
			s.SetLogger(f.Logger)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: source %q", ErrUnknownDevice, info.Source)
	}
}

// defaultAuthTimeout bounds one touch exchange.
const defaultAuthTimeout = 30 * time.Second

// touchMethod is the gateway socket that authorises a client key on a device.
const touchMethod = "touch"

type touchRequest struct {
	UUID     string `json:"uuid"`
	Password string `json:"password"`
	Key      string `json:"key,omitempty"`
}

// TouchAuthenticator authenticates through the gateway's touch socket.
// The gateway answers status "ok" on success and "error" otherwise, with a
// "reachable" flag telling a wrong password from an unreachable device.
type TouchAuthenticator struct {
	Gateway   transport.Config
	ClientKey string
	Timeout   time.Duration

	// Dial opens the socket. Default: transport.Dial.
	Dial func(ctx context.Context, cfg transport.Config) (transport.Channel, error)
}

// Ensure TouchAuthenticator implements Authenticator.
var _ Authenticator = (*TouchAuthenticator)(nil)

// Auth sends one touch request and waits for the verdict.
func (a *TouchAuthenticator) Auth(ctx context.Context, uuid, password string) (AuthResult, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultAuthTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := a.Dial
	if dial == nil {
		dial = control.DialWebsocket
	}
	cfg := a.Gateway
	cfg.Method = touchMethod
	cfg.AutoReconnect = false

	ch, err := dial(ctx, cfg)
	if err != nil {
		return AuthResult{}, fmt.Errorf("%w: opening touch socket: %w", control.ErrDisconnected, err)
	}
	defer ch.Close() //nolint:errcheck // one-shot socket

	verdict := make(chan AuthResult, 1)
	ch.SetOnEvent(func(ev transport.Event) {
		msg := ev.Message
		var res AuthResult
		switch {
		case msg.Status == transport.StatusOK:
			res = AuthResult{Success: true, Reachable: true}
		case ev.Kind == transport.EventError || ev.Kind == transport.EventFatal:
			reachable, _ := msg.Fields["reachable"].(bool)
			res = AuthResult{Reachable: reachable}
		default:
			return
		}
		select {
		case verdict <- res:
		default:
		}
	})

	if err := ch.SendJSON(ctx, touchRequest{UUID: uuid, Password: password, Key: a.ClientKey}); err != nil {
		return AuthResult{}, fmt.Errorf("%w: sending touch request: %w", control.ErrDisconnected, err)
	}

	select {
	case res := <-verdict:
		return res, nil
	case <-ctx.Done():
		return AuthResult{}, fmt.Errorf("%w: touch %s", control.ErrTimeout, uuid)
	}
}
