package discovery

import (
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/laserlink-core/internal/device"
	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Default intervals.
const (
	defaultPokeInterval  = time.Second
	defaultRelayPoll     = 5 * time.Second
	defaultPruneInterval = 5 * time.Second
	defaultPushInterval  = 5 * time.Second
	defaultThrottle      = 100 * time.Millisecond
	defaultResolveEvery  = 30 * time.Second

	// relayListTimeout bounds one relay device list query.
	relayListTimeout = 5 * time.Second

	// discoverMethod is the gateway socket that carries pokes and liveness messages.
	discoverMethod = "discover"
)

// Role is the coordinator's place in the application.
type Role int

// Coordinator roles.
const (
	RoleUninitialized Role = iota
	RoleSlave
	RoleMaster
)

// String returns the role name for logs.
func (r Role) String() string {
	switch r {
	case RoleSlave:
		return "slave"
	case RoleMaster:
		return "master"
	default:
		return "uninitialized"
	}
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

// Dialer opens the gateway discover socket.
type Dialer func(ctx context.Context, cfg transport.Config) (transport.Channel, error)

// RelayLister lists machines registered on the relay server.
type RelayLister interface {
	IsConnected() bool
	ListDevices(ctx context.Context) ([]device.Info, error)
}

// PokeList supplies the persisted list of addresses to probe.
type PokeList interface {
	PokeIPs(ctx context.Context) ([]string, error)
}

// Recorder receives device counts after every push.
type Recorder interface {
	WriteDiscoveryCount(firmware, relay int)
}

// Listener receives the merged device list.
type Listener func(devices []device.Info)

// Config tunes the Master's timers and target selection.
type Config struct {
	PokeInterval  time.Duration
	RelayPoll     time.Duration
	PruneInterval time.Duration
	PushInterval  time.Duration
	Throttle      time.Duration
	// ResolveInterval spaces mDNS lookups, which run beside the poke loop.
	ResolveInterval time.Duration

	// SmartGuess adds every address of each local /24 to the targets.
	SmartGuess bool
	// TCPProbes sends testtcp and poketcp alongside every poke.
	TCPProbes bool
	// DefaultPokeIP is always probed.
	DefaultPokeIP string
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg config.DiscoveryConfig) Config {
	poke, relayPoll, prune, _, throttle := cfg.Durations()
	return Config{
		PokeInterval:  poke,
		RelayPoll:     relayPoll,
		PruneInterval: prune,
		PushInterval:  prune,
		Throttle:      throttle,
		SmartGuess:    cfg.SmartGuess,
		TCPProbes:     cfg.TCPProbes,
		DefaultPokeIP: cfg.DefaultPokeIP,
	}
}

func (c *Config) applyDefaults() {
	if c.PokeInterval <= 0 {
		c.PokeInterval = defaultPokeInterval
	}
	if c.RelayPoll <= 0 {
		c.RelayPoll = defaultRelayPoll
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = defaultPruneInterval
	}
	if c.PushInterval <= 0 {
		c.PushInterval = defaultPushInterval
	}
	if c.Throttle <= 0 {
		c.Throttle = defaultThrottle
	}
	if c.ResolveInterval <= 0 {
		c.ResolveInterval = defaultResolveEvery
	}
}

// Options configures a Coordinator.
type Options struct {
	// Registry holds the device maps. Required.
	Registry *device.Registry

	// Channel links this instance to the others. Required for a Slave.
	Channel Channel

	// Gateway is the base transport configuration; Method is set to "discover".
	Gateway transport.Config

	// Dial opens the discover socket. Default: transport.Dial.
	Dial Dialer

	Relay    RelayLister
	PokeList PokeList
	Resolver Resolver
	Recorder Recorder

	// InterfaceAddrs lists local addresses for SmartGuess. Default: net.InterfaceAddrs.
	InterfaceAddrs func() ([]net.Addr, error)

	Config Config
	Logger Logger
}

// Coordinator runs discovery as Master or mirrors it as Slave.
//
// A coordinator starts Uninitialized. Start makes it a Slave unless
// SetMaster was called first; SetMaster promotes a running Slave. There is
// no way back from Master.
//
// Thread Safety: all methods are safe for concurrent use.
type Coordinator struct {
	opts   Options
	id     string
	logger Logger
	push   *throttle

	mu        sync.Mutex
	role      Role
	started   bool
	runCtx    context.Context
	ctxCancel context.CancelFunc
	unsubs    []func()
	conn      transport.Channel
	dialFail  bool
	targets   []string
	named     []string
	next      int
	listeners map[string]Listener

	wg sync.WaitGroup
}

// New creates a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("discovery: registry is required")
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, cfg transport.Config) (transport.Channel, error) {
			conn, err := transport.Dial(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}
	if opts.InterfaceAddrs == nil {
		opts.InterfaceAddrs = net.InterfaceAddrs
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	opts.Config.applyDefaults()

	c := &Coordinator{
		opts:      opts,
		id:        uuid.NewString(),
		logger:    opts.Logger,
		listeners: make(map[string]Listener),
	}
	c.push = newThrottle(opts.Config.Throttle, c.pushNow)
	return c, nil
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// SetMaster makes this coordinator the Master. It is a no-op when already
// Master, and promotes a running Slave in place.
func (c *Coordinator) SetMaster() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.role == RoleMaster {
		return nil
	}
	if c.opts.Channel != nil {
		if err := c.opts.Channel.ClaimMaster(c.id); err != nil {
			return err
		}
	}

	wasSlave := c.started && c.role == RoleSlave
	c.role = RoleMaster
	c.logger.Info("discovery role set", "role", c.role)

	if wasSlave {
		c.dropSubscriptions()
		return c.startMaster()
	}
	return nil
}

// Start begins discovery in the current role. An Uninitialized coordinator
// becomes a Slave.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return ErrAlreadyStarted
	}
	if c.role == RoleUninitialized {
		if c.opts.Channel == nil {
			return ErrNoChannel
		}
		c.role = RoleSlave
	}

	c.runCtx, c.ctxCancel = context.WithCancel(ctx)
	c.started = true
	c.push.Resume()

	var err error
	if c.role == RoleMaster {
		// Stop releases the claim, so a restarted Master claims again.
		if c.opts.Channel != nil {
			if err := c.opts.Channel.ClaimMaster(c.id); err != nil {
				c.ctxCancel()
				c.started = false
				return err
			}
		}
		err = c.startMaster()
	} else {
		err = c.startSlave()
	}
	if err != nil {
		c.ctxCancel()
		c.started = false
		return err
	}
	c.logger.Info("discovery started", "role", c.role)
	return nil
}

// Stop halts probing and unsubscribes from the channel.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.ctxCancel()
	c.dropSubscriptions()
	release := c.role == RoleMaster && c.opts.Channel != nil
	c.mu.Unlock()

	if release {
		if err := c.opts.Channel.ReleaseMaster(c.id); err != nil {
			c.logger.Warn("releasing master claim", "error", err)
		}
	}

	c.wg.Wait()
	c.push.Stop()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("closing discover socket", "error", err)
		}
	}
	c.logger.Info("discovery stopped")
}

// Register adds a listener. It receives the current list immediately when
// any device is known, then every update.
func (c *Coordinator) Register(id string, fn Listener) {
	c.mu.Lock()
	c.listeners[id] = fn
	c.mu.Unlock()

	if devices := c.opts.Registry.Devices(); len(devices) > 0 {
		fn(devices)
	}
}

// Unregister removes a listener.
func (c *Coordinator) Unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.listeners, id)
}

// Devices returns the merged list.
func (c *Coordinator) Devices() []device.Info {
	return c.opts.Registry.Devices()
}

// CheckConnection reports whether any device is known or, for the Master,
// whether the discover socket is open.
func (c *Coordinator) CheckConnection() bool {
	if c.opts.Registry.Len() > 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == RoleMaster && c.conn != nil && c.conn.IsConnected()
}

// PokeIP probes one address. A Slave forwards the request to the Master.
func (c *Coordinator) PokeIP(ctx context.Context, ip string, opts PokeOptions) error {
	if !validIP(ip) {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}

	c.mu.Lock()
	role, started := c.role, c.started
	c.mu.Unlock()

	switch {
	case !started:
		return ErrNotStarted
	case role == RoleSlave:
		return c.opts.Channel.PublishPoke(PokeRequest{IP: ip, Options: opts})
	default:
		c.probe(ctx, ip, opts.TCP || c.opts.Config.TCPProbes)
		return nil
	}
}

// startSlave subscribes to the Master's updates. Caller holds c.mu.
func (c *Coordinator) startSlave() error {
	unsub, err := c.opts.Channel.SubscribeUpdates(c.mirror)
	if err != nil {
		return fmt.Errorf("subscribing to updates: %w", err)
	}
	c.unsubs = append(c.unsubs, unsub)
	return nil
}

func (c *Coordinator) mirror(u Update) {
	c.opts.Registry.Replace(u.DeviceMap, u.RelayDevices)
	c.notify(c.opts.Registry.Devices())
}

// dropSubscriptions releases channel subscriptions. Caller holds c.mu.
func (c *Coordinator) dropSubscriptions() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Coordinator) notify(devices []device.Info) {
	c.mu.Lock()
	fns := make([]Listener, 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(slices.Clone(devices))
	}
}
