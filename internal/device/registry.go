package device

import (
	"sort"
	"sync"
	"time"
)

// DefaultExpiry is how long an entry survives without a liveness refresh.
const DefaultExpiry = 15 * time.Second

// Logger defines the logging interface used by the Registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry is the in-memory map of known machines.
//
// It merges two liveness sources: firmware broadcast replies and the relay
// server's device list. Each entry carries the time it was last seen and is
// dropped by Prune once it is older than the expiry. The visible list is the
// union of both maps.
//
// All public methods are thread-safe.
type Registry struct {
	mu            sync.RWMutex
	fromBroadcast map[string]Info
	fromRelay     map[string]Info
	expiry        time.Duration
	now           func() time.Time
	logger        Logger
}

// NewRegistry creates an empty registry. A zero expiry selects DefaultExpiry.
func NewRegistry(expiry time.Duration) *Registry {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Registry{
		fromBroadcast: make(map[string]Info),
		fromRelay:     make(map[string]Info),
		expiry:        expiry,
		now:           time.Now,
		logger:        noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetClock replaces the time source used for stamping and expiry.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// UpdateBroadcast merges a firmware liveness message.
// A message with alive=false removes the entry.
// Returns true when the visible list changed.
func (r *Registry) UpdateBroadcast(info Info) bool {
	info.Source = SourceFirmware

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.fromBroadcast[info.UUID]
	if !info.Alive {
		if existed {
			delete(r.fromBroadcast, info.UUID)
			r.logger.Debug("device went offline", "uuid", info.UUID)
		}
		return existed
	}

	info.LastAlive = r.now()
	r.fromBroadcast[info.UUID] = info
	return !existed || !sameVisible(prev, info)
}

// MergeRelay merges a relay device list. Devices missing from the list are
// left to expire.
// Returns true when the visible list changed.
func (r *Registry) MergeRelay(devices []Info) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	changed := false
	for _, info := range devices {
		info.Source = SourceRelay
		info.Alive = true
		info.LastAlive = now
		prev, existed := r.fromRelay[info.UUID]
		if !existed || !sameVisible(prev, info) {
			changed = true
		}
		r.fromRelay[info.UUID] = info
	}
	return changed
}

// Prune removes entries whose last liveness is older than the expiry and
// returns how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for _, m := range []map[string]Info{r.fromBroadcast, r.fromRelay} {
		for id, info := range m {
			if now.Sub(info.LastAlive) > r.expiry {
				delete(m, id)
				removed++
			}
		}
	}
	if removed > 0 {
		r.logger.Debug("pruned expired devices", "count", removed)
	}
	return removed
}

// Devices returns the union of both maps ordered by name then uuid.
// When a uuid appears in both, the most recently seen entry wins.
func (r *Registry) Devices() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]Info, len(r.fromBroadcast)+len(r.fromRelay))
	for id, info := range r.fromBroadcast {
		merged[id] = info
	}
	for id, info := range r.fromRelay {
		if prev, ok := merged[id]; ok && prev.LastAlive.After(info.LastAlive) {
			continue
		}
		merged[id] = info
	}

	devices := make([]Info, 0, len(merged))
	for _, info := range merged {
		devices = append(devices, info)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].UUID < devices[j].UUID
	})
	return devices
}

// Get returns one device by uuid.
func (r *Registry) Get(uuid string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if info, ok := r.fromRelay[uuid]; ok {
		return info, nil
	}
	if info, ok := r.fromBroadcast[uuid]; ok {
		return info, nil
	}
	return Info{}, ErrDeviceNotFound
}

// UpdateStatus stores the status fields of a report into an existing entry
// without refreshing its liveness.
func (r *Registry) UpdateStatus(uuid string, status StatusID, errorLabel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for _, m := range []map[string]Info{r.fromBroadcast, r.fromRelay} {
		if info, ok := m[uuid]; ok {
			info.StatusID = status
			info.ErrorLabel = errorLabel
			m[uuid] = info
			found = true
		}
	}
	if !found {
		return ErrDeviceNotFound
	}
	return nil
}

// Snapshot returns copies of both source maps for mirroring to other instances.
func (r *Registry) Snapshot() (broadcast map[string]Info, relay []Info) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	broadcast = make(map[string]Info, len(r.fromBroadcast))
	for id, info := range r.fromBroadcast {
		broadcast[id] = info
	}
	relay = make([]Info, 0, len(r.fromRelay))
	for _, info := range r.fromRelay {
		relay = append(relay, info)
	}
	return broadcast, relay
}

// Replace overwrites both maps with a mirrored snapshot.
func (r *Registry) Replace(broadcast map[string]Info, relay []Info) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.fromBroadcast = make(map[string]Info, len(broadcast))
	for id, info := range broadcast {
		r.fromBroadcast[id] = info
	}
	r.fromRelay = make(map[string]Info, len(relay))
	for _, info := range relay {
		r.fromRelay[info.UUID] = info
	}
}

// Len returns the number of visible devices.
func (r *Registry) Len() int {
	return len(r.Devices())
}

// sameVisible compares the fields listeners care about, ignoring LastAlive.
func sameVisible(a, b Info) bool {
	a.LastAlive, b.LastAlive = time.Time{}, time.Time{}
	return a == b
}
