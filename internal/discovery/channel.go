package discovery

import (
	"sync"

	"github.com/google/uuid"

	"github.com/nerrad567/laserlink-core/internal/device"
)

// Update is the device snapshot the Master pushes to Slaves.
type Update struct {
	DeviceMap    map[string]device.Info `json:"deviceMap"`
	RelayDevices []device.Info          `json:"relayDevices"`
}

// PokeOptions tunes a targeted probe.
type PokeOptions struct {
	// TCP also sends the testtcp and poketcp probes.
	TCP bool `json:"tcp,omitempty"`
}

// PokeRequest asks the Master to probe one address.
type PokeRequest struct {
	IP      string      `json:"ip"`
	Options PokeOptions `json:"options"`
}

// Channel carries discovery traffic between application instances.
// The Master publishes updates and receives pokes; Slaves do the reverse.
type Channel interface {
	// ClaimMaster registers id as the Master. It fails with ErrMasterExists
	// when a different id already holds the role.
	ClaimMaster(id string) error
	// ReleaseMaster gives up the role when id holds it.
	ReleaseMaster(id string) error

	PublishUpdate(u Update) error
	PublishPoke(p PokeRequest) error

	SubscribeUpdates(fn func(Update)) (unsubscribe func(), err error)
	SubscribePokes(fn func(PokeRequest)) (unsubscribe func(), err error)
}

// MemoryBus is an in-process Channel shared by every coordinator of one
// application. Delivery is synchronous.
//
// Thread Safety: all methods are safe for concurrent use.
type MemoryBus struct {
	mu      sync.RWMutex
	master  string
	updates map[string]func(Update)
	pokes   map[string]func(PokeRequest)
}

// Ensure MemoryBus implements Channel.
var _ Channel = (*MemoryBus)(nil)

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		updates: make(map[string]func(Update)),
		pokes:   make(map[string]func(PokeRequest)),
	}
}

// ClaimMaster records id as the Master. Claiming twice with the same id is a no-op.
func (b *MemoryBus) ClaimMaster(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.master != "" && b.master != id {
		return ErrMasterExists
	}
	b.master = id
	return nil
}

// ReleaseMaster clears the claim when id holds it.
func (b *MemoryBus) ReleaseMaster(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.master == id {
		b.master = ""
	}
	return nil
}

// PublishUpdate delivers u to every update subscriber.
func (b *MemoryBus) PublishUpdate(u Update) error {
	b.mu.RLock()
	fns := make([]func(Update), 0, len(b.updates))
	for _, fn := range b.updates {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(u)
	}
	return nil
}

// PublishPoke delivers p to every poke subscriber.
func (b *MemoryBus) PublishPoke(p PokeRequest) error {
	b.mu.RLock()
	fns := make([]func(PokeRequest), 0, len(b.pokes))
	for _, fn := range b.pokes {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(p)
	}
	return nil
}

// SubscribeUpdates registers fn for updates.
func (b *MemoryBus) SubscribeUpdates(fn func(Update)) (func(), error) {
	id := uuid.NewString()
	b.mu.Lock()
	b.updates[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.updates, id)
		b.mu.Unlock()
	}, nil
}

// SubscribePokes registers fn for poke requests.
func (b *MemoryBus) SubscribePokes(fn func(PokeRequest)) (func(), error) {
	id := uuid.NewString()
	b.mu.Lock()
	b.pokes[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.pokes, id)
		b.mu.Unlock()
	}, nil
}
