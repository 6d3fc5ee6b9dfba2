// Package discovery finds laser machines on the local network and keeps
// every part of the application looking at the same device list.
//
// One Coordinator per application is the Master. It owns the gateway's
// "discover" socket, pokes one target address per second in round-robin
// order, merges liveness replies and the relay server's device list into
// a device.Registry, prunes stale entries and pushes the merged list. The
// targets are the persisted poke list, mDNS results and, when enabled, a
// nearest-first sweep of each local /24.
//
// Every other Coordinator is a Slave. A Slave never touches the network:
// it mirrors the Master's pushes into its own registry and forwards PokeIP
// requests to the Master. Master and Slaves talk over a Channel, either a
// MemoryBus inside one process or an MQTTChannel across processes.
//
// Pushes happen on a fixed interval and on every change, throttled so a
// burst of changes produces one push at once and one when the window ends.
package discovery
