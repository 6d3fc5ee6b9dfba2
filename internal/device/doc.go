// Package device holds the machine data model and the device registry for LaserLink Core.
//
// A machine is identified by its uuid everywhere. Two liveness sources feed the
// registry: replies to discovery pokes relayed by the firmware gateway, and the
// device list of the relay server that drives USB-attached machines.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                      Registry                             │
//	│                                                           │
//	│   fromBroadcast[uuid] ──┐                                 │
//	│                         ├──▶ Devices() (union, sorted)    │
//	│   fromRelay[uuid]     ──┘                                 │
//	│                                                           │
//	│   Prune(): drop entries with now - LastAlive > expiry     │
//	└──────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Info: snapshot of one machine (model, serial, address, status)
//   - StatusID: numeric machine state (idle, running, paused, completed, aborted)
//   - Report: reply to a status report, with the firmware's error list
//   - Registry: merged, expiring view of every known machine
//
// # Usage
//
//	reg := device.NewRegistry(15 * time.Second)
//	reg.SetLogger(log)
//
//	if reg.UpdateBroadcast(info) {
//	    notify(reg.Devices())
//	}
//	reg.Prune()
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Only the discovery master
// writes broadcast and relay entries; mirrors replace the maps wholesale.
package device
