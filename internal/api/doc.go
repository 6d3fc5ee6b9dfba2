// Package api implements the local HTTP API and event websocket of LaserLink Core.
//
// The API lets shop-floor tools list discovered machines, select one, run
// job operations on it and ask discovery to poke an address. Every route
// except health, metrics and login needs a bearer token from
// POST /api/v1/auth/login; the websocket authenticates with a single-use
// ticket so the token never appears in a URL.
//
// # Events
//
// Websocket clients subscribe to channels:
//   - devices.updated: the full device list, pushed by discovery
//   - device.status: the status of the selected machine after each report
package api
