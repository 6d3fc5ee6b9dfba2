// Package devicemaster is the entry point for driving a machine: it selects
// a device, authenticates when the device asks for it, keeps the selected
// device's control session open and wraps the common job operations.
//
// # Selection
//
// Select opens a DirectSession for machines found by firmware discovery
// and a RelaySession for machines attached to the relay server. An
// AUTH_ERROR from the handshake starts the password flow: a cached
// password from the Store is tried first, then the PasswordPrompt is asked
// until the user cancels. Relay devices are re-listed up to three times,
// one second apart, until they report a serial of at least eight
// characters.
//
// # Reconnection
//
// By default a closed session is dropped and the next operation reconnects
// lazily. With SetAutoReconnect(true) the close itself triggers a
// reconnect that restores raw mode, the line-check state and the camera.
//
// # Errors
//
// Code maps any returned error onto the connection taxonomy (TIMEOUT,
// NOT_FOUND, DISCONNECTED, UNKNOWN_DEVICE, AUTH_ERROR,
// UPDATE_SERIAL_FAILED) and passes other firmware codes through.
package devicemaster
