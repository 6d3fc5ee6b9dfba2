// Package relay is the client for the relay server, the local process that
// drives USB and fiber-laser devices the firmware gateway cannot reach.
//
// Every call is an action envelope correlated by a generated id:
//
//	→ {"type":"action","path":"/devices/<port>","data":{"id":…,"action":…,"params":…}}
//	← {"type":"callback","id":…,"result":…}
//
// "progress" envelopes report transfer progress for a pending call and
// "chunk" envelopes carry a large result in pieces, concatenated before the
// callback settles the call. Raw command replies arrive as "command-message",
// "command-error" and "command-fatal" envelopes and are fanned out to the
// subscribers of the device's port.
//
// The client reconnects every RetryDelay (default 5s) up to MaxRetries
// (default 200) times and reads the server's system information on every
// open.
package relay
