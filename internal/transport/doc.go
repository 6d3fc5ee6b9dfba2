// Package transport provides the websocket channel used to talk to the
// firmware gateway and the relay server.
//
// A Conn dials "<url>/<method>" (for example ws://127.0.0.1:8000/ws/control/<uuid>),
// decodes every inbound frame into a Message and routes it on its "status"
// field:
//
//	error  → EventError
//	fatal  → EventFatal (REMOTE_IDENTIFY_ERROR reopens the socket instead)
//	pong   → dropped
//	debug  → EventDebug
//	other  → EventMessage
//
// Text frames that are not valid JSON are retried after normalising NaN
// tokens, backslashes and line breaks, and are otherwise delivered as plain
// text. An abnormal close (code 1006) is reported as a fatal event before the
// close handler runs, so pending waiters always settle.
//
// An idle connection sends a text "ping" every 60 seconds. With
// AutoReconnect the socket is reopened after an unexpected close.
//
// Enveloped protocols set Passthrough to receive every frame as EventMessage.
package transport
