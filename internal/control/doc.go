// Package control implements the command sessions used to drive a laser
// cutter.
//
// Two backends share one request engine:
//
//   - DirectSession talks to the local firmware gateway over
//     "<gateway>/control/<uuid>". Commands are plain text; replies are JSON
//     status objects, raw firmware output ("status":"raw") or binary payloads.
//   - RelaySession talks to a device attached to the relay server. Job
//     control and transfers are relay actions; raw commands go through the
//     relay's G-code channel and use the same framing as DirectSession.
//
// Every inbound reply is offered to every request currently waiting on the
// session. Requests settle on their own terms (first reply, an "ok" reply,
// an "ok" raw line, a matching regular expression or a binary payload) and
// time out on a per-request timer that some operations re-arm on progress.
//
// Device operations are not safe to interleave. Callers run them through
// AddTask (or the generic Do), which executes tasks one at a time in
// submission order. More than 30 waiting tasks shed the whole queue.
//
// In raw mode the session can frame commands with line numbers and a
// checksum (see FrameLineCheck) and drive the firmware's resend protocol.
package control
