package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

func fastTiming() timing {
	return timing{
		settleRaw:      time.Millisecond,
		abortRetry:     time.Millisecond,
		homeRetry:      time.Millisecond,
		rawRetry:       time.Millisecond,
		measureRetry:   time.Millisecond,
		kill:           time.Millisecond,
		reportTimeout:  200 * time.Millisecond,
		abortTimeout:   200 * time.Millisecond,
		rawTimeout:     200 * time.Millisecond,
		connectTimeout: time.Second,
	}
}

func raw(text string) transport.Event {
	return transport.Event{
		Kind:    transport.EventMessage,
		Message: transport.Message{Status: transport.StatusRaw, Text: text},
	}
}

// reply decodes a JSON frame the way the transport would route it.
func reply(frame string) transport.Event {
	msg := transport.DecodeText(frame)
	kind := transport.EventMessage
	switch msg.Status {
	case transport.StatusError:
		kind = transport.EventError
	case transport.StatusFatal:
		kind = transport.EventFatal
	}
	return transport.Event{Kind: kind, Message: msg}
}

// script records outgoing commands and answers them. n is the zero-based
// index of the command being answered.
type script struct {
	mu      sync.Mutex
	sent    []string
	respond func(n int, text string) []transport.Event
}

func (s *script) record(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return len(s.sent) - 1
}

func (s *script) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// newScriptedCore returns a core whose sends are answered synchronously by respond.
func newScriptedCore(respond func(n int, text string) []transport.Event) (*core, *script) {
	c := newCore("test")
	c.timing = fastTiming()
	sc := &script{respond: respond}
	c.sendText = func(_ context.Context, text string) error {
		n := sc.record(text)
		if sc.respond == nil {
			return nil
		}
		for _, ev := range sc.respond(n, text) {
			c.dispatch(ev)
		}
		return nil
	}
	return c, sc
}

// fakeChannel is an in-memory transport.Channel. Text frames are answered
// by respond; binary frames by onBinary with the running byte total.
type fakeChannel struct {
	script

	mu        sync.Mutex
	binaries  [][]byte
	total     int
	onBinary  func(total int) []transport.Event
	onEvent   func(transport.Event)
	onClose   func(int, error)
	connected bool
	closed    bool
}

func newFakeChannel(respond func(n int, text string) []transport.Event) *fakeChannel {
	return &fakeChannel{script: script{respond: respond}, connected: true}
}

func (f *fakeChannel) deliver(events []transport.Event) {
	f.mu.Lock()
	h := f.onEvent
	f.mu.Unlock()
	if h == nil {
		return
	}
	for _, ev := range events {
		h(ev)
	}
}

func (f *fakeChannel) SendText(_ context.Context, text string) error {
	if !f.IsConnected() {
		return transport.ErrNotConnected
	}
	n := f.record(text)
	if f.respond != nil {
		f.deliver(f.respond(n, text))
	}
	return nil
}

func (f *fakeChannel) SendJSON(context.Context, any) error { return nil }

func (f *fakeChannel) SendBinary(_ context.Context, data []byte) error {
	f.mu.Lock()
	f.binaries = append(f.binaries, append([]byte(nil), data...))
	f.total += len(data)
	total := f.total
	fn := f.onBinary
	f.mu.Unlock()
	if fn != nil {
		f.deliver(fn(total))
	}
	return nil
}

func (f *fakeChannel) SetOnEvent(h func(transport.Event)) {
	f.mu.Lock()
	f.onEvent = h
	f.mu.Unlock()
}

func (f *fakeChannel) SetOnOpen(func()) {}

func (f *fakeChannel) SetOnClose(h func(int, error)) {
	f.mu.Lock()
	f.onClose = h
	f.mu.Unlock()
}

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.connected = false
	f.closed = true
	f.mu.Unlock()
	return nil
}

// drop simulates the gateway closing the socket.
func (f *fakeChannel) drop(code int, err error) {
	f.mu.Lock()
	f.connected = false
	h := f.onClose
	f.mu.Unlock()
	if h != nil {
		h(code, err)
	}
}

const testClientKey = "client-key"

// handshake answers the client key with "connecting" then "connected" and
// hands every other command to respond.
func handshake(respond func(n int, text string) []transport.Event) func(n int, text string) []transport.Event {
	return func(n int, text string) []transport.Event {
		if text == testClientKey {
			return []transport.Event{
				reply(`{"status":"connecting"}`),
				reply(`{"status":"connected"}`),
			}
		}
		if respond == nil {
			return nil
		}
		return respond(n, text)
	}
}

// newTestSession connects a DirectSession over a fakeChannel. respond sees
// the command index counted from the first command after the client key.
func newTestSession(t *testing.T, respond func(n int, text string) []transport.Event) (*DirectSession, *fakeChannel) {
	t.Helper()
	var wrapped func(n int, text string) []transport.Event
	if respond != nil {
		wrapped = func(n int, text string) []transport.Event { return respond(n-1, text) }
	}
	fc := newFakeChannel(handshake(wrapped))

	s := NewDirectSession(DirectConfig{UUID: "dev-1", ClientKey: testClientKey})
	s.timing = fastTiming()
	s.SetDialer(func(_ context.Context, cfg transport.Config) (transport.Channel, error) {
		if cfg.Method != "control/dev-1" || cfg.AutoReconnect {
			t.Errorf("dial config = %+v, want method control/dev-1 without auto reconnect", cfg)
		}
		return fc, nil
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fc
}

// sentAfterHandshake returns the commands sent after the client key.
func sentAfterHandshake(fc *fakeChannel) []string {
	cmds := fc.commands()
	if len(cmds) > 0 && cmds[0] == testClientKey {
		return cmds[1:]
	}
	return cmds
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(time.Millisecond)
	}
}

func f64(v float64) *float64 { return &v }
