package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

// waiterBuffer bounds the replies queued for one waiter.
const waiterBuffer = 256

// waiters is the table of in-flight reply listeners keyed by a generated id.
// Every inbound event is offered to every registered waiter.
type waiters struct {
	m *xsync.MapOf[string, *waiter]
}

func newWaiters() *waiters {
	return &waiters{m: xsync.NewMapOf[string, *waiter]()}
}

// dispatch offers ev to every waiter without blocking.
func (ws *waiters) dispatch(ev transport.Event, logger Logger) {
	ws.m.Range(func(id string, w *waiter) bool {
		select {
		case w.events <- ev:
		default:
			logger.Warn("waiter buffer full, dropping reply", "waiter", id)
		}
		return true
	})
}

// failAll delivers a synthetic fatal event so every waiter settles.
func (ws *waiters) failAll(code string) {
	ev := transport.Event{
		Kind: transport.EventFatal,
		Message: transport.Message{
			Status: transport.StatusFatal,
			Fields: map[string]any{"status": transport.StatusFatal, "error": []any{code}},
		},
	}
	ws.m.Range(func(_ string, w *waiter) bool {
		select {
		case w.events <- ev:
		default:
		}
		return true
	})
}

func (ws *waiters) len() int {
	return ws.m.Size()
}

// waiter receives replies for one request until it is closed.
// Closing removes it from the table so a late reply cannot reach it.
type waiter struct {
	table  *waiters
	id     string
	events chan transport.Event
	timer  *time.Timer
}

// newWaiter registers a waiter whose timer fires after timeout.
// A zero timeout waits until the context ends.
func (ws *waiters) newWaiter(timeout time.Duration) *waiter {
	w := &waiter{
		table:  ws,
		id:     uuid.NewString(),
		events: make(chan transport.Event, waiterBuffer),
	}
	if timeout > 0 {
		w.timer = time.NewTimer(timeout)
	}
	ws.m.Store(w.id, w)
	return w
}

// rearm restarts the timeout.
func (w *waiter) rearm(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	if w.timer == nil {
		w.timer = time.NewTimer(timeout)
		return
	}
	w.timer.Reset(timeout)
}

// pause stops the timeout until the next rearm.
func (w *waiter) pause() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *waiter) close() {
	w.table.m.Delete(w.id)
	if w.timer != nil {
		w.timer.Stop()
	}
}

// next returns the next message reply. "error" replies and "fatal" replies
// come back as *CommandError; the timer firing returns ErrTimeout.
func (w *waiter) next(ctx context.Context) (transport.Message, error) {
	var timeout <-chan time.Time
	if w.timer != nil {
		timeout = w.timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return transport.Message{}, ctx.Err()
		case <-timeout:
			return transport.Message{}, fmt.Errorf("%w: no reply", ErrTimeout)
		case ev := <-w.events:
			switch ev.Kind {
			case transport.EventMessage:
				return ev.Message, nil
			case transport.EventError:
				return ev.Message, newCommandError(ev.Message, false)
			case transport.EventFatal:
				return ev.Message, newCommandError(ev.Message, true)
			}
		}
	}
}

// sleep waits d while still honouring ctx. Replies arriving meanwhile stay queued.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
