package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/laserlink-core/internal/transport"
)

// Timeouts shared by both backends.
const (
	// DefaultTimeout applies to generic request/reply commands.
	DefaultTimeout = 30 * time.Second

	// rawTimeout applies to raw-mode framing and retries.
	rawTimeout = 10 * time.Second

	// reportTimeout bounds one "play report" attempt.
	reportTimeout = 3 * time.Second

	// abortTimeout bounds each abort/quit poll.
	abortTimeout = 10 * time.Second

	// longTimeout applies to slow hardware operations such as reference measurement.
	longTimeout = 180 * time.Second

	// maxRawRetries is how often raw commands are resent after ER:RESET.
	maxRawRetries = 5

	// maxPollRetries is how often report/abort/quit are retried.
	maxPollRetries = 3
)

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Progress is a transfer or long-operation progress report.
type Progress struct {
	// Status is the reply status that produced the report ("continue", "uploading", "transfer").
	Status string

	// Step and Total count bytes for uploads.
	Step  int
	Total int

	// Percentage is set for firmware updates.
	Percentage float64

	// Message is the raw reply.
	Message transport.Message
}

// timing holds the delays used by retry loops. Tests shrink them.
type timing struct {
	settleRaw      time.Duration // wait after entering raw mode
	abortRetry     time.Duration // gap between abort/quit polls
	homeRetry      time.Duration // gap between homing retries
	rawRetry       time.Duration // gap between raw resends after ER:RESET
	measureRetry   time.Duration // gap between height-measure retries
	kill           time.Duration // grace period after kick + close
	reportTimeout  time.Duration
	abortTimeout   time.Duration
	rawTimeout     time.Duration
	connectTimeout time.Duration
}

func defaultTiming() timing {
	return timing{
		settleRaw:      3 * time.Second,
		abortRetry:     2 * time.Second,
		homeRetry:      time.Second,
		rawRetry:       200 * time.Millisecond,
		measureRetry:   time.Second,
		kill:           500 * time.Millisecond,
		reportTimeout:  reportTimeout,
		abortTimeout:   abortTimeout,
		rawTimeout:     rawTimeout,
		connectTimeout: DefaultTimeout,
	}
}

// core is the state and request machinery shared by DirectSession and RelaySession.
// The backend supplies sendText; replies are fed in through dispatch.
type core struct {
	name     string
	logger   Logger
	waiters  *waiters
	queue    *taskQueue
	timing   timing
	sendText func(ctx context.Context, text string) error

	mu         sync.RWMutex
	mode       Mode
	lineCheck  bool
	lineNumber int
	progress   func(Progress)
}

func newCore(name string) *core {
	c := &core{
		name:    name,
		logger:  noopLogger{},
		waiters: newWaiters(),
		timing:  defaultTiming(),
	}
	c.queue = newTaskQueue(name, c.logger)
	return c
}

func (c *core) setLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.logger = logger
	c.queue.logger = logger
}

// AddTask runs fn exclusively on this session, after every task enqueued before it.
func (c *core) AddTask(ctx context.Context, fn TaskFunc) (any, error) {
	return c.queue.add(ctx, fn)
}

// Mode returns the current task mode.
func (c *core) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *core) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// LineCheck returns whether line-check framing is on and the next line number.
func (c *core) LineCheck() (enabled bool, lineNumber int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lineCheck, c.lineNumber
}

// RestoreLineCheck reinstates line-check state after a reconnect.
func (c *core) RestoreLineCheck(enabled bool, lineNumber int) {
	c.mu.Lock()
	c.lineCheck = enabled
	c.lineNumber = lineNumber
	c.mu.Unlock()
}

// SetProgressListener replaces the progress listener. Nil removes it.
func (c *core) SetProgressListener(fn func(Progress)) {
	c.mu.Lock()
	c.progress = fn
	c.mu.Unlock()
}

func (c *core) emitProgress(p Progress) {
	c.mu.RLock()
	fn := c.progress
	c.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("progress listener panicked", "session", c.name, "panic", r)
		}
	}()
	fn(p)
}

// dispatch routes one inbound event to the waiting requests.
func (c *core) dispatch(ev transport.Event) {
	if ev.Kind == transport.EventDebug {
		c.logger.Debug("device debug", "session", c.name, "frame", ev.Message.Summary())
		return
	}
	c.waiters.dispatch(ev, c.logger)
}

func (c *core) send(ctx context.Context, text string) error {
	if err := c.sendText(ctx, text); err != nil {
		if errors.Is(err, transport.ErrNotConnected) || errors.Is(err, transport.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}
		return err
	}
	return nil
}

// waitAny sends cmd and returns the first reply.
func (c *core) waitAny(ctx context.Context, cmd string, timeout time.Duration) (transport.Message, error) {
	w := c.waiters.newWaiter(timeout)
	defer w.close()

	if err := c.send(ctx, cmd); err != nil {
		return transport.Message{}, err
	}
	return w.next(ctx)
}

// OKResult is every reply collected until the one with status "ok".
type OKResult struct {
	Data     []transport.Message
	Response transport.Message
}

// waitOK sends cmd and collects replies until one has status "ok".
func (c *core) waitOK(ctx context.Context, cmd string, timeout time.Duration) (OKResult, error) {
	w := c.waiters.newWaiter(timeout)
	defer w.close()

	if err := c.send(ctx, cmd); err != nil {
		return OKResult{}, err
	}

	var res OKResult
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return res, err
		}
		res.Data = append(res.Data, msg)
		if msg.Status == transport.StatusOK {
			res.Response = msg
			return res, nil
		}
	}
}

// rawWaitOK sends cmd and accumulates raw output until a line reads "ok".
// A line starting with "error:" fails the command.
func (c *core) rawWaitOK(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	w := c.waiters.newWaiter(timeout)
	defer w.close()

	if err := c.send(ctx, cmd); err != nil {
		return "", err
	}

	var buf strings.Builder
	for {
		msg, err := w.next(ctx)
		if err != nil {
			return buf.String(), err
		}
		if msg.Status == transport.StatusRaw {
			buf.WriteString(msg.Text)
		}
		lines := splitLines(buf.String())
		if hasLine(lines, "ok") {
			return buf.String(), nil
		}
		if anyPrefix(lines, "error:") {
			return buf.String(), rawFailure(buf.String())
		}
	}
}

// rawSend sends a raw-mode command framed with line-check when it is on.
// Without line-check the first reply completes the command, or the "ok"
// line when waitOK is set.
func (c *core) rawSend(ctx context.Context, cmd string, waitOK bool) (string, error) {
	if enabled, _ := c.LineCheck(); enabled {
		return c.lineCheckCommand(ctx, cmd, DefaultTimeout)
	}
	if waitOK {
		return c.rawWaitOK(ctx, cmd, DefaultTimeout)
	}
	msg, err := c.waitAny(ctx, cmd, DefaultTimeout)
	if err != nil {
		return "", err
	}
	return replyText(msg), nil
}

// replyText returns the text of a reply, falling back to its JSON body.
func replyText(msg transport.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return string(msg.Raw)
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

func hasLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func anyPrefix(lines []string, prefix string) bool {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return true
		}
	}
	return false
}

func anyContains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

// lastLine returns the trailing partial line of s.
func lastLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

// isRawReset reports whether the raw output asks for a resend.
func isRawReset(text string, lines []string) bool {
	return strings.Contains(text, "ER:RESET") ||
		anyContains(lines, "ER:RESET") ||
		strings.Contains(text, "error:")
}
