package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

var (
	// ErrAlreadyRunning is returned by Start on a running manager.
	ErrAlreadyRunning = errors.New("process: already running")

	// ErrUnhealthy is recorded when the process stops answering probes and is killed.
	ErrUnhealthy = errors.New("process: health probe failed")

	// ErrGaveUp is returned by WaitReady once restart attempts are exhausted.
	ErrGaveUp = errors.New("process: restart attempts exhausted")
)

// maxProbeFailures is the number of consecutive liveness failures before the process is killed.
const maxProbeFailures = 3

// Config holds configuration for a supervised process.
type Config struct {
	// Name identifies the process in logs.
	Name string

	Binary string
	Args   []string

	// Env is appended to the parent environment.
	Env []string

	WorkDir string

	RestartOnFailure bool

	// RestartDelay is the first restart delay. It doubles per attempt up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a run must last for the attempt counter to reset.
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// Probe reports whether the process is serving. Until it first succeeds
	// the process is polled every ReadyPollInterval; afterwards every
	// ProbeInterval as a liveness check. Nil means running is ready.
	Probe             func(ctx context.Context) error
	ReadyPollInterval time.Duration
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration

	// OnReady is called each time a run first passes its probe.
	OnReady func()

	// OnExit is called after every exit, with nil when Stop was requested.
	OnExit func(err error)
}

// DefaultConfig returns a Config with restart enabled and default timings.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:               name,
		Binary:             binary,
		Args:               args,
		RestartOnFailure:   true,
		MaxRestartAttempts: 10,
	}
}

func (c *Config) applyDefaults() {
	if c.RestartDelay <= 0 {
		c.RestartDelay = 5 * time.Second
	}
	if c.MaxRestartDelay <= 0 {
		c.MaxRestartDelay = 5 * time.Minute
	}
	if c.StableThreshold <= 0 {
		c.StableThreshold = 2 * time.Minute
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = 10 * time.Second
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = 250 * time.Millisecond
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

// Logger defines the logging interface for the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager supervises one child process.
//
// Thread Safety: all methods are safe for concurrent use.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	// stateCh is closed and replaced on every status change.
	stateCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
}

// NewManager creates a manager. Zero durations take their defaults.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		config:  cfg,
		logger:  noopLogger{},
		status:  StatusStopped,
		stateCh: make(chan struct{}),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process and supervises it until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting || m.status == StatusReady {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.config.Name)
	}
	m.setStatusLocked(StatusStarting)
	m.stopRequested = false
	m.restartCount = 0
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.lastError = err
		m.setStatusLocked(StatusFailed)
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.monitor(ctx)
	return nil
}

func (m *Manager) setStatusLocked(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	close(m.stateCh)
	m.stateCh = make(chan struct{})
}

func (m *Manager) startProcess(ctx context.Context) error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // binary comes from operator config
	// Own process group so Stop reaches the gateway's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.startTime = time.Now()
	if m.config.Probe == nil {
		m.setStatusLocked(StatusReady)
	} else {
		m.setStatusLocked(StatusRunning)
	}
	m.mu.Unlock()

	go m.captureOutput("stdout", stdout)
	go m.captureOutput("stderr", stderr)

	m.logger.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)
	if m.config.Probe == nil && m.config.OnReady != nil {
		m.config.OnReady()
	}
	return nil
}

// captureOutput logs the process output line by line.
func (m *Manager) captureOutput(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m.logger.Debug("process output",
			"name", m.config.Name,
			"stream", stream,
			"line", sc.Text(),
		)
	}
}

// supervise waits for the process to exit while probing it. A run that
// fails maxProbeFailures consecutive liveness probes after becoming ready
// is killed.
func (m *Manager) supervise(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if m.config.Probe == nil {
		select {
		case err := <-exitCh:
			return err
		case <-ctx.Done():
			return <-exitCh
		}
	}

	ready := false
	failures := 0
	ticker := time.NewTicker(m.config.ReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exitCh:
			return err
		case <-ctx.Done():
			return <-exitCh
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		err := m.config.Probe(probeCtx)
		cancel()

		if !ready {
			if err != nil {
				continue
			}
			ready = true
			ticker.Reset(m.config.ProbeInterval)
			m.mu.Lock()
			m.setStatusLocked(StatusReady)
			m.mu.Unlock()
			m.logger.Info("process ready", "name", m.config.Name)
			if m.config.OnReady != nil {
				m.config.OnReady()
			}
			continue
		}

		if err == nil {
			if failures > 0 {
				m.logger.Info("health probe recovered", "name", m.config.Name, "previous_failures", failures)
			}
			failures = 0
			continue
		}
		failures++
		m.logger.Warn("health probe failed", "name", m.config.Name, "error", err, "consecutive_failures", failures)
		if failures < maxProbeFailures {
			continue
		}

		m.logger.Error("process unresponsive, killing", "name", m.config.Name)
		if cmd.Process != nil {
			cmd.Process.Kill() //nolint:errcheck // exit is collected below
		}
		<-exitCh
		return fmt.Errorf("%w after %d attempts: %w", ErrUnhealthy, failures, err)
	}
}

// monitor supervises runs and restarts the process on failure.
func (m *Manager) monitor(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		close(m.done)
		m.mu.Unlock()
	}()

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()

		err := m.supervise(ctx, cmd)

		m.mu.Lock()
		stopRequested := m.stopRequested || ctx.Err() != nil
		ranFor := time.Since(m.startTime)
		m.mu.Unlock()

		if stopRequested {
			m.logger.Info("process stopped", "name", m.config.Name)
			m.mu.Lock()
			m.setStatusLocked(StatusStopped)
			m.mu.Unlock()
			if m.config.OnExit != nil {
				m.config.OnExit(nil)
			}
			return
		}

		if err == nil {
			err = fmt.Errorf("%s exited", m.config.Name)
		}
		m.logger.Warn("process exited unexpectedly", "name", m.config.Name, "error", err, "ran_for", ranFor)

		m.mu.Lock()
		m.lastError = err
		m.setStatusLocked(StatusFailed)
		if ranFor >= m.config.StableThreshold {
			m.restartCount = 0
		}
		m.mu.Unlock()

		if m.config.OnExit != nil {
			m.config.OnExit(err)
		}
		if !m.config.RestartOnFailure {
			return
		}

		m.mu.Lock()
		if m.config.MaxRestartAttempts > 0 && m.restartCount >= m.config.MaxRestartAttempts {
			m.mu.Unlock()
			m.logger.Error("max restart attempts reached", "name", m.config.Name, "attempts", m.config.MaxRestartAttempts)
			return
		}
		m.restartCount++
		attempt := m.restartCount
		m.mu.Unlock()

		delay := m.calculateBackoffDelay(attempt)
		m.logger.Info("restarting process", "name", m.config.Name, "attempt", attempt, "delay", delay)

		select {
		case <-ctx.Done():
		case <-m.stopCh:
		case <-time.After(delay):
		}

		m.mu.Lock()
		if m.stopRequested || ctx.Err() != nil {
			m.setStatusLocked(StatusStopped)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if err := m.startProcess(ctx); err != nil {
			m.logger.Error("failed to restart process", "name", m.config.Name, "error", err)
			m.mu.Lock()
			m.lastError = err
			m.mu.Unlock()
			return
		}
	}
}

// calculateBackoffDelay returns RestartDelay doubled per attempt, capped at MaxRestartDelay.
func (m *Manager) calculateBackoffDelay(attempt int) time.Duration {
	delay := m.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= m.config.MaxRestartDelay {
			return m.config.MaxRestartDelay
		}
	}
	return delay
}

// WaitReady blocks until the process passes its probe, supervision gives
// up, or ctx ends.
func (m *Manager) WaitReady(ctx context.Context) error {
	for {
		m.mu.RLock()
		status := m.status
		changed := m.stateCh
		done := m.done
		lastErr := m.lastError
		m.mu.RUnlock()

		if status == StatusReady {
			return nil
		}
		if done == nil {
			return fmt.Errorf("%s not started", m.config.Name)
		}
		select {
		case <-done:
			if m.Status() == StatusReady {
				return nil
			}
			if lastErr == nil {
				lastErr = m.LastError()
			}
			return fmt.Errorf("%w: %s: %w", ErrGaveUp, m.config.Name, lastErr)
		default:
		}

		select {
		case <-changed:
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop terminates the process group, escalating to SIGKILL after GracefulTimeout.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.stopRequested && m.stopCh != nil {
		close(m.stopCh)
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if cmd == nil || cmd.Process == nil {
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL", "name", m.config.Name, "timeout", m.config.GracefulTimeout)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}
	<-done
	return nil
}

// Done is closed when supervision ends.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.done
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning reports whether the process is up, ready or not.
func (m *Manager) IsRunning() bool {
	s := m.Status()
	return s == StatusRunning || s == StatusReady
}

func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns the consecutive restart count.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// PID returns the process ID, or 0 if never started.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats is a point-in-time summary for health output.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		RestartCount: m.restartCount,
	}
	if m.cmd != nil && m.cmd.Process != nil {
		stats.PID = m.cmd.Process.Pid
	}
	if m.status == StatusRunning || m.status == StatusReady {
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}
