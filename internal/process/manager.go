package process

import (
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

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

const (
	// logChunkSize is the read size for relaying subprocess output into
	// the daemon log.
	logChunkSize = 4096

	// healthProbeTimeout bounds one health check invocation.
	healthProbeTimeout = 5 * time.Second

	// maxHealthFailures is how many consecutive failed probes a hung
	// process gets before it is killed and restarted.
	maxHealthFailures = 3
)

// Config describes one helper executable the daemon supervises.
type Config struct {
	// Name labels log lines and stats.
	Name string

	// Binary is the executable path; Args its command line.
	Binary string
	Args   []string

	// Env entries are appended to the daemon's own environment.
	// caRepeater, for instance, gets EPICS_CA_REPEATER_PORT here.
	Env []string

	// WorkDir, when set, overrides the inherited working directory.
	WorkDir string

	// RestartOnFailure re-launches the process after an unexpected exit,
	// waiting RestartDelay between attempts. MaxRestartAttempts of 0
	// means keep trying.
	RestartOnFailure   bool
	RestartDelay       time.Duration
	MaxRestartAttempts int

	// GracefulTimeout is how long Stop waits after SIGTERM before
	// escalating to SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc, when set, is probed every HealthCheckInterval.
	// A process that fails maxHealthFailures probes in a row is treated
	// as hung and killed, which feeds the restart path.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration
}

// Logger is the slog-shaped subset the supervisor emits through.
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

// Manager supervises a single subprocess: launch, output relay, health
// watchdog, restart-on-exit, and group teardown.
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
	done          chan struct{}
}

// NewManager builds a supervisor, filling zero durations with defaults
// suitable for slow beamline support daemons.
func NewManager(cfg Config) *Manager {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger routes supervision and relayed subprocess output.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process and hands it to the supervision loop.
// Restart behaviour after this point follows the configuration; the
// returned error covers only the initial launch.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.launch(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		m.mu.Unlock()
		return err
	}

	go m.supervise(ctx)
	return nil
}

func (m *Manager) launch(ctx context.Context) error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"binary", m.config.Binary,
		"args", m.config.Args,
	)

	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // binary is validated by the caller's Config.Validate

	// Own process group, so Stop can signal children the helper forks.
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
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	go m.relayOutput("stdout", stdout)
	go m.relayOutput("stderr", stderr)

	m.logger.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)
	return nil
}

// relayOutput forwards a subprocess stream into the daemon log at debug
// level. caRepeater is silent in normal operation, so anything here is
// worth having on a support ticket.
func (m *Manager) relayOutput(stream string, r io.Reader) {
	buf := make([]byte, logChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			m.logger.Debug("process output",
				"name", m.config.Name,
				"stream", stream,
				"output", string(buf[:n]),
			)
		}
		if err != nil {
			return
		}
	}
}

// awaitExit blocks until the process exits, the context ends, or the
// health watchdog gives up on a hung process and kills it.
func (m *Manager) awaitExit(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	if m.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exitCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := m.config.HealthCheckFunc(probeCtx)
		cancel()

		if err == nil {
			if failures > 0 {
				m.logger.Info("health check recovered",
					"name", m.config.Name, "previous_failures", failures)
			}
			failures = 0
			continue
		}

		failures++
		m.logger.Warn("health check failed",
			"name", m.config.Name, "error", err, "consecutive_failures", failures)
		if failures < maxHealthFailures {
			continue
		}

		// Hung: the process is alive but not answering. Kill it and let
		// the supervision loop decide whether to relaunch.
		m.logger.Error("health check failed repeatedly, killing process",
			"name", m.config.Name, "failures", failures)
		if cmd.Process != nil {
			cmd.Process.Kill() //nolint:errcheck // exit is observed below either way
		}
		select {
		case exitErr := <-exitCh:
			if exitErr != nil {
				return fmt.Errorf("killed after failed health checks: %w", exitErr)
			}
			return fmt.Errorf("killed after %d failed health checks", failures)
		case <-time.After(healthProbeTimeout):
			return errors.New("process did not exit after kill")
		}
	}
}

// supervise owns the restart loop. It runs until the process stops on
// request, restarts are exhausted or disabled, or the context ends.
func (m *Manager) supervise(ctx context.Context) {
	defer close(m.done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()
		if cmd == nil {
			return
		}

		err := m.awaitExit(ctx, cmd)

		m.mu.Lock()
		stopRequested := m.stopRequested
		if stopRequested {
			m.status = StatusStopped
		} else {
			m.status = StatusFailed
			m.lastError = err
		}
		m.mu.Unlock()

		if stopRequested {
			m.logger.Info("process stopped as requested", "name", m.config.Name)
			return
		}

		m.logger.Warn("process exited unexpectedly", "name", m.config.Name, "error", err)

		if !m.config.RestartOnFailure {
			m.logger.Info("restart disabled, not restarting", "name", m.config.Name)
			return
		}

		m.mu.Lock()
		m.restartCount++
		attempt := m.restartCount
		m.mu.Unlock()

		if m.config.MaxRestartAttempts > 0 && attempt > m.config.MaxRestartAttempts {
			m.logger.Error("max restart attempts reached",
				"name", m.config.Name, "attempts", attempt)
			return
		}

		m.logger.Info("restarting process",
			"name", m.config.Name, "attempt", attempt, "delay", m.config.RestartDelay)

		select {
		case <-ctx.Done():
			m.logger.Info("context cancelled, not restarting", "name", m.config.Name)
			return
		case <-time.After(m.config.RestartDelay):
		}

		m.mu.RLock()
		stopRequested = m.stopRequested
		m.mu.RUnlock()
		if stopRequested {
			return
		}

		if err := m.launch(ctx); err != nil {
			m.logger.Error("failed to restart process",
				"name", m.config.Name, "error", err)
			// Loop again: the next pass counts another attempt.
		}
	}
}

// Stop terminates the process group: SIGTERM, a graceful window, then
// SIGKILL. No-op when nothing is running.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status != StatusRunning && m.status != StatusStarting {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	m.mu.Unlock()

	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	// Negative PID signals the whole group set up at launch.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("failed to send SIGTERM to process group",
			"name", m.config.Name, "error", err)
	}

	select {
	case <-done:
		m.logger.Info("process stopped gracefully", "name", m.config.Name)
		return nil
	case <-time.After(m.config.GracefulTimeout):
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name, "timeout", m.config.GracefulTimeout)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}

	<-done
	m.logger.Info("process killed", "name", m.config.Name)
	return nil
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning reports whether the process is currently up.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns the error from the most recent unexpected exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// RestartCount returns how many times the process has been relaunched.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// Uptime returns how long the current incarnation has been running, or
// zero when stopped.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// PID returns the process ID, or zero when nothing has been launched.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// Stats is a snapshot of the supervision state for health endpoints.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns the current supervision snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		RestartCount: m.restartCount,
	}
	if m.cmd != nil && m.cmd.Process != nil {
		s.PID = m.cmd.Process.Pid
	}
	if m.status == StatusRunning {
		s.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		s.LastError = m.lastError.Error()
	}
	return s
}
