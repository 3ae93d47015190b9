package repeater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/apsidal/beamline-core/internal/epics/ca"
	"github.com/apsidal/beamline-core/internal/infrastructure/config"
	"github.com/apsidal/beamline-core/internal/process"
)

// Timeouts and intervals for caRepeater management.
const (
	// DefaultPort is the standard CA beacon repeater port.
	DefaultPort = 5065

	// readyTimeout is how long to wait for caRepeater to answer
	// registration after starting.
	readyTimeout = 10 * time.Second

	// readyPollInterval is how often to probe during the readiness check.
	readyPollInterval = 200 * time.Millisecond

	// pingTimeout is the per-probe deadline for the UDP round trip.
	pingTimeout = 2 * time.Second

	// maxPortNumber is the largest valid UDP port.
	maxPortNumber = 65535
)

// Sentinel errors for repeater supervision.
var (
	ErrBinaryNotFound = errors.New("repeater: caRepeater binary not found")
	ErrInvalidPort    = errors.New("repeater: invalid beacon port")
	ErrNotResponding  = errors.New("repeater: no response on beacon port")
)

// Config holds settings for caRepeater supervision.
type Config struct {
	// Managed indicates whether the daemon should supervise caRepeater.
	// If false, an external repeater (or none) is assumed.
	Managed bool

	// Binary is the caRepeater executable. A bare name is resolved on
	// PATH; a path is used as-is.
	Binary string

	// Port is the UDP beacon repeater port.
	Port int

	// RestartOnFailure enables automatic restart if caRepeater exits.
	RestartOnFailure bool

	// RestartDelay is the wait between restart attempts.
	RestartDelay time.Duration

	// MaxRestartAttempts limits restarts. 0 means unlimited.
	MaxRestartAttempts int
}

// FromConfig converts the daemon configuration section into a Config,
// applying defaults for zero values.
func FromConfig(rc config.RepeaterConfig) Config {
	cfg := Config{
		Managed:            rc.Managed,
		Binary:             rc.Binary,
		Port:               rc.Port,
		RestartOnFailure:   rc.RestartOnFailure,
		RestartDelay:       time.Duration(rc.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: rc.MaxRestartAttempts,
	}
	if cfg.Binary == "" {
		cfg.Binary = "caRepeater"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	return cfg
}

// Validate checks the configuration. For managed mode the binary must
// be resolvable; the port must be a valid UDP port in any mode.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > maxPortNumber {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if !c.Managed {
		return nil
	}

	if strings.ContainsRune(c.Binary, os.PathSeparator) {
		if _, err := os.Stat(c.Binary); err != nil {
			return fmt.Errorf("%w: %s", ErrBinaryNotFound, c.Binary)
		}
		return nil
	}

	if _, err := exec.LookPath(c.Binary); err != nil {
		return fmt.Errorf("%w: %s", ErrBinaryNotFound, c.Binary)
	}
	return nil
}

// Logger defines the logging interface for the repeater manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager supervises the local caRepeater process.
type Manager struct {
	config  Config
	logger  Logger
	process *process.Manager

	// external is set when an already-running repeater owns the port,
	// so this manager monitors without spawning.
	external bool
}

// NewManager creates a repeater manager from a validated configuration.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{
		config: cfg,
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger for the manager and its subprocess.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start brings up caRepeater supervision.
//
// In unmanaged mode it only probes the port and logs the result. In
// managed mode it adopts an externally started repeater when one holds
// the port, otherwise spawns caRepeater and waits for it to answer
// registration.
func (m *Manager) Start(ctx context.Context) error {
	if !m.config.Managed {
		if err := Ping(ctx, m.config.Port, pingTimeout); err != nil {
			m.logger.Warn("no caRepeater on beacon port; CA clients will spawn their own",
				"port", m.config.Port)
			return nil
		}
		m.logger.Info("external caRepeater detected", "port", m.config.Port)
		return nil
	}

	// caRepeater exits immediately if the port is taken, so adopt an
	// existing instance instead of flapping through restart attempts.
	if err := Ping(ctx, m.config.Port, pingTimeout); err == nil {
		m.external = true
		m.logger.Info("adopting externally started caRepeater", "port", m.config.Port)
		return nil
	}

	port := m.config.Port
	procCfg := process.Config{
		Name:               "caRepeater",
		Binary:             m.config.Binary,
		Env:                []string{fmt.Sprintf("EPICS_CA_REPEATER_PORT=%d", port)},
		RestartOnFailure:   m.config.RestartOnFailure,
		RestartDelay:       m.config.RestartDelay,
		MaxRestartAttempts: m.config.MaxRestartAttempts,
		HealthCheckFunc: func(ctx context.Context) error {
			return Ping(ctx, port, pingTimeout)
		},
		HealthCheckInterval: 30 * time.Second,
	}

	m.process = process.NewManager(procCfg)
	m.process.SetLogger(m.logger)

	if err := m.process.Start(ctx); err != nil {
		return fmt.Errorf("starting caRepeater: %w", err)
	}

	if err := m.waitForReady(ctx); err != nil {
		m.process.Stop() //nolint:errcheck // best effort on failed startup
		return err
	}

	m.logger.Info("caRepeater ready", "port", m.config.Port, "pid", m.process.PID())
	return nil
}

// waitForReady polls the beacon port until the repeater answers
// registration or the readiness window closes.
func (m *Manager) waitForReady(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)

	for time.Now().Before(deadline) {
		if err := Ping(ctx, m.config.Port, pingTimeout); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}

	return fmt.Errorf("%w after %s", ErrNotResponding, readyTimeout)
}

// Stop stops a spawned caRepeater. Adopted external repeaters are left
// running.
func (m *Manager) Stop() error {
	if m.process == nil {
		return nil
	}
	return m.process.Stop()
}

// IsManaged returns true if this manager spawned (or would spawn) the repeater.
func (m *Manager) IsManaged() bool {
	return m.config.Managed && !m.external
}

// IsRunning returns true if a spawned repeater process is running.
// Always false for external or unmanaged repeaters.
func (m *Manager) IsRunning() bool {
	return m.process != nil && m.process.IsRunning()
}

// Stats reports the supervision state for health endpoints.
type Stats struct {
	Managed    bool           `json:"managed"`
	External   bool           `json:"external"`
	Port       int            `json:"port"`
	Status     process.Status `json:"status,omitempty"`
	PID        int            `json:"pid,omitempty"`
	Restarts   int            `json:"restarts"`
	Responding bool           `json:"responding"`
}

// Stats returns current supervision statistics, including a live probe
// of the beacon port.
func (m *Manager) Stats(ctx context.Context) Stats {
	s := Stats{
		Managed:  m.config.Managed,
		External: m.external,
		Port:     m.config.Port,
	}

	if m.process != nil {
		ps := m.process.Stats()
		s.Status = ps.Status
		s.PID = ps.PID
		s.Restarts = ps.RestartCount
	}

	s.Responding = Ping(ctx, m.config.Port, pingTimeout) == nil
	return s
}

// Ping probes a beacon repeater the way CA clients register with it:
// send REPEATER_REGISTER over UDP and wait for REPEATER_CONFIRM.
//
// Parameters:
//   - ctx: Cancels the probe early
//   - port: UDP beacon repeater port
//   - timeout: Round-trip deadline
//
// Returns:
//   - error: ErrNotResponding (wrapped) if nothing answers in time
func Ping(ctx context.Context, port int, timeout time.Duration) error {
	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotResponding, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting probe deadline: %w", err)
	}

	// Param2 carries the client address; the repeater replies to the
	// datagram's source regardless, so loopback is enough here.
	reg := ca.EncodeMessage(ca.Header{
		Command: ca.CmdRepeaterRegister,
		Param2:  0x7F000001, // 127.0.0.1
	}, nil)

	if _, err := conn.Write(reg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotResponding, err)
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotResponding, err)
	}

	hdr, _, err := ca.ReadMessage(bytes.NewReader(buf[:n]), 0)
	if err != nil {
		return fmt.Errorf("%w: malformed reply: %v", ErrNotResponding, err)
	}
	if hdr.Command != ca.CmdRepeaterConfirm {
		return fmt.Errorf("%w: unexpected reply command %d", ErrNotResponding, hdr.Command)
	}

	return nil
}
