package process

import (
	"context"
	"testing"
	"time"
)

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(Config{Name: "caRepeater", Binary: "caRepeater"})

	if m.config.RestartDelay != 5*time.Second {
		t.Errorf("RestartDelay = %v, want 5s", m.config.RestartDelay)
	}
	if m.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want 10s", m.config.GracefulTimeout)
	}
	if m.config.HealthCheckInterval != 30*time.Second {
		t.Errorf("HealthCheckInterval = %v, want 30s", m.config.HealthCheckInterval)
	}
}

func TestManagerInitialState(t *testing.T) {
	m := NewManager(Config{Name: "caRepeater", Binary: "/bin/true"})

	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusStopped)
	}
	if m.IsRunning() {
		t.Error("IsRunning() = true before Start")
	}
	if m.PID() != 0 {
		t.Errorf("PID() = %d, want 0", m.PID())
	}
	if m.Uptime() != 0 {
		t.Errorf("Uptime() = %v, want 0", m.Uptime())
	}
	if m.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", m.LastError())
	}

	stats := m.Stats()
	if stats.Name != "caRepeater" || stats.Status != StatusStopped || stats.RestartCount != 0 {
		t.Errorf("Stats() = %+v, want stopped zero-state", stats)
	}
}

func TestManagerStopWhenNotRunning(t *testing.T) {
	m := NewManager(Config{Name: "caRepeater", Binary: "/bin/true"})
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() before Start error = %v, want nil", err)
	}
}

func TestManagerStartAndStop(t *testing.T) {
	m := NewManager(Config{
		Name:            "sleeper",
		Binary:          "/bin/sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !m.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if m.PID() == 0 {
		t.Error("PID() = 0 after Start")
	}

	// A second Start on a live process must refuse.
	if err := m.Start(ctx); err == nil {
		t.Error("second Start() should fail while running")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// The supervision goroutine records the final state.
	time.Sleep(100 * time.Millisecond)
	if m.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q after Stop, want %q", m.Status(), StatusStopped)
	}
}

func TestManagerStartInvalidBinary(t *testing.T) {
	m := NewManager(Config{Name: "ghost", Binary: "/nonexistent/caRepeater"})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() with missing binary should fail")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q", m.Status(), StatusFailed)
	}
}

func TestManagerRestartOnFailure(t *testing.T) {
	m := NewManager(Config{
		Name:               "flapper",
		Binary:             "/bin/true", // exits immediately
		RestartOnFailure:   true,
		RestartDelay:       20 * time.Millisecond,
		MaxRestartAttempts: 2,
		GracefulTimeout:    time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Two restarts at 20ms each, then the loop gives up.
	deadline := time.After(2 * time.Second)
	for m.RestartCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("RestartCount() = %d, want 2 before deadline", m.RestartCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestManagerNoRestartWhenDisabled(t *testing.T) {
	m := NewManager(Config{
		Name:            "oneshot",
		Binary:          "/bin/true",
		GracefulTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if m.RestartCount() != 0 {
		t.Errorf("RestartCount() = %d, want 0 with restart disabled", m.RestartCount())
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want %q after unexpected exit", m.Status(), StatusFailed)
	}
}
