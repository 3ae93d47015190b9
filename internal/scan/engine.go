package scan

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/apsidal/beamline-core/internal/devices"
)

// Logger defines the logging interface used by the engine.
// This allows different logging implementations to be used.
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

// Sink consumes run documents. The catalog repository, the MQTT bus,
// the InfluxDB writer, and the WebSocket hub all implement it.
type Sink interface {
	// Consume handles one document. doc is a *RunStart, *EventDescriptor,
	// *Event, or *RunStop according to t.
	Consume(ctx context.Context, t DocumentType, doc any) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, t DocumentType, doc any) error

// Consume calls f.
func (f SinkFunc) Consume(ctx context.Context, t DocumentType, doc any) error {
	return f(ctx, t, doc)
}

// Plan is an executable acquisition recipe.
type Plan interface {
	// PlanName identifies the plan in run metadata.
	PlanName() string

	// PlanArgs returns the parameters recorded in the run start.
	PlanArgs() map[string]any

	// Run executes the plan, emitting streams and events through em.
	Run(ctx context.Context, em *Emitter) error
}

// RunState is the engine's view of one run.
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
	StateAborted   RunState = "aborted"
)

// RunStatus is a snapshot of the current or most recent run.
type RunStatus struct {
	UID       string    `json:"uid"`
	PlanName  string    `json:"plan_name"`
	State     RunState  `json:"state"`
	StartedAt time.Time `json:"started_at"`
	NumEvents int       `json:"num_events"`
	Error     string    `json:"error,omitempty"`
}

// Engine executes plans one at a time and fans their documents out to
// subscribed sinks in subscription order.
//
// Execute is safe for concurrent use; concurrent callers beyond the
// first receive ErrRunInProgress.
type Engine struct {
	logger Logger

	// Injected into every run start.
	beamline string
	facility string
	version  string
	extraMD  map[string]any

	sinkMu sync.RWMutex
	sinks  []Sink

	mu      sync.Mutex
	running bool
	abort   context.CancelCauseFunc
	status  RunStatus
}

// NewEngine creates a plan engine.
//
// Parameters:
//   - beamline: Beamline name stamped into run metadata
//   - facility: Facility name stamped into run metadata
//   - version: Software version stamped into run metadata
func NewEngine(beamline, facility, version string) *Engine {
	return &Engine{
		beamline: beamline,
		facility: facility,
		version:  version,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetExtraMetadata adds fixed key/value pairs injected into every run
// start (e.g. xray_source from the facility config).
func (e *Engine) SetExtraMetadata(md map[string]any) {
	e.extraMD = md
}

// Subscribe adds a sink. Sinks receive documents in subscription order.
func (e *Engine) Subscribe(s Sink) {
	e.sinkMu.Lock()
	e.sinks = append(e.sinks, s)
	e.sinkMu.Unlock()
}

// Status returns a snapshot of the current or most recent run.
func (e *Engine) Status() RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Abort cancels the in-flight run.
// Returns ErrNoRunInProgress when nothing is running.
func (e *Engine) Abort(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.abort == nil {
		return ErrNoRunInProgress
	}
	e.logger.Warn("run abort requested", "uid", e.status.UID, "reason", reason)
	e.abort(fmt.Errorf("%w: %s", ErrRunAborted, reason))
	return nil
}

// Execute runs one plan to completion and returns the run UID.
//
// The full document lifecycle is emitted even on failure: a run start,
// any streams the plan opened, and a run stop whose exit status
// reflects the outcome. Caller metadata is merged into the run start;
// controls-injected fields (beamline, facility, versions, login) win
// over caller keys of the same name.
//
// Returns ErrRunInProgress if another run is active, or the plan's
// error (with the run recorded as failed or aborted).
func (e *Engine) Execute(ctx context.Context, plan Plan, md map[string]any) (string, error) {
	uid := NewUID()

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return "", ErrRunInProgress
	}
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	e.running = true
	e.abort = abort
	e.status = RunStatus{
		UID:       uid,
		PlanName:  plan.PlanName(),
		State:     StatePending,
		StartedAt: time.Now().UTC(),
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.abort = nil
		e.mu.Unlock()
	}()

	start := &RunStart{
		UID:      uid,
		Time:     time.Now().UTC(),
		PlanName: plan.PlanName(),
		PlanArgs: plan.PlanArgs(),
		Metadata: e.buildMetadata(md),
	}
	if h, ok := plan.(interface{ Hints() map[string]any }); ok {
		start.Hints = h.Hints()
	}

	em := &Emitter{engine: e, runUID: uid}
	e.emit(runCtx, DocStart, start)
	e.setState(StateRunning, "")
	e.logger.Info("run started", "uid", uid, "plan", plan.PlanName())

	err := plan.Run(runCtx, em)

	stop := &RunStop{
		UID:       NewUID(),
		RunUID:    uid,
		Time:      time.Now().UTC(),
		NumEvents: em.eventCounts(),
	}

	switch {
	case err == nil:
		stop.ExitStatus = ExitSuccess
		e.setState(StateCompleted, "")
	case context.Cause(runCtx) != nil && ctx.Err() == nil:
		// Cancelled from inside: an abort, not a caller timeout.
		stop.ExitStatus = ExitAborted
		stop.Reason = context.Cause(runCtx).Error()
		e.setState(StateAborted, stop.Reason)
	default:
		stop.ExitStatus = ExitFailed
		stop.Reason = err.Error()
		e.setState(StateFailed, stop.Reason)
	}

	// The stop document must go out even when the plan failed, so the
	// catalog never holds an open run. Use the parent context in case
	// the run context was aborted.
	e.emit(ctx, DocStop, stop)
	e.logger.Info("run finished",
		"uid", uid, "exit_status", stop.ExitStatus, "events", e.Status().NumEvents)

	if err != nil {
		return uid, fmt.Errorf("plan %s: %w", plan.PlanName(), err)
	}
	return uid, nil
}

// setState updates the status snapshot.
func (e *Engine) setState(s RunState, errMsg string) {
	e.mu.Lock()
	e.status.State = s
	e.status.Error = errMsg
	e.mu.Unlock()
}

// buildMetadata merges caller metadata under the controls-injected
// fields.
func (e *Engine) buildMetadata(md map[string]any) map[string]any {
	out := make(map[string]any, len(md)+8)
	for k, v := range md {
		out[k] = v
	}
	for k, v := range e.extraMD {
		out[k] = v
	}

	out["beamline"] = e.beamline
	out["facility"] = e.facility
	out["version"] = e.version
	out["pid"] = os.Getpid()
	if host, err := os.Hostname(); err == nil {
		out["hostname"] = host
	}
	if u, err := user.Current(); err == nil {
		out["login"] = u.Username
	}
	return out
}

// emit fans one document out to every sink, in subscription order.
// Sink errors are logged and swallowed.
func (e *Engine) emit(ctx context.Context, t DocumentType, doc any) {
	e.sinkMu.RLock()
	sinks := e.sinks
	e.sinkMu.RUnlock()

	for i, s := range sinks {
		if err := s.Consume(ctx, t, doc); err != nil {
			e.logger.Error("document sink failed",
				"sink", i, "doc_type", t, "error", err)
		}
	}
}

// Emitter is the plan's handle for opening streams and emitting events
// within the current run.
type Emitter struct {
	engine *Engine
	runUID string

	mu      sync.Mutex
	streams map[string]*EventDescriptor
	counts  map[string]int
}

// RunUID returns the active run's identifier.
func (em *Emitter) RunUID() string { return em.runUID }

// Logger exposes the engine logger for plan-side diagnostics.
func (em *Emitter) Logger() Logger { return em.engine.logger }

// CreateStream opens a named data stream, emitting its descriptor.
// Reopening an existing name returns the original descriptor.
func (em *Emitter) CreateStream(ctx context.Context, name string, keys map[string]devices.DataKey) *EventDescriptor {
	em.mu.Lock()
	if em.streams == nil {
		em.streams = make(map[string]*EventDescriptor)
		em.counts = make(map[string]int)
	}
	if d, ok := em.streams[name]; ok {
		em.mu.Unlock()
		return d
	}
	d := &EventDescriptor{
		UID:        NewUID(),
		RunUID:     em.runUID,
		StreamName: name,
		Time:       time.Now().UTC(),
		DataKeys:   keys,
	}
	em.streams[name] = d
	em.mu.Unlock()

	em.engine.emit(ctx, DocDescriptor, d)
	return d
}

// EmitEvent appends one event to a stream, assigning the sequence
// number. The stream must have been created first.
func (em *Emitter) EmitEvent(ctx context.Context, stream string, t time.Time, data map[string]any, timestamps map[string]time.Time) error {
	em.mu.Lock()
	d, ok := em.streams[stream]
	if !ok {
		em.mu.Unlock()
		return fmt.Errorf("%w: stream %q not created", ErrInvalidPlan, stream)
	}
	em.counts[stream]++
	seq := em.counts[stream]
	em.mu.Unlock()

	if t.IsZero() {
		t = time.Now().UTC()
	}
	ev := &Event{
		UID:           NewUID(),
		DescriptorUID: d.UID,
		SeqNum:        seq,
		Time:          t,
		Data:          data,
		Timestamps:    timestamps,
	}
	em.engine.emit(ctx, DocEvent, ev)

	em.engine.mu.Lock()
	em.engine.status.NumEvents++
	em.engine.mu.Unlock()
	return nil
}

// eventCounts snapshots per-stream event totals.
func (em *Emitter) eventCounts() map[string]int {
	em.mu.Lock()
	defer em.mu.Unlock()
	if len(em.counts) == 0 {
		return nil
	}
	out := make(map[string]int, len(em.counts))
	for k, v := range em.counts {
		out[k] = v
	}
	return out
}
