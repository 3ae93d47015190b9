package instrument

import (
	"fmt"
	"sort"
	"sync"

	"github.com/apsidal/beamline-core/internal/devices"
)

// Logger defines the logging interface used by the Registry.
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

// Registry is the instrument catalog: a name/label index over live
// device objects. Plans and API handlers resolve devices through it
// rather than holding references of their own.
//
// All public methods are thread-safe.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]devices.Device
	byLabel map[string]map[string]devices.Device
	logger  Logger
}

// NewRegistry creates an empty instrument registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]devices.Device),
		byLabel: make(map[string]map[string]devices.Device),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Register adds a device under its name and labels.
// Returns ErrDuplicateDevice if the name is already taken.
func (r *Registry) Register(d devices.Device) error {
	name := d.Name()
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDeviceConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateDevice, name)
	}
	r.byName[name] = d
	for _, label := range d.Labels() {
		if r.byLabel[label] == nil {
			r.byLabel[label] = make(map[string]devices.Device)
		}
		r.byLabel[label][name] = d
	}

	r.logger.Debug("device registered", "name", name, "labels", d.Labels())
	return nil
}

// Unregister removes a device by name.
// Returns ErrComponentNotFound if no device has that name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, exists := r.byName[name]
	if !exists {
		return fmt.Errorf("%w: %q", ErrComponentNotFound, name)
	}
	delete(r.byName, name)
	for _, label := range d.Labels() {
		delete(r.byLabel[label], name)
		if len(r.byLabel[label]) == 0 {
			delete(r.byLabel, label)
		}
	}
	return nil
}

// Find resolves exactly one device by name or label.
//
// Returns ErrComponentNotFound when nothing matches and
// ErrMultipleComponentsFound when a label matches several devices.
func (r *Registry) Find(nameOrLabel string) (devices.Device, error) {
	matches := r.FindAll(nameOrLabel)
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q", ErrComponentNotFound, nameOrLabel)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d devices", ErrMultipleComponentsFound, nameOrLabel, len(matches))
	}
}

// FindLabel returns every device carrying the label, sorted by name.
func (r *Registry) FindLabel(label string) []devices.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortDevices(r.byLabel[label])
}

// FindAll returns every device matching the name or label, sorted by
// name. An exact name match wins over label matches.
func (r *Registry) FindAll(nameOrLabel string) []devices.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if d, ok := r.byName[nameOrLabel]; ok {
		return []devices.Device{d}
	}
	return sortDevices(r.byLabel[nameOrLabel])
}

// All returns every registered device, sorted by name.
func (r *Registry) All() []devices.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortDevices(r.byName)
}

// Names returns every registered device name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Labels returns every label in use, sorted.
func (r *Registry) Labels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	labels := make([]string, 0, len(r.byLabel))
	for label := range r.byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

func sortDevices(m map[string]devices.Device) []devices.Device {
	if len(m) == 0 {
		return nil
	}
	out := make([]devices.Device, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
