package scan

import (
	"time"

	"github.com/google/uuid"

	"github.com/apsidal/beamline-core/internal/devices"
)

// DocumentType discriminates the documents a run emits.
type DocumentType string

const (
	DocStart      DocumentType = "start"
	DocDescriptor DocumentType = "descriptor"
	DocEvent      DocumentType = "event"
	DocStop       DocumentType = "stop"
)

// ExitStatus is the final disposition of a run.
type ExitStatus string

const (
	ExitSuccess ExitStatus = "success"
	ExitFailed  ExitStatus = "failed"
	ExitAborted ExitStatus = "aborted"
)

// RunStart opens a run: the plan being executed plus metadata
// identifying the beamline, the operator, and the sample.
type RunStart struct {
	UID      string         `json:"uid" cbor:"uid"`
	Time     time.Time      `json:"time" cbor:"time"`
	PlanName string         `json:"plan_name" cbor:"plan_name"`
	PlanArgs map[string]any `json:"plan_args,omitempty" cbor:"plan_args,omitempty"`

	// Metadata carries both controls-injected fields (beamline,
	// facility, host) and caller-supplied fields (sample, operator).
	Metadata map[string]any `json:"metadata,omitempty" cbor:"metadata,omitempty"`

	// Hints guide downstream plotting (dimensions, gridding).
	Hints map[string]any `json:"hints,omitempty" cbor:"hints,omitempty"`
}

// EventDescriptor describes one data stream within a run: the set of
// keys each of its events will carry.
type EventDescriptor struct {
	UID        string                     `json:"uid" cbor:"uid"`
	RunUID     string                     `json:"run_uid" cbor:"run_uid"`
	StreamName string                     `json:"stream_name" cbor:"stream_name"`
	Time       time.Time                  `json:"time" cbor:"time"`
	DataKeys   map[string]devices.DataKey `json:"data_keys" cbor:"data_keys"`
}

// Event is one row of data in a stream.
type Event struct {
	UID           string               `json:"uid" cbor:"uid"`
	DescriptorUID string               `json:"descriptor_uid" cbor:"descriptor_uid"`
	SeqNum        int                  `json:"seq_num" cbor:"seq_num"`
	Time          time.Time            `json:"time" cbor:"time"`
	Data          map[string]any       `json:"data" cbor:"data"`
	Timestamps    map[string]time.Time `json:"timestamps,omitempty" cbor:"timestamps,omitempty"`
}

// RunStop closes a run.
type RunStop struct {
	UID        string     `json:"uid" cbor:"uid"`
	RunUID     string     `json:"run_uid" cbor:"run_uid"`
	Time       time.Time  `json:"time" cbor:"time"`
	ExitStatus ExitStatus `json:"exit_status" cbor:"exit_status"`
	Reason     string     `json:"reason,omitempty" cbor:"reason,omitempty"`

	// NumEvents counts emitted events per stream name.
	NumEvents map[string]int `json:"num_events,omitempty" cbor:"num_events,omitempty"`
}

// NewUID returns a fresh document identifier.
func NewUID() string {
	return uuid.NewString()
}
