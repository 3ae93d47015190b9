package devices

import (
	"context"

	"github.com/apsidal/beamline-core/internal/epics/ca"
)

// CATransport adapts the Channel Access circuit pool to the Transport
// interface devices consume.
type CATransport struct {
	pool *ca.Pool
}

// NewCATransport wraps a circuit pool.
func NewCATransport(pool *ca.Pool) *CATransport {
	return &CATransport{pool: pool}
}

// Connect resolves the PV to its owning circuit and creates the channel.
func (t *CATransport) Connect(ctx context.Context, pv string) error {
	_, err := t.pool.Resolve(ctx, pv)
	return err
}

// Get reads the PV as the time form of its DBR type.
func (t *CATransport) Get(ctx context.Context, pv string, dt ca.DBRType) (Reading, error) {
	tv, err := t.pool.Get(ctx, pv, dt)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Value:     tv.Value,
		Timestamp: tv.Timestamp,
		Status:    tv.Status,
		Severity:  tv.Severity,
	}, nil
}

// Put writes the PV without confirmation.
func (t *CATransport) Put(ctx context.Context, pv string, dt ca.DBRType, value any) error {
	return t.pool.Put(ctx, pv, dt, value)
}

// PutWait writes the PV and waits for record processing.
func (t *CATransport) PutWait(ctx context.Context, pv string, dt ca.DBRType, value any) error {
	return t.pool.PutWait(ctx, pv, dt, value)
}

// Monitor subscribes to PV changes.
func (t *CATransport) Monitor(ctx context.Context, pv string, dt ca.DBRType, fn func(Reading)) (func(), error) {
	cancel, err := t.pool.Monitor(ctx, pv, dt, func(_ string, tv ca.TimeValue) {
		fn(Reading{
			Value:     tv.Value,
			Timestamp: tv.Timestamp,
			Status:    tv.Status,
			Severity:  tv.Severity,
		})
	})
	if err != nil {
		return nil, err
	}
	return func() { cancel() }, nil
}
