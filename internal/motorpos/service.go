package motorpos

import (
	"context"
	"fmt"

	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/instrument"
	"github.com/apsidal/beamline-core/internal/scan"
)

// offsetter is implemented by motors that expose their user offset.
type offsetter interface {
	Offset(ctx context.Context) (float64, error)
}

// Service captures and recalls snapshots against live instrument
// devices.
type Service struct {
	repo *SQLiteRepository
	reg  *instrument.Registry
}

// NewService creates a snapshot service.
//
// Parameters:
//   - repo: Snapshot storage
//   - reg: Instrument registry used to resolve motor names
func NewService(repo *SQLiteRepository, reg *instrument.Registry) *Service {
	return &Service{repo: repo, reg: reg}
}

// Save captures the named motors' current readbacks and offsets and
// persists the snapshot.
//
// Parameters:
//   - name: Human-readable snapshot name
//   - motorNames: Registry names (or labels) of the motors to capture
//
// Returns the stored snapshot with its generated UID.
func (s *Service) Save(ctx context.Context, name string, motorNames []string) (*MotorPosition, error) {
	if len(motorNames) == 0 {
		return nil, ErrNoMotors
	}

	pos := &MotorPosition{Name: name}
	for _, mn := range motorNames {
		dev, err := s.reg.Find(mn)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", mn, err)
		}
		mov, ok := dev.(devices.Movable)
		if !ok {
			return nil, fmt.Errorf("%w: %s", scan.ErrNotMovable, mn)
		}

		rbv, err := mov.Position(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", mn, err)
		}
		axis := MotorAxis{Name: dev.Name(), Readback: rbv}
		if off, ok := dev.(offsetter); ok {
			if v, err := off.Offset(ctx); err == nil {
				axis.Offset = v
			}
		}
		pos.Motors = append(pos.Motors, axis)
	}

	if err := s.repo.Save(ctx, pos); err != nil {
		return nil, err
	}
	return pos, nil
}

// List returns all stored snapshots, newest first.
func (s *Service) List(ctx context.Context) ([]MotorPosition, error) {
	return s.repo.List(ctx)
}

// Get resolves a snapshot by UID, falling back to a name lookup so
// callers can use either handle.
func (s *Service) Get(ctx context.Context, uidOrName string) (*MotorPosition, error) {
	pos, err := s.repo.Get(ctx, uidOrName)
	if err != nil {
		return s.repo.GetByName(ctx, uidOrName)
	}
	return pos, nil
}

// Delete removes a snapshot by UID.
func (s *Service) Delete(ctx context.Context, uid string) error {
	return s.repo.Delete(ctx, uid)
}

// RecallPlan resolves a snapshot by UID (or, failing that, by name)
// and builds the engine plan that moves every captured motor back to
// its saved readback.
//
// Returns ErrPositionNotFound when neither lookup matches, or
// scan.ErrNotMovable when a captured motor no longer resolves to a
// movable device.
func (s *Service) RecallPlan(ctx context.Context, uidOrName string) (*scan.MoveMotors, error) {
	pos, err := s.Get(ctx, uidOrName)
	if err != nil {
		return nil, err
	}

	moves := make([]scan.Move, 0, len(pos.Motors))
	for _, axis := range pos.Motors {
		dev, err := s.reg.Find(axis.Name)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", axis.Name, err)
		}
		mov, ok := dev.(devices.Movable)
		if !ok {
			return nil, fmt.Errorf("%w: %s", scan.ErrNotMovable, axis.Name)
		}
		moves = append(moves, scan.Move{Motor: mov, Target: axis.Readback})
	}
	return scan.RecallPosition(pos.UID, moves), nil
}
