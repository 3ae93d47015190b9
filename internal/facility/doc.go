// Package facility provides the hutch and endstation hierarchy for a beamline.
//
// It defines the spatial model used by the beamline core: a Facility
// record identifies the deployment (one per instance), containing
// Hutches (optics hutch, experimental hutches), which contain
// Endstations (instrument positions where devices are placed).
//
// The package provides a Repository interface with a SQLite implementation
// for querying hutches and endstations by membership.
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use from multiple goroutines
// (SQLite WAL mode + connection pooling).
package facility
