package facility

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the facility tables.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	schema := `
		CREATE TABLE facilities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			beamline TEXT NOT NULL,
			source TEXT,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			settings TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		) STRICT;

		CREATE TABLE hutches (
			id TEXT PRIMARY KEY,
			facility_id TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'experimental',
			sort_order INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			FOREIGN KEY (facility_id) REFERENCES facilities(id) ON DELETE CASCADE,
			UNIQUE (facility_id, slug)
		) STRICT;

		CREATE TABLE endstations (
			id TEXT PRIMARY KEY,
			hutch_id TEXT NOT NULL,
			name TEXT NOT NULL,
			slug TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'other',
			sort_order INTEGER NOT NULL DEFAULT 0,
			devices TEXT NOT NULL DEFAULT '[]',
			settings TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			FOREIGN KEY (hutch_id) REFERENCES hutches(id) ON DELETE CASCADE,
			UNIQUE (hutch_id, slug)
		) STRICT;

		INSERT INTO facilities (id, name, slug, beamline, source) VALUES
			('fac-001', 'Advanced Light Source', 'advanced-light-source', '255-ID-Z', 'storage ring');

		INSERT INTO hutches (id, facility_id, name, slug, type, sort_order) VALUES
			('hutch-a', 'fac-001', 'Optics Hutch', 'optics-hutch', 'optics', 0),
			('hutch-b', 'fac-001', 'Experimental Hutch B', 'experimental-hutch-b', 'experimental', 1),
			('hutch-c', 'fac-001', 'Experimental Hutch C', 'experimental-hutch-c', 'experimental', 2);

		INSERT INTO endstations (id, hutch_id, name, slug, type, sort_order, devices) VALUES
			('end-mono', 'hutch-a', 'Monochromator', 'monochromator', 'optics', 0, '["energy","mono_pitch"]'),
			('end-xafs', 'hutch-b', 'XAFS Table', 'xafs-table', 'spectroscopy', 0, '["I0","It","Iref","stage_x","stage_y"]'),
			('end-micro', 'hutch-b', 'Microprobe', 'microprobe', 'imaging', 1, '[]'),
			('end-test', 'hutch-c', 'Test Stand', 'test-stand', 'other', 0, '[]');
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func TestListHutches(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	hutches, err := repo.ListHutches(context.Background())
	if err != nil {
		t.Fatalf("ListHutches: %v", err)
	}

	if len(hutches) != 3 {
		t.Fatalf("expected 3 hutches, got %d", len(hutches))
	}

	// Should be sorted downstream by sort_order
	if hutches[0].Name != "Optics Hutch" {
		t.Errorf("first hutch: got %q, want %q", hutches[0].Name, "Optics Hutch")
	}
	if hutches[1].Name != "Experimental Hutch B" {
		t.Errorf("second hutch: got %q, want %q", hutches[1].Name, "Experimental Hutch B")
	}
	if hutches[2].Name != "Experimental Hutch C" {
		t.Errorf("third hutch: got %q, want %q", hutches[2].Name, "Experimental Hutch C")
	}
}

func TestGetHutch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	hutch, err := repo.GetHutch(context.Background(), "hutch-a")
	if err != nil {
		t.Fatalf("GetHutch: %v", err)
	}
	if hutch.Name != "Optics Hutch" {
		t.Errorf("hutch name: got %q, want %q", hutch.Name, "Optics Hutch")
	}
	if hutch.Type != "optics" {
		t.Errorf("hutch type: got %q, want %q", hutch.Type, "optics")
	}
	if hutch.FacilityID != "fac-001" {
		t.Errorf("hutch facility_id: got %q, want %q", hutch.FacilityID, "fac-001")
	}
}

func TestGetHutchNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	_, err := repo.GetHutch(context.Background(), "hutch-nope")
	if !errors.Is(err, ErrHutchNotFound) {
		t.Errorf("expected ErrHutchNotFound, got %v", err)
	}
}

func TestUpdateHutch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	hutch, err := repo.GetHutch(context.Background(), "hutch-c")
	if err != nil {
		t.Fatalf("GetHutch: %v", err)
	}
	hutch.Name = "Commissioning Hutch"
	hutch.Type = "commissioning"

	if err := repo.UpdateHutch(context.Background(), hutch); err != nil {
		t.Fatalf("UpdateHutch: %v", err)
	}

	got, err := repo.GetHutch(context.Background(), "hutch-c")
	if err != nil {
		t.Fatalf("GetHutch after update: %v", err)
	}
	if got.Name != "Commissioning Hutch" || got.Type != "commissioning" {
		t.Errorf("update not persisted: %+v", got)
	}
}

func TestDeleteHutch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	// Hutch with endstations cannot be deleted.
	err := repo.DeleteHutch(ctx, "hutch-b")
	if !errors.Is(err, ErrHutchHasEndstations) {
		t.Fatalf("expected ErrHutchHasEndstations, got %v", err)
	}

	// Clear its endstations, then delete.
	if err := repo.DeleteEndstation(ctx, "end-xafs"); err != nil {
		t.Fatalf("DeleteEndstation: %v", err)
	}
	if err := repo.DeleteEndstation(ctx, "end-micro"); err != nil {
		t.Fatalf("DeleteEndstation: %v", err)
	}
	if err := repo.DeleteHutch(ctx, "hutch-b"); err != nil {
		t.Fatalf("DeleteHutch: %v", err)
	}

	if _, err := repo.GetHutch(ctx, "hutch-b"); !errors.Is(err, ErrHutchNotFound) {
		t.Errorf("expected ErrHutchNotFound after delete, got %v", err)
	}

	// Deleting again reports not found.
	if err := repo.DeleteHutch(ctx, "hutch-b"); !errors.Is(err, ErrHutchNotFound) {
		t.Errorf("expected ErrHutchNotFound on double delete, got %v", err)
	}
}

func TestListEndstations(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	endstations, err := repo.ListEndstations(context.Background())
	if err != nil {
		t.Fatalf("ListEndstations: %v", err)
	}
	if len(endstations) != 4 {
		t.Fatalf("expected 4 endstations, got %d", len(endstations))
	}
}

func TestListEndstationsByHutch(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	endstations, err := repo.ListEndstationsByHutch(context.Background(), "hutch-b")
	if err != nil {
		t.Fatalf("ListEndstationsByHutch: %v", err)
	}
	if len(endstations) != 2 {
		t.Fatalf("expected 2 endstations for hutch-b, got %d", len(endstations))
	}

	// Verify sort order
	if endstations[0].Name != "XAFS Table" {
		t.Errorf("first endstation: got %q, want %q", endstations[0].Name, "XAFS Table")
	}
	if endstations[1].Name != "Microprobe" {
		t.Errorf("second endstation: got %q, want %q", endstations[1].Name, "Microprobe")
	}

	// Non-existent hutch returns empty
	endstations, err = repo.ListEndstationsByHutch(context.Background(), "hutch-nope")
	if err != nil {
		t.Fatalf("ListEndstationsByHutch non-existent: %v", err)
	}
	if len(endstations) != 0 {
		t.Errorf("expected 0 endstations for hutch-nope, got %d", len(endstations))
	}
}

func TestGetEndstation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	e, err := repo.GetEndstation(context.Background(), "end-xafs")
	if err != nil {
		t.Fatalf("GetEndstation: %v", err)
	}
	if e.Name != "XAFS Table" {
		t.Errorf("endstation name: got %q, want %q", e.Name, "XAFS Table")
	}
	if e.HutchID != "hutch-b" {
		t.Errorf("endstation hutch_id: got %q, want %q", e.HutchID, "hutch-b")
	}
	if len(e.Devices) != 5 {
		t.Fatalf("expected 5 placed devices, got %d", len(e.Devices))
	}
	if e.Devices[0] != "I0" {
		t.Errorf("first device: got %q, want %q", e.Devices[0], "I0")
	}
	if e.Settings == nil {
		t.Error("endstation settings should not be nil")
	}
}

func TestGetEndstationNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	_, err := repo.GetEndstation(context.Background(), "end-nope")
	if !errors.Is(err, ErrEndstationNotFound) {
		t.Errorf("expected ErrEndstationNotFound, got %v", err)
	}
}

func TestCreateAndUpdateEndstation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)
	ctx := context.Background()

	e := &Endstation{
		ID:        "end-new",
		HutchID:   "hutch-c",
		Name:      "Detector Stand",
		Slug:      "detector-stand",
		Type:      "other",
		SortOrder: 1,
		Devices:   []string{"vortex"},
		Settings:  Settings{"shielded": true},
	}
	if err := repo.CreateEndstation(ctx, e); err != nil {
		t.Fatalf("CreateEndstation: %v", err)
	}

	got, err := repo.GetEndstation(ctx, "end-new")
	if err != nil {
		t.Fatalf("GetEndstation: %v", err)
	}
	if len(got.Devices) != 1 || got.Devices[0] != "vortex" {
		t.Errorf("devices: got %v, want [vortex]", got.Devices)
	}
	if got.Settings["shielded"] != true {
		t.Errorf("settings.shielded: got %v, want true", got.Settings["shielded"])
	}

	got.Devices = append(got.Devices, "vortex_tetra")
	if err := repo.UpdateEndstation(ctx, got); err != nil {
		t.Fatalf("UpdateEndstation: %v", err)
	}

	got, err = repo.GetEndstation(ctx, "end-new")
	if err != nil {
		t.Fatalf("GetEndstation after update: %v", err)
	}
	if len(got.Devices) != 2 {
		t.Errorf("devices after update: got %v", got.Devices)
	}
}

func TestGetFacility(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	f, err := repo.GetFacility(context.Background())
	if err != nil {
		t.Fatalf("GetFacility: %v", err)
	}
	if f.Name != "Advanced Light Source" {
		t.Errorf("facility name: got %q, want %q", f.Name, "Advanced Light Source")
	}
	if f.Beamline != "255-ID-Z" {
		t.Errorf("facility beamline: got %q, want %q", f.Beamline, "255-ID-Z")
	}
	if f.Source != "storage ring" {
		t.Errorf("facility source: got %q, want %q", f.Source, "storage ring")
	}
}

func TestGetFacilityNotFound(t *testing.T) {
	db := setupTestDB(t)
	if _, err := db.Exec("DELETE FROM endstations; DELETE FROM hutches; DELETE FROM facilities"); err != nil {
		t.Fatalf("clearing tables: %v", err)
	}

	repo := NewSQLiteRepository(db)
	_, err := repo.GetFacility(context.Background())
	if !errors.Is(err, ErrFacilityNotFound) {
		t.Errorf("expected ErrFacilityNotFound, got %v", err)
	}
}

func TestUpdateFacility(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db)

	f, err := repo.GetFacility(context.Background())
	if err != nil {
		t.Fatalf("GetFacility: %v", err)
	}
	f.Timezone = "America/Chicago"
	f.Settings = Settings{"ring_energy_gev": 7.0}

	if err := repo.UpdateFacility(context.Background(), f); err != nil {
		t.Fatalf("UpdateFacility: %v", err)
	}

	got, err := repo.GetFacility(context.Background())
	if err != nil {
		t.Fatalf("GetFacility after update: %v", err)
	}
	if got.Timezone != "America/Chicago" {
		t.Errorf("timezone: got %q", got.Timezone)
	}
	if got.Settings["ring_energy_gev"] != float64(7) {
		t.Errorf("settings.ring_energy_gev: got %v", got.Settings["ring_energy_gev"])
	}
}
