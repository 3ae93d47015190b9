package motorpos

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the motor position
// schema applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "motorpos-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE motor_positions (
			uid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			save_time TEXT NOT NULL
		) STRICT;

		CREATE INDEX idx_motor_positions_name ON motor_positions(name);

		CREATE TABLE motor_position_axes (
			position_uid TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			motor_name TEXT NOT NULL,
			readback REAL NOT NULL,
			offset REAL NOT NULL DEFAULT 0,
			PRIMARY KEY (position_uid, ordinal),
			FOREIGN KEY (position_uid) REFERENCES motor_positions(uid) ON DELETE CASCADE
		) STRICT;
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

func TestSaveAndGet(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	pos := &MotorPosition{
		Name: "sample_transfer",
		Motors: []MotorAxis{
			{Name: "stage_x", Readback: 1.5},
			{Name: "stage_y", Readback: 2.0, Offset: 0.1},
		},
	}
	if err := repo.Save(ctx, pos); err != nil {
		t.Fatalf("save: %v", err)
	}
	if pos.UID == "" || pos.SaveTime.IsZero() {
		t.Fatalf("save did not populate uid/time: %+v", pos)
	}

	got, err := repo.Get(ctx, pos.UID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "sample_transfer" || len(got.Motors) != 2 {
		t.Fatalf("got %+v", got)
	}
	// Axis order preserved.
	if got.Motors[0].Name != "stage_x" || got.Motors[0].Readback != 1.5 {
		t.Errorf("first axis = %+v", got.Motors[0])
	}
	if got.Motors[1].Offset != 0.1 {
		t.Errorf("second axis = %+v", got.Motors[1])
	}
}

func TestSaveRejectsEmpty(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	err := repo.Save(context.Background(), &MotorPosition{Name: "empty"})
	if !errors.Is(err, ErrNoMotors) {
		t.Fatalf("expected ErrNoMotors, got %v", err)
	}
}

func TestGetByNameReturnsLatest(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	first := &MotorPosition{
		Name:     "alignment",
		SaveTime: t0,
		Motors:   []MotorAxis{{Name: "stage_x", Readback: 1.0}},
	}
	second := &MotorPosition{
		Name:     "alignment",
		SaveTime: t0.Add(time.Hour),
		Motors:   []MotorAxis{{Name: "stage_x", Readback: 2.0}},
	}
	for _, p := range []*MotorPosition{first, second} {
		if err := repo.Save(ctx, p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := repo.GetByName(ctx, "alignment")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if got.UID != second.UID || got.Motors[0].Readback != 2.0 {
		t.Errorf("got %+v, want the later snapshot", got)
	}

	if _, err := repo.GetByName(ctx, "nonexistent"); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()

	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a := &MotorPosition{Name: "a", SaveTime: t0, Motors: []MotorAxis{{Name: "m1", Readback: 1}}}
	b := &MotorPosition{Name: "b", SaveTime: t0.Add(time.Minute), Motors: []MotorAxis{{Name: "m2", Readback: 2}}}
	for _, p := range []*MotorPosition{a, b} {
		if err := repo.Save(ctx, p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Name != "b" {
		t.Fatalf("list = %+v", list)
	}
	if len(list[0].Motors) != 1 {
		t.Errorf("axes not loaded: %+v", list[0])
	}

	if err := repo.Delete(ctx, a.UID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Get(ctx, a.UID); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, a.UID); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestFormatTree(t *testing.T) {
	positions := []MotorPosition{{
		UID:      "a1b2c3d4e5f6",
		Name:     "sample_transfer",
		SaveTime: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Motors: []MotorAxis{
			{Name: "stage_x", Readback: 1.5},
			{Name: "stage_y", Readback: 2.0, Offset: 0.1},
		},
	}}
	out := FormatTree(positions)

	want := "sample_transfer (a1b2c3d4, saved 2026-03-02 09:00:00)\n" +
		"┣━ stage_x: 1.5000 (offset 0.0000)\n" +
		"┗━ stage_y: 2.0000 (offset 0.1000)\n"
	if out != want {
		t.Errorf("tree =\n%s\nwant\n%s", out, want)
	}
}
