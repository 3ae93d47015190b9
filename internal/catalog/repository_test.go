package catalog

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/scan"
)

// testDB creates a temporary SQLite database with the runs schema
// applied. The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "catalog-test-*.db")
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
		CREATE TABLE runs (
			uid TEXT PRIMARY KEY,
			plan_name TEXT NOT NULL,
			plan_args TEXT,
			metadata TEXT,
			hints TEXT,
			start_time TEXT NOT NULL,
			stop_time TEXT,
			exit_status TEXT,
			reason TEXT,
			num_events INTEGER NOT NULL DEFAULT 0
		) STRICT;

		CREATE INDEX idx_runs_plan_name ON runs(plan_name);
		CREATE INDEX idx_runs_start_time ON runs(start_time);

		CREATE TABLE run_streams (
			uid TEXT PRIMARY KEY,
			run_uid TEXT NOT NULL,
			name TEXT NOT NULL,
			data_keys TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (run_uid, name),
			FOREIGN KEY (run_uid) REFERENCES runs(uid) ON DELETE CASCADE
		) STRICT;

		CREATE TABLE run_events (
			uid TEXT PRIMARY KEY,
			stream_uid TEXT NOT NULL,
			seq_num INTEGER NOT NULL,
			time TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamps TEXT NOT NULL,
			FOREIGN KEY (stream_uid) REFERENCES run_streams(uid) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_run_events_stream ON run_events(stream_uid, seq_num);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("creating schema: %v", err)
	}
	return db
}

// seedRun pumps one complete document sequence through the repository
// and returns the run UID.
func seedRun(t *testing.T, repo *SQLiteRepository, planName string, start time.Time) string {
	t.Helper()
	ctx := context.Background()

	runUID := scan.NewUID()
	err := repo.Consume(ctx, scan.DocStart, &scan.RunStart{
		UID:      runUID,
		Time:     start,
		PlanName: planName,
		PlanArgs: map[string]any{"num": 3.0},
		Metadata: map[string]any{"beamline": "25-ID-C", "facility": "Advanced Photon Source"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	descUID := scan.NewUID()
	err = repo.Consume(ctx, scan.DocDescriptor, &scan.EventDescriptor{
		UID:        descUID,
		RunUID:     runUID,
		StreamName: scan.PrimaryStream,
		Time:       start,
		DataKeys: map[string]devices.DataKey{
			"energy": {Dtype: "number", Source: "ca://TEST:Energy.RBV", Units: "eV"},
			"I0":     {Dtype: "number", Source: "ca://TEST:scaler1.S2"},
		},
	})
	if err != nil {
		t.Fatalf("descriptor: %v", err)
	}

	for i := 0; i < 3; i++ {
		ts := start.Add(time.Duration(i+1) * time.Second)
		err = repo.Consume(ctx, scan.DocEvent, &scan.Event{
			UID:           scan.NewUID(),
			DescriptorUID: descUID,
			SeqNum:        i + 1,
			Time:          ts,
			Data:          map[string]any{"energy": 8000.0 + float64(i)*0.5, "I0": float64(100 * (i + 1))},
			Timestamps:    map[string]time.Time{"energy": ts, "I0": ts},
		})
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}

	err = repo.Consume(ctx, scan.DocStop, &scan.RunStop{
		UID:        scan.NewUID(),
		RunUID:     runUID,
		Time:       start.Add(5 * time.Second),
		ExitStatus: scan.ExitSuccess,
		NumEvents:  map[string]int{scan.PrimaryStream: 3},
	})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	return runUID
}

func TestConsumeAndGetRun(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	uid := seedRun(t, repo, "xafs_scan", start)

	run, err := repo.GetRun(context.Background(), uid)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.PlanName != "xafs_scan" {
		t.Errorf("plan name = %q", run.PlanName)
	}
	if !run.StartTime.Equal(start) {
		t.Errorf("start time = %v, want %v", run.StartTime, start)
	}
	if run.StopTime == nil || !run.StopTime.Equal(start.Add(5*time.Second)) {
		t.Errorf("stop time = %v", run.StopTime)
	}
	if run.ExitStatus != string(scan.ExitSuccess) {
		t.Errorf("exit status = %q", run.ExitStatus)
	}
	if run.NumEvents != 3 {
		t.Errorf("num events = %d", run.NumEvents)
	}
	if run.Metadata["beamline"] != "25-ID-C" {
		t.Errorf("metadata = %v", run.Metadata)
	}
	if run.PlanArgs["num"] != 3.0 {
		t.Errorf("plan args = %v", run.PlanArgs)
	}
}

func TestGetRunNotFound(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	if _, err := repo.GetRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStopWithoutStart(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	err := repo.Consume(context.Background(), scan.DocStop, &scan.RunStop{
		UID: scan.NewUID(), RunUID: "orphan", Time: time.Now(),
		ExitStatus: scan.ExitSuccess,
	})
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStopSumsStreamCounts(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	runUID := scan.NewUID()
	err := repo.Consume(ctx, scan.DocStart, &scan.RunStart{
		UID:      runUID,
		Time:     start,
		PlanName: "fly_line_scan",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	err = repo.Consume(ctx, scan.DocStop, &scan.RunStop{
		UID:        scan.NewUID(),
		RunUID:     runUID,
		Time:       start.Add(time.Minute),
		ExitStatus: scan.ExitSuccess,
		NumEvents:  map[string]int{scan.PrimaryStream: 40, "aerotech_raw": 42},
	})
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	run, err := repo.GetRun(ctx, runUID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.NumEvents != 82 {
		t.Errorf("num events = %d, want 82", run.NumEvents)
	}
	if run.ExitStatus != string(scan.ExitSuccess) {
		t.Errorf("exit status = %q", run.ExitStatus)
	}
}

func TestListRuns(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	seedRun(t, repo, "xafs_scan", t0)
	seedRun(t, repo, "fly_line_scan", t0.Add(time.Hour))
	seedRun(t, repo, "xafs_scan", t0.Add(2*time.Hour))

	ctx := context.Background()

	all, err := repo.ListRuns(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if all.Total != 3 || len(all.Runs) != 3 {
		t.Fatalf("total = %d, runs = %d", all.Total, len(all.Runs))
	}
	// Most recent first.
	if all.Runs[0].PlanName != "xafs_scan" || !all.Runs[0].StartTime.Equal(t0.Add(2*time.Hour)) {
		t.Errorf("first run = %s @ %v", all.Runs[0].PlanName, all.Runs[0].StartTime)
	}

	byPlan, err := repo.ListRuns(ctx, Filter{PlanName: "fly_line_scan"})
	if err != nil {
		t.Fatalf("list by plan: %v", err)
	}
	if byPlan.Total != 1 {
		t.Errorf("by plan total = %d", byPlan.Total)
	}

	windowed, err := repo.ListRuns(ctx, Filter{
		Since: t0.Add(30 * time.Minute),
		Until: t0.Add(90 * time.Minute),
	})
	if err != nil {
		t.Fatalf("list windowed: %v", err)
	}
	if windowed.Total != 1 || windowed.Runs[0].PlanName != "fly_line_scan" {
		t.Errorf("windowed = %+v", windowed)
	}

	limited, err := repo.ListRuns(ctx, Filter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if limited.Total != 3 || len(limited.Runs) != 2 {
		t.Errorf("limited total = %d, runs = %d", limited.Total, len(limited.Runs))
	}
}

func TestGetEvents(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	uid := seedRun(t, repo, "xafs_scan", start)

	events, err := repo.GetEvents(context.Background(), uid, scan.PrimaryStream)
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	for i, ev := range events {
		if ev.SeqNum != i+1 {
			t.Errorf("event %d seq = %d", i, ev.SeqNum)
		}
	}
	if events[0].Data["energy"] != 8000.0 {
		t.Errorf("energy = %v", events[0].Data["energy"])
	}
	wantTS := start.Add(time.Second)
	if !events[0].Timestamps["energy"].Equal(wantTS) {
		t.Errorf("timestamp = %v, want %v", events[0].Timestamps["energy"], wantTS)
	}

	if _, err := repo.GetEvents(context.Background(), uid, "baseline"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestGetStreams(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	uid := seedRun(t, repo, "xafs_scan", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	streams, err := repo.GetStreams(context.Background(), uid)
	if err != nil {
		t.Fatalf("get streams: %v", err)
	}
	if len(streams) != 1 || streams[0].Name != scan.PrimaryStream {
		t.Fatalf("streams = %+v", streams)
	}
	if streams[0].DataKeys["energy"].Units != "eV" {
		t.Errorf("data keys = %+v", streams[0].DataKeys)
	}
}

func TestAssembleTable(t *testing.T) {
	repo := NewSQLiteRepository(testDB(t))
	uid := seedRun(t, repo, "xafs_scan", time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	table, err := repo.AssembleTable(context.Background(), uid, scan.PrimaryStream)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	// Columns in sorted order.
	if len(table.Columns) != 2 || table.Columns[0] != "I0" || table.Columns[1] != "energy" {
		t.Fatalf("columns = %v", table.Columns)
	}
	if len(table.Rows) != 3 {
		t.Fatalf("rows = %d", len(table.Rows))
	}
	if table.Rows[2][0] != 300.0 || table.Rows[2][1] != 8001.0 {
		t.Errorf("last row = %v", table.Rows[2])
	}
}
