package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/apsidal/beamline-core/internal/devices"
	"github.com/apsidal/beamline-core/internal/scan"
)

// Run is a catalog view of one scan: the start-document fields joined
// with the stop outcome once the run has finished.
type Run struct {
	UID        string         `json:"uid"`
	PlanName   string         `json:"plan_name"`
	PlanArgs   map[string]any `json:"plan_args,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Hints      map[string]any `json:"hints,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	StopTime   *time.Time     `json:"stop_time,omitempty"`
	ExitStatus string         `json:"exit_status,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	NumEvents  int            `json:"num_events"`
}

// Stream is one named event stream within a run.
type Stream struct {
	UID      string                     `json:"uid"`
	RunUID   string                     `json:"run_uid"`
	Name     string                     `json:"name"`
	DataKeys map[string]devices.DataKey `json:"data_keys"`
}

// Filter controls which runs ListRuns returns.
type Filter struct {
	PlanName string    // optional: filter by plan name
	Since    time.Time // optional: runs started at or after this time
	Until    time.Time // optional: runs started before this time
	Limit    int       // default 50, max 500
	Offset   int       // pagination offset
}

// ListResult contains paginated run results.
type ListResult struct {
	Runs   []Run `json:"runs"`
	Total  int   `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

// Table is a stream's events assembled column-wise: one column per
// data key in sorted order, one row per event in sequence order.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// SQLiteRepository stores scan documents in SQLite. It implements
// scan.Sink, so it can be subscribed directly to the run engine.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a catalog repository over an open
// database with the runs schema applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Consume routes one engine document to its table.
//
// Parameters:
//   - t: Document type
//   - doc: *scan.RunStart, *scan.EventDescriptor, *scan.Event, or
//     *scan.RunStop according to t
func (r *SQLiteRepository) Consume(ctx context.Context, t scan.DocumentType, doc any) error {
	switch t {
	case scan.DocStart:
		start, ok := doc.(*scan.RunStart)
		if !ok {
			return fmt.Errorf("catalog: start document has type %T", doc)
		}
		return r.insertStart(ctx, start)
	case scan.DocDescriptor:
		d, ok := doc.(*scan.EventDescriptor)
		if !ok {
			return fmt.Errorf("catalog: descriptor document has type %T", doc)
		}
		return r.insertDescriptor(ctx, d)
	case scan.DocEvent:
		ev, ok := doc.(*scan.Event)
		if !ok {
			return fmt.Errorf("catalog: event document has type %T", doc)
		}
		return r.insertEvent(ctx, ev)
	case scan.DocStop:
		stop, ok := doc.(*scan.RunStop)
		if !ok {
			return fmt.Errorf("catalog: stop document has type %T", doc)
		}
		return r.insertStop(ctx, stop)
	default:
		return fmt.Errorf("catalog: unknown document type %q", t)
	}
}

func (r *SQLiteRepository) insertStart(ctx context.Context, start *scan.RunStart) error {
	args, err := marshalJSON(start.PlanArgs)
	if err != nil {
		return fmt.Errorf("marshalling plan args: %w", err)
	}
	md, err := marshalJSON(start.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}
	hints, err := marshalJSON(start.Hints)
	if err != nil {
		return fmt.Errorf("marshalling hints: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO runs (uid, plan_name, plan_args, metadata, hints, start_time, num_events)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		start.UID, start.PlanName, args, md, hints,
		start.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", start.UID, err)
	}
	return nil
}

func (r *SQLiteRepository) insertDescriptor(ctx context.Context, d *scan.EventDescriptor) error {
	keys, err := marshalJSON(d.DataKeys)
	if err != nil {
		return fmt.Errorf("marshalling data keys: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO run_streams (uid, run_uid, name, data_keys, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.UID, d.RunUID, d.StreamName, keys,
		d.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting stream %s: %w", d.StreamName, err)
	}
	return nil
}

func (r *SQLiteRepository) insertEvent(ctx context.Context, ev *scan.Event) error {
	data, err := marshalJSON(ev.Data)
	if err != nil {
		return fmt.Errorf("marshalling event data: %w", err)
	}
	stamps := make(map[string]string, len(ev.Timestamps))
	for k, ts := range ev.Timestamps {
		stamps[k] = ts.UTC().Format(time.RFC3339Nano)
	}
	stampsJSON, err := marshalJSON(stamps)
	if err != nil {
		return fmt.Errorf("marshalling event timestamps: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO run_events (uid, stream_uid, seq_num, time, data, timestamps)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.UID, ev.DescriptorUID, ev.SeqNum,
		ev.Time.UTC().Format(time.RFC3339Nano), data, stampsJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting event %d: %w", ev.SeqNum, err)
	}
	return nil
}

func (r *SQLiteRepository) insertStop(ctx context.Context, stop *scan.RunStop) error {
	// The stop document counts events per stream; the catalog column
	// holds the run total. Per-stream counts remain recoverable from
	// the event tables.
	total := 0
	for _, n := range stop.NumEvents {
		total += n
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET stop_time = ?, exit_status = ?, reason = ?, num_events = ?
		 WHERE uid = ?`,
		stop.Time.UTC().Format(time.RFC3339Nano),
		string(stop.ExitStatus), nullableString(stop.Reason), total,
		stop.RunUID,
	)
	if err != nil {
		return fmt.Errorf("closing run %s: %w", stop.RunUID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, stop.RunUID)
	}
	return nil
}

// GetRun fetches one run by UID.
//
// Returns ErrRunNotFound when no such run exists.
func (r *SQLiteRepository) GetRun(ctx context.Context, uid string) (*Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT uid, plan_name, plan_args, metadata, hints, start_time,
		        stop_time, exit_status, reason, num_events
		 FROM runs WHERE uid = ?`, uid)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, uid)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", uid, err)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, most recent first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 { //nolint:mnd // max page size for run listings
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.PlanName != "" {
		conditions = append(conditions, "plan_name = ?")
		args = append(args, filter.PlanName)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "start_time >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "start_time < ?")
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM runs %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT uid, plan_name, plan_args, metadata, hints, start_time,
		        stop_time, exit_status, reason, num_events
		 FROM runs %s ORDER BY start_time DESC LIMIT ? OFFSET ?`, where)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	if runs == nil {
		runs = []Run{}
	}

	return &ListResult{Runs: runs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// GetStreams returns the run's streams in creation order.
func (r *SQLiteRepository) GetStreams(ctx context.Context, runUID string) ([]Stream, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT uid, run_uid, name, data_keys
		 FROM run_streams WHERE run_uid = ? ORDER BY created_at, uid`, runUID)
	if err != nil {
		return nil, fmt.Errorf("querying streams for %s: %w", runUID, err)
	}
	defer rows.Close()

	var streams []Stream
	for rows.Next() {
		var s Stream
		var keysJSON string
		if err := rows.Scan(&s.UID, &s.RunUID, &s.Name, &keysJSON); err != nil {
			return nil, fmt.Errorf("scanning stream: %w", err)
		}
		if err := json.Unmarshal([]byte(keysJSON), &s.DataKeys); err != nil {
			return nil, fmt.Errorf("parsing data keys for stream %s: %w", s.Name, err)
		}
		streams = append(streams, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating streams: %w", err)
	}
	return streams, nil
}

// GetEvents returns a stream's events in sequence order.
//
// Returns ErrStreamNotFound when the run has no stream with that name.
func (r *SQLiteRepository) GetEvents(ctx context.Context, runUID, streamName string) ([]scan.Event, error) {
	var streamUID string
	err := r.db.QueryRowContext(ctx,
		`SELECT uid FROM run_streams WHERE run_uid = ? AND name = ?`,
		runUID, streamName).Scan(&streamUID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrStreamNotFound, runUID, streamName)
	}
	if err != nil {
		return nil, fmt.Errorf("querying stream %s: %w", streamName, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT uid, seq_num, time, data, timestamps
		 FROM run_events WHERE stream_uid = ? ORDER BY seq_num`, streamUID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []scan.Event
	for rows.Next() {
		var ev scan.Event
		var timeStr, dataJSON, stampsJSON string
		if err := rows.Scan(&ev.UID, &ev.SeqNum, &timeStr, &dataJSON, &stampsJSON); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.DescriptorUID = streamUID

		ev.Time, err = time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("parsing event time %q: %w", timeStr, err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &ev.Data); err != nil {
			return nil, fmt.Errorf("parsing event data: %w", err)
		}

		var stamps map[string]string
		if err := json.Unmarshal([]byte(stampsJSON), &stamps); err != nil {
			return nil, fmt.Errorf("parsing event timestamps: %w", err)
		}
		ev.Timestamps = make(map[string]time.Time, len(stamps))
		for k, s := range stamps {
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("parsing timestamp for %s: %w", k, err)
			}
			ev.Timestamps[k] = ts
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// AssembleTable builds a column-wise table from a stream's events.
// Columns are the union of event data keys in sorted order; missing
// values are nil.
func (r *SQLiteRepository) AssembleTable(ctx context.Context, runUID, streamName string) (*Table, error) {
	events, err := r.GetEvents(ctx, runUID, streamName)
	if err != nil {
		return nil, err
	}

	colSet := make(map[string]bool)
	for _, ev := range events {
		for k := range ev.Data {
			colSet[k] = true
		}
	}
	columns := make([]string, 0, len(colSet))
	for k := range colSet {
		columns = append(columns, k)
	}
	sort.Strings(columns)

	rows := make([][]any, len(events))
	for i, ev := range events {
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j] = ev.Data[col]
		}
		rows[i] = row
	}
	return &Table{Columns: columns, Rows: rows}, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanRun.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var argsJSON, mdJSON, hintsJSON sql.NullString
	var startStr string
	var stopStr, exitStatus, reason sql.NullString

	if err := s.Scan(&run.UID, &run.PlanName, &argsJSON, &mdJSON, &hintsJSON,
		&startStr, &stopStr, &exitStatus, &reason, &run.NumEvents); err != nil {
		return nil, err
	}

	var err error
	run.StartTime, err = time.Parse(time.RFC3339Nano, startStr)
	if err != nil {
		return nil, fmt.Errorf("parsing start time %q: %w", startStr, err)
	}
	if stopStr.Valid {
		t, err := time.Parse(time.RFC3339Nano, stopStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing stop time %q: %w", stopStr.String, err)
		}
		run.StopTime = &t
	}
	if exitStatus.Valid {
		run.ExitStatus = exitStatus.String
	}
	if reason.Valid {
		run.Reason = reason.String
	}

	if err := unmarshalJSON(argsJSON, &run.PlanArgs); err != nil {
		return nil, fmt.Errorf("parsing plan args: %w", err)
	}
	if err := unmarshalJSON(mdJSON, &run.Metadata); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	if err := unmarshalJSON(hintsJSON, &run.Hints); err != nil {
		return nil, fmt.Errorf("parsing hints: %w", err)
	}
	return &run, nil
}

// marshalJSON encodes v, mapping nil maps to SQL NULL.
func marshalJSON(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case map[string]string:
		if x == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, dst *map[string]any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

// nullableString returns nil for empty strings. Used for nullable TEXT
// columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
