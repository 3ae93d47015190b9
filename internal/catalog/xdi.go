package catalog

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apsidal/beamline-core/internal/scan"
)

// xdiVersion is the XDI specification version emitted in the first
// header line.
const xdiVersion = "XDI/1.0"

// ExportXDI writes a run's primary stream as an XAFS Data Interchange
// text file: versioned header fields, numbered column labels with
// units, then one tab-separated row per event.
//
// Parameters:
//   - runUID: Run to export
//   - w: Destination writer
//
// Returns ErrRunNotFound or ErrStreamNotFound when the run or its
// primary stream is missing.
func (r *SQLiteRepository) ExportXDI(ctx context.Context, runUID string, w io.Writer) error {
	run, err := r.GetRun(ctx, runUID)
	if err != nil {
		return err
	}

	streams, err := r.GetStreams(ctx, runUID)
	if err != nil {
		return err
	}
	var primary *Stream
	for i := range streams {
		if streams[i].Name == scan.PrimaryStream {
			primary = &streams[i]
			break
		}
	}
	if primary == nil {
		return fmt.Errorf("%w: %s/%s", ErrStreamNotFound, runUID, scan.PrimaryStream)
	}

	table, err := r.AssembleTable(ctx, runUID, scan.PrimaryStream)
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s beamline-core\n", xdiVersion)
	for i, col := range table.Columns {
		label := col
		if dk, ok := primary.DataKeys[col]; ok && dk.Units != "" {
			label += " " + dk.Units
		}
		fmt.Fprintf(&b, "# Column.%d: %s\n", i+1, label)
	}

	writeMetaField(&b, "Facility.name", run.Metadata, "facility")
	writeMetaField(&b, "Beamline.name", run.Metadata, "beamline")
	fmt.Fprintf(&b, "# Scan.start_time: %s\n", run.StartTime.UTC().Format(time.RFC3339))
	if run.StopTime != nil {
		fmt.Fprintf(&b, "# Scan.end_time: %s\n", run.StopTime.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "# Scan.uid: %s\n", run.UID)
	fmt.Fprintf(&b, "# Scan.plan_name: %s\n", run.PlanName)
	if run.ExitStatus != "" {
		fmt.Fprintf(&b, "# Scan.exit_status: %s\n", run.ExitStatus)
	}

	b.WriteString("# -------------\n")
	b.WriteString("# " + strings.Join(table.Columns, "\t") + "\n")
	for _, row := range table.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = formatXDIValue(v)
		}
		b.WriteString(strings.Join(cells, "\t") + "\n")
	}

	_, err = io.WriteString(w, b.String())
	return err
}

func writeMetaField(b *strings.Builder, field string, md map[string]any, key string) {
	if md == nil {
		return
	}
	if v, ok := md[key]; ok && v != nil {
		fmt.Fprintf(b, "# %s: %v\n", field, v)
	}
}

// formatXDIValue renders one cell. Floats use %g so typical energies
// and counts stay compact; missing values become "nan" to keep the
// columns aligned.
func formatXDIValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "nan"
	case float64:
		return fmt.Sprintf("%g", x)
	case float32:
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}
