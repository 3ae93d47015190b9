package motorpos

import (
	"fmt"
	"strings"
)

// FormatTree renders snapshots as a tree for console output:
//
//	sample_transfer (a1b2c3d4, saved 2026-03-02 09:00:00)
//	┣━ stage_x: 1.5000 (offset 0.0000)
//	┗━ stage_y: 2.0000 (offset 0.1000)
func FormatTree(positions []MotorPosition) string {
	var b strings.Builder
	for i, pos := range positions {
		if i > 0 {
			b.WriteByte('\n')
		}
		uid := pos.UID
		if len(uid) > 8 { //nolint:mnd // short UID prefix for display
			uid = uid[:8]
		}
		fmt.Fprintf(&b, "%s (%s, saved %s)\n",
			pos.Name, uid, pos.SaveTime.Format("2006-01-02 15:04:05"))
		for j, axis := range pos.Motors {
			branch := "┣━"
			if j == len(pos.Motors)-1 {
				branch = "┗━"
			}
			fmt.Fprintf(&b, "%s %s: %.4f (offset %.4f)\n",
				branch, axis.Name, axis.Readback, axis.Offset)
		}
	}
	return b.String()
}
