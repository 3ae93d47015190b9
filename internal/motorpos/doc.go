// Package motorpos saves and recalls named motor position snapshots.
//
// A snapshot captures each motor's user readback and offset at save
// time. Snapshots persist to SQLite and can later be recalled, which
// moves every captured motor back to its saved readback through the
// run engine.
package motorpos
