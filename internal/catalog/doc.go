// Package catalog persists scan documents to SQLite and serves them
// back for browsing and export.
//
// The repository subscribes to the run engine as a document sink:
// every run start, descriptor, event, and stop lands in the runs,
// run_streams, and run_events tables as it is emitted. Completed runs
// can then be listed, fetched with their streams, assembled into
// column tables, or exported as XDI text files.
package catalog
