// Package console stores operator console layouts.
//
// A console layout is a YAML document describing the tabs and widgets a
// GUI client renders for one endstation: motor panels, ion chamber
// readbacks, plan launchers, live plots. Layouts are authored by
// beamline staff, validated on save, and served to clients through the
// API so every workstation in the hutch shows the same screens.
//
// The package provides strict YAML parsing (unknown fields rejected),
// structural validation, and a SQLite-backed repository.
package console
