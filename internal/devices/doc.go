// Package devices defines the hardware abstractions for the beamline:
// signals bound to EPICS process variables, composed into typed devices
// (motors, ion chambers, mirrors, slits, the monochromator and
// undulator), with the read/configuration/hint classification that
// controls what each device contributes to scan data streams.
//
// A Signal is one control-system channel. A Device bundles signals and
// exposes the lifecycle the scan engine drives: Connect, Read,
// ReadConfiguration, Describe, plus capability interfaces (Movable,
// Stoppable, Triggerable, Flyable, Predictor) that plans discover with
// type assertions.
//
// All device I/O flows through the Transport interface, so the same
// device definitions run against live Channel Access circuits or the
// in-memory simulation used on development machines and in tests.
package devices
