// Package process supervises helper executables the daemon depends on.
//
// EPICS sites lean on small support daemons - caRepeater foremost, at
// some installations a channel gateway too - that have to be running
// before anything else works and quietly die on occasion. A Manager
// launches one such executable in its own process group, relays its
// stdout/stderr into the daemon log, restarts it after unexpected
// exits, and optionally probes a caller-supplied health check so a
// hung-but-alive process gets killed and relaunched rather than left
// wedged.
//
// Example:
//
//	mgr := process.NewManager(process.Config{
//	    Name:             "caRepeater",
//	    Binary:           "caRepeater",
//	    Env:              []string{"EPICS_CA_REPEATER_PORT=5065"},
//	    RestartOnFailure: true,
//	})
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
