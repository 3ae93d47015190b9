// Package repeater supervises a local caRepeater process.
//
// Channel Access servers announce themselves with periodic UDP beacons.
// caRepeater fans those beacons out to every CA client on the host, so
// co-located tools (camonitor, MEDM, this daemon) all see server
// restarts promptly. Exactly one repeater runs per host, bound to the
// beacon port (default 5065).
//
// The manager spawns caRepeater when configured to, restarts it with
// backoff if it dies, and adopts an externally started repeater when
// one already owns the port. Health is probed the way CA clients
// register: a REPEATER_REGISTER datagram that a live repeater answers
// with REPEATER_CONFIRM.
package repeater
