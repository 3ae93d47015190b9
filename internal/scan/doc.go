// Package scan runs data-acquisition plans and emits the document
// stream describing them.
//
// A plan is a recipe (count, step scan, fly scan, energy move) executed
// against live devices. The engine runs one plan at a time and fans the
// resulting documents out to subscribed sinks: run start, one
// descriptor per data stream, timestamped events, and a final stop with
// exit status. Sinks persist, publish, or display the stream; a sink
// failure never fails the run.
package scan
