// Package telemetry wires OpenTelemetry tracing and metric instruments for
// polis-tap.
//
// It owns the process-wide tracer provider bootstrap and the token alert
// instruments, so that a structural token problem shows up as a counter, a
// span event and a log record at the same time.
package telemetry
