// Package telemetry wraps OpenTelemetry tracing for the boot driver.
//
// A Tracer owns its own SDK provider so several machines (and tests) can
// trace side by side without sharing global state. Callers that want the
// provider registered globally call Install.
package telemetry
