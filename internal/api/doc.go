// Package api serves the bridge's HTTP surface under /api/v1: health, vehicle
// status, the telemetry event stream, setpoint writes, offboard and
// emergency actions, and the circuit breaker.
//
// Every JSON response uses the same envelope with a correlation ID. Errors
// from the orchestrator are mapped to stable codes in errors.go.
package api
