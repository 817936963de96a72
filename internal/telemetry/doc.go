// Package telemetry acquires vehicle state and fans bridge events out to
// observers.
//
// Store is the lock-protected telemetry state shared by the HTTP poller and
// the MAVLink stream fallback; it detects the OFFBOARD exit edge. Poller
// drives a Store from a TelemetryTransport on a fixed interval. Hub streams
// bridge events to SSE clients with Last-Event-ID replay.
package telemetry
