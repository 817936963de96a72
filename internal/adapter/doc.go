// Package adapter defines the two transport capabilities the bridge drives:
// CommandTransport for actuation and TelemetryTransport for polled vehicle
// state. It also owns the shared vocabulary both sides speak (setpoint
// shapes, PX4 flight-mode codes) and the table-driven normalization of
// transport errors into a small set of codes.
package adapter
