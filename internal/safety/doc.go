// Package safety implements the circuit breaker that suppresses actuation
// while leaving telemetry untouched.
//
// Every command entry point asks the Gate before touching a transport. While
// the gate is active the command is recorded in a bounded history and logged
// instead of executed. Telemetry paths never consult the gate.
package safety
