// Package auth verifies bearer tokens for the bridge HTTP surface and
// enforces scopes.
//
// Viewers may read state and subscribe to telemetry. Operators may also
// actuate the vehicle. Toggling the circuit breaker needs the safety scope,
// which is granted separately from control.
package auth
