// Package command implements the flight interface orchestrator.
//
// The orchestrator owns the autopilot connection and the offboard session
// state machine, dispatches validated setpoints through a table keyed by
// control type, routes every actuation through the circuit breaker, and
// writes audit records and bridge events for each outcome.
//
//	Disconnected --Connect--> Connected --StartOffboardMode--> OffboardActive
//	OffboardActive --external mode change--> OffboardExited --> Connected
//	any --Stop--> Disconnected
package command
