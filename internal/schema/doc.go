// Package schema holds the command schema: field definitions, named profiles
// and the control type each profile dispatches to.
//
// A Schema is parsed once at startup and shared read-only by every setpoint
// validator. Dangling references between profiles and fields are rejected at
// load time so they can never surface as runtime errors.
package schema
