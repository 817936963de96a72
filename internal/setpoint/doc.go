// Package setpoint validates and bounds guidance output against a command
// profile and exposes the resulting field values plus the profile's control type.
package setpoint
