// Package config assembles bridge configuration from baseline defaults,
// FCB_* environment overrides and an optional JSON file, then validates it.
//
// Config also serves the named safety limits consulted by setpoint validation.
package config
