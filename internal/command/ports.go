package command

import (
	"context"
	"errors"
	"time"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/telemetry"
)

var (
	// ErrConnection wraps a failed Connect.
	ErrConnection = errors.New("CONNECTION_ERROR")
	// ErrNotConnected is returned by actuation calls made while disconnected.
	ErrNotConnected = errors.New("NOT_CONNECTED")
	// ErrUnsupportedControlType means the profile's control type has no dispatch entry.
	ErrUnsupportedControlType = errors.New("UNSUPPORTED_CONTROL_TYPE")
	// ErrNoSetpointSource means no setpoint validator is attached.
	ErrNoSetpointSource = errors.New("NO_SETPOINT_SOURCE")
	// ErrPrecondition means an offboard start precondition failed.
	ErrPrecondition = errors.New("PRECONDITION_FAILED")
)

// TelemetrySource is satisfied by both telemetry.Poller and mavlink.Stream.
type TelemetrySource interface {
	Start(ctx context.Context) error
	Stop()
	OnOffboardExit(fn telemetry.ModeChangeFunc)
	Snapshot() telemetry.Snapshot
	FetchAttitudeData() telemetry.Attitude
	FetchAltitudeData() telemetry.Altitude
	FetchGroundSpeed() float64
	FetchThrottlePercent() float64
	IsArmed() bool
	FlightMode() (adapter.FlightMode, bool)
}

// AuditLogger records actuation outcomes.
type AuditLogger interface {
	LogAction(ctx context.Context, action, outcome string, params map[string]any, err error, latency time.Duration)
}

// EventPublisher receives bridge events. telemetry.Hub implements it.
type EventPublisher interface {
	PublishType(typ string, data map[string]any)
}

// Publishers fans one event out to several sinks.
type Publishers []EventPublisher

// PublishType implements EventPublisher.
func (ps Publishers) PublishType(typ string, data map[string]any) {
	for _, p := range ps {
		p.PublishType(typ, data)
	}
}
