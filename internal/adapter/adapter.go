package adapter

import (
	"context"
)

// Setpoint is a command shape understood by a CommandTransport.
type Setpoint interface {
	Kind() string
}

// VelocityBody is a body-frame velocity with yaw rate (FRD axes).
type VelocityBody struct {
	ForwardMS    float64 `json:"forwardMs"`
	RightMS      float64 `json:"rightMs"`
	DownMS       float64 `json:"downMs"`
	YawspeedDegS float64 `json:"yawspeedDegS"`
}

// Kind implements Setpoint.
func (VelocityBody) Kind() string { return "velocity_body" }

// AttitudeRate is a body angular rate command with normalized thrust.
type AttitudeRate struct {
	RollDegS  float64 `json:"rollDegS"`
	PitchDegS float64 `json:"pitchDegS"`
	YawDegS   float64 `json:"yawDegS"`
	Thrust    float64 `json:"thrust"`
}

// Kind implements Setpoint.
func (AttitudeRate) Kind() string { return "attitude_rate" }

// CommandTransport is the actuation side of the autopilot link.
type CommandTransport interface {
	// Connect opens the link and blocks until the vehicle is heard or ctx ends.
	Connect(ctx context.Context) error

	// Close releases the link.
	Close() error

	Arm(ctx context.Context) error
	Disarm(ctx context.Context) error

	// StartOffboard requests OFFBOARD. The autopilot rejects it unless
	// setpoints are already streaming.
	StartOffboard(ctx context.Context) error

	// StopOffboard requests a hand-back; the autopilot picks the resulting mode.
	StopOffboard(ctx context.Context) error

	// SendSetpoint sends one setpoint. Unknown shapes return ErrRejected.
	SendSetpoint(ctx context.Context, sp Setpoint) error

	ReturnToLaunch(ctx context.Context) error

	// Hold switches to the autopilot's loiter/hold mode.
	Hold(ctx context.Context) error
}

// DataPoint names one telemetry value inside a MAVLink message.
type DataPoint struct {
	Name    string  `json:"name" yaml:"name"`
	Message string  `json:"message" yaml:"message"`
	Field   string  `json:"field" yaml:"field"`
	Scale   float64 `json:"scale,omitempty" yaml:"scale"`
}

// TelemetryTransport fetches raw (unscaled) values for a set of data points
// in one request. Points absent from the response are omitted from the map.
type TelemetryTransport interface {
	FetchPoints(ctx context.Context, points []DataPoint) (map[string]float64, error)
}
