// Package adaptertest provides transport-agnostic conformance checks for
// adapter.CommandTransport implementations.
package adaptertest

import (
	"context"
	"errors"
	"testing"

	"github.com/offboard-control/fcb/internal/adapter"
)

// Factory returns a connected transport. Cleanup is the factory's job.
type Factory func(t *testing.T) adapter.CommandTransport

type unknownSetpoint struct{}

func (unknownSetpoint) Kind() string { return "conformance_unknown" }

// RunCommandConformance checks the behaviour every CommandTransport must share.
func RunCommandConformance(t *testing.T, newTransport Factory) {
	t.Run("SetpointShapes", func(t *testing.T) {
		tr := newTransport(t)
		ctx := context.Background()
		shapes := []adapter.Setpoint{
			adapter.VelocityBody{ForwardMS: 1, YawspeedDegS: 10},
			adapter.AttitudeRate{RollDegS: 5, Thrust: 0.5},
		}
		for _, sp := range shapes {
			if err := tr.SendSetpoint(ctx, sp); err != nil {
				t.Errorf("SendSetpoint(%s): %v", sp.Kind(), err)
			}
		}
	})

	t.Run("UnknownShapeRejected", func(t *testing.T) {
		tr := newTransport(t)
		err := tr.SendSetpoint(context.Background(), unknownSetpoint{})
		if !errors.Is(err, adapter.ErrRejected) {
			t.Errorf("SendSetpoint(unknown) = %v, want ErrRejected", err)
		}
	})

	t.Run("Actions", func(t *testing.T) {
		tr := newTransport(t)
		ctx := context.Background()
		actions := map[string]func(context.Context) error{
			"Arm":            tr.Arm,
			"StartOffboard":  tr.StartOffboard,
			"StopOffboard":   tr.StopOffboard,
			"Hold":           tr.Hold,
			"ReturnToLaunch": tr.ReturnToLaunch,
			"Disarm":         tr.Disarm,
		}
		for name, fn := range actions {
			if err := fn(ctx); err != nil {
				t.Errorf("%s: %v", name, err)
			}
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		tr := newTransport(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := tr.SendSetpoint(ctx, adapter.VelocityBody{}); err == nil {
			t.Error("SendSetpoint with cancelled context succeeded")
		}
		if err := tr.StartOffboard(ctx); err == nil {
			t.Error("StartOffboard with cancelled context succeeded")
		}
	})

	t.Run("CloseIdempotent", func(t *testing.T) {
		tr := newTransport(t)
		if err := tr.Close(); err != nil {
			t.Fatalf("first Close: %v", err)
		}
		if err := tr.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
	})
}
