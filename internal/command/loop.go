package command

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/setpoint"
)

// Guidance computes the next setpoint from the current vehicle state. Step
// must not block.
type Guidance interface {
	Step(ctx context.Context, state VehicleState, sp *setpoint.Validator) error
}

// GuidanceFunc adapts a function to Guidance.
type GuidanceFunc func(ctx context.Context, state VehicleState, sp *setpoint.Validator) error

// Step implements Guidance.
func (f GuidanceFunc) Step(ctx context.Context, state VehicleState, sp *setpoint.Validator) error {
	return f(ctx, state, sp)
}

// OffboardExitHandler is an optional Guidance extension notified when the
// autopilot leaves offboard on its own.
type OffboardExitHandler interface {
	OffboardExited(oldMode, newMode adapter.FlightMode)
}

// ErrOffboardExited is returned by ControlLoop.Run when the autopilot left offboard.
var ErrOffboardExited = errors.New("OFFBOARD_EXITED")

// ControlLoop runs guidance then dispatch at a fixed rate.
type ControlLoop struct {
	o        *Orchestrator
	guidance Guidance
	period   time.Duration
	logger   *slog.Logger
	stopTO   time.Duration

	ticks      atomic.Int64
	suppressed atomic.Int64
	failures   atomic.Int64
}

// NewControlLoop builds a loop ticking every period.
func NewControlLoop(o *Orchestrator, g Guidance, period time.Duration) *ControlLoop {
	return &ControlLoop{
		o:        o,
		guidance: g,
		period:   period,
		logger:   o.logger,
		stopTO:   2 * time.Second,
	}
}

// LoopStats counts loop activity.
type LoopStats struct {
	Ticks      int64 `json:"ticks"`
	Suppressed int64 `json:"suppressed"`
	Failures   int64 `json:"failures"`
}

// Stats returns counters since construction.
func (l *ControlLoop) Stats() LoopStats {
	return LoopStats{
		Ticks:      l.ticks.Load(),
		Suppressed: l.suppressed.Load(),
		Failures:   l.failures.Load(),
	}
}

// Run ticks until ctx ends, the autopilot exits offboard, or the profile's
// control type cannot be dispatched. On return it stops offboard if the
// session is still active, so the vehicle never waits on a dead sender.
func (l *ControlLoop) Run(ctx context.Context) error {
	exited := make(chan struct{}, 1)
	remove := l.o.OnOffboardExit(func(oldMode, newMode adapter.FlightMode) {
		if h, ok := l.guidance.(OffboardExitHandler); ok {
			h.OffboardExited(oldMode, newMode)
		}
		select {
		case exited <- struct{}{}:
		default:
		}
	})
	defer remove()
	defer l.teardown()

	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-exited:
			l.logger.Warn("control loop stopping: offboard exited")
			return ErrOffboardExited
		case <-ticker.C:
		}

		if err := l.tick(ctx); err != nil {
			return err
		}
	}
}

func (l *ControlLoop) tick(ctx context.Context) error {
	l.ticks.Add(1)
	state := l.o.VehicleState()

	err := l.o.WithSetpoint(func(v *setpoint.Validator) error {
		return l.guidance.Step(ctx, state, v)
	})
	if errors.Is(err, ErrNoSetpointSource) {
		return err
	}
	if err != nil {
		l.failures.Add(1)
		l.logger.Warn("guidance step failed, holding last setpoint", slog.Any("error", err))
	}

	res, err := l.o.SendCommandsUnified(ctx)
	switch {
	case errors.Is(err, ErrUnsupportedControlType):
		return err
	case err != nil:
		l.failures.Add(1)
	case res.Suppressed:
		l.suppressed.Add(1)
	}
	return nil
}

func (l *ControlLoop) teardown() {
	if l.o.Phase() != PhaseOffboardActive {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.stopTO)
	defer cancel()
	if _, err := l.o.StopOffboardMode(ctx); err != nil {
		l.logger.Error("control loop teardown: offboard stop failed", slog.Any("error", err))
	}
}
