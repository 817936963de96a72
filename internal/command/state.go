package command

import (
	"context"
	"time"

	"github.com/offboard-control/fcb/internal/telemetry"
)

// Hover throttle estimation gates.
const (
	hoverMaxGroundSpeed = 0.5
	hoverSmoothing      = 0.1
	telemetryEventEvery = time.Second
)

// VehicleState is the normalized view guidance and the API consume. It has
// the same shape whichever telemetry source is configured.
type VehicleState struct {
	Timestamp       time.Time                 `json:"ts"`
	Phase           Phase                     `json:"phase"`
	Connection      telemetry.ConnectionState `json:"connection"`
	Attitude        telemetry.Attitude        `json:"attitude"`
	Altitude        telemetry.Altitude        `json:"altitude"`
	GroundSpeedMS   float64                   `json:"groundSpeedMs"`
	ThrottlePercent float64                   `json:"throttlePercent"`
	Armed           bool                      `json:"armed"`
	FlightMode      string                    `json:"flightMode,omitempty"`
	HoverThrottle   float64                   `json:"hoverThrottle"`
	FailsafeActive  bool                      `json:"failsafeActive"`
}

// Orientation returns attitude in degrees.
func (o *Orchestrator) Orientation() telemetry.Attitude {
	return o.telemetry.FetchAttitudeData()
}

// Altitude returns altitude in metres.
func (o *Orchestrator) Altitude() telemetry.Altitude {
	return o.telemetry.FetchAltitudeData()
}

// GroundSpeed returns ground speed in m/s.
func (o *Orchestrator) GroundSpeed() float64 {
	return o.telemetry.FetchGroundSpeed()
}

// HoverThrottle returns the current hover throttle estimate in [0,1].
func (o *Orchestrator) HoverThrottle() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hoverThrottle
}

// VehicleState assembles a fresh snapshot. It never blocks on a command.
func (o *Orchestrator) VehicleState() VehicleState {
	snap := o.telemetry.Snapshot()
	st := VehicleState{
		Timestamp:       o.now(),
		Connection:      snap.ConnectionState,
		Attitude:        o.telemetry.FetchAttitudeData(),
		Altitude:        o.telemetry.FetchAltitudeData(),
		GroundSpeedMS:   o.telemetry.FetchGroundSpeed(),
		ThrottlePercent: o.telemetry.FetchThrottlePercent(),
		Armed:           snap.Armed,
		FlightMode:      snap.FlightMode,
	}
	o.mu.Lock()
	st.Phase = o.phase
	st.HoverThrottle = o.hoverThrottle
	st.FailsafeActive = o.failsafe
	o.mu.Unlock()
	return st
}

func (o *Orchestrator) startRefresh(ctx context.Context) {
	if o.refreshInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	o.mu.Lock()
	o.refreshCancel, o.refreshDone = cancel, done
	o.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.refresh()
			}
		}
	}()
}

func (o *Orchestrator) stopRefresh() {
	o.mu.Lock()
	cancel, done := o.refreshCancel, o.refreshDone
	o.refreshCancel, o.refreshDone = nil, nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// refresh updates the hover estimate and periodically publishes a
// telemetry event.
func (o *Orchestrator) refresh() {
	st := o.VehicleState()
	o.updateHover(st)

	now := o.now()
	o.mu.Lock()
	due := now.Sub(o.lastPublished) >= telemetryEventEvery
	if due {
		o.lastPublished = now
	}
	o.mu.Unlock()
	if due && o.events != nil {
		o.events.PublishType(telemetry.EventTelemetry, map[string]any{
			"attitude":      st.Attitude,
			"altitude":      st.Altitude,
			"groundSpeedMs": st.GroundSpeedMS,
			"armed":         st.Armed,
			"flightMode":    st.FlightMode,
			"connection":    st.Connection,
			"hoverThrottle": o.HoverThrottle(),
		})
	}
}

// updateHover smooths throttle into the hover estimate while the vehicle is
// armed, airborne and nearly stationary.
func (o *Orchestrator) updateHover(st VehicleState) {
	if !st.Armed || st.Altitude.RelativeM <= o.minAltitude || st.GroundSpeedMS >= hoverMaxGroundSpeed {
		return
	}
	sample := st.ThrottlePercent / 100
	if sample <= 0 || sample > 1 {
		return
	}
	o.mu.Lock()
	o.hoverThrottle += hoverSmoothing * (sample - o.hoverThrottle)
	o.mu.Unlock()
}
