package command

import (
	"context"
	"fmt"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/schema"
	"github.com/offboard-control/fcb/internal/setpoint"
)

// dispatchEntry builds the transport setpoint for one control type.
type dispatchEntry struct {
	commandType string
	build       func(fields map[string]float64) adapter.Setpoint
}

// dispatchTable maps each control type to its setpoint builder. Supporting
// a new control type means adding an entry here.
var dispatchTable = map[schema.ControlType]dispatchEntry{
	schema.ControlVelocityBodyOffboard: {
		commandType: "set_velocity_body",
		build: func(f map[string]float64) adapter.Setpoint {
			return adapter.VelocityBody{
				ForwardMS:    f["vel_body_fwd"],
				RightMS:      f["vel_body_right"],
				DownMS:       f["vel_body_down"],
				YawspeedDegS: f["yawspeed_deg_s"],
			}
		},
	},
	schema.ControlAttitudeRate: {
		commandType: "set_attitude_rate",
		build: func(f map[string]float64) adapter.Setpoint {
			return adapter.AttitudeRate{
				RollDegS:  f["rollspeed_deg_s"],
				PitchDegS: f["pitchspeed_deg_s"],
				YawDegS:   f["yawspeed_deg_s"],
				Thrust:    f["thrust"],
			}
		},
	},
	// Legacy field names, same command shape as velocity_body_offboard.
	schema.ControlVelocityBody: {
		commandType: "set_velocity_body_legacy",
		build: func(f map[string]float64) adapter.Setpoint {
			return adapter.VelocityBody{
				ForwardMS:    f["vel_x"],
				RightMS:      f["vel_y"],
				DownMS:       f["vel_z"],
				YawspeedDegS: f["yaw_rate"],
			}
		},
	},
}

// SupportedControlTypes lists the control types with a dispatch entry.
func SupportedControlTypes() []schema.ControlType {
	out := make([]schema.ControlType, 0, len(dispatchTable))
	for ct := range dispatchTable {
		out = append(out, ct)
	}
	return out
}

// DispatchResult describes one SendCommandsUnified call. Suppressed means the
// circuit breaker held the command back; it is not a failure.
type DispatchResult struct {
	ControlType schema.ControlType `json:"controlType"`
	CommandType string             `json:"commandType"`
	Setpoint    adapter.Setpoint   `json:"setpoint"`
	Suppressed  bool               `json:"suppressed"`
}

// SendCommandsUnified reads the validator's control type and fields and
// sends the matching setpoint. Unknown control types fail before any
// transport call; with the circuit breaker active the command is logged
// and reported as suppressed.
func (o *Orchestrator) SendCommandsUnified(ctx context.Context) (DispatchResult, error) {
	start := o.now()

	o.spMu.Lock()
	v := o.setpoints
	if v == nil {
		o.spMu.Unlock()
		return DispatchResult{}, ErrNoSetpointSource
	}
	ct, fields := v.ControlType(), v.Fields()
	o.spMu.Unlock()

	res := DispatchResult{ControlType: ct}
	entry, ok := dispatchTable[ct]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnsupportedControlType, ct)
		o.logAudit(ctx, "sendCommandsUnified", outcomeRejected,
			map[string]any{"controlType": string(ct)}, err, start)
		return res, err
	}
	res.CommandType = entry.commandType
	res.Setpoint = entry.build(fields)

	if o.gate.IsActive() {
		o.gate.LogCommandInsteadOfExecute(entry.commandType, "send_commands_unified", fields)
		res.Suppressed = true
		o.logAudit(ctx, "sendCommandsUnified", outcomeSuppressed, dispatchParams(ct, fields), nil, start)
		return res, nil
	}

	if o.Phase() == PhaseDisconnected {
		o.logAudit(ctx, "sendCommandsUnified", outcomeRejected, dispatchParams(ct, fields), ErrNotConnected, start)
		return res, ErrNotConnected
	}
	if err := o.ensureLink(ctx); err != nil {
		o.logAudit(ctx, "sendCommandsUnified", outcomeError, dispatchParams(ct, fields), err, start)
		return res, err
	}

	err := o.call(ctx, entry.commandType, func(ctx context.Context) error {
		return o.commands.SendSetpoint(ctx, res.Setpoint)
	})
	if err != nil {
		o.logAudit(ctx, "sendCommandsUnified", outcomeError, dispatchParams(ct, fields), err, start)
		return res, err
	}
	o.markSetpointSent()
	return res, nil
}

// ApplySetpoint writes fields into the validator and dispatches once.
func (o *Orchestrator) ApplySetpoint(ctx context.Context, fields map[string]float64) (DispatchResult, error) {
	err := o.WithSetpoint(func(v *setpoint.Validator) error {
		return v.SetFields(fields)
	})
	if err != nil {
		o.logAudit(ctx, "applySetpoint", outcomeRejected, map[string]any{"fields": fields}, err, o.now())
		return DispatchResult{}, err
	}
	return o.SendCommandsUnified(ctx)
}

func dispatchParams(ct schema.ControlType, fields map[string]float64) map[string]any {
	return map[string]any{"controlType": string(ct), "fields": fields}
}
