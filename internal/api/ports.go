package api

import (
	"context"
	"net/http"
	"time"

	"github.com/offboard-control/fcb/internal/audit"
	"github.com/offboard-control/fcb/internal/command"
	"github.com/offboard-control/fcb/internal/safety"
	"github.com/offboard-control/fcb/internal/setpoint"
	"github.com/offboard-control/fcb/internal/telemetry"
)

// OrchestratorPort is the orchestrator surface the API needs.
type OrchestratorPort interface {
	Phase() command.Phase
	FailsafeActive() bool
	VehicleState() command.VehicleState
	FieldsWithStatus() (setpoint.FieldsWithStatus, error)
	StartOffboardMode(ctx context.Context) (command.OffboardResult, error)
	StopOffboardMode(ctx context.Context) (command.ActionResult, error)
	TriggerReturnToLaunch(ctx context.Context) (command.ActionResult, error)
	TriggerFailsafe(ctx context.Context) (command.ActionResult, error)
	ApplySetpoint(ctx context.Context, fields map[string]float64) (command.DispatchResult, error)
}

// TelemetryPort streams bridge events to one client.
type TelemetryPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	ClientCount() int
}

// SafetyPort is the circuit breaker surface.
type SafetyPort interface {
	IsActive() bool
	SetActive(active bool)
	Status() safety.Status
	HistoryAfter(seq int64) []safety.SuppressedCommand
}

// AuditPort records operator actions that bypass the orchestrator.
type AuditPort interface {
	LogAction(ctx context.Context, action, outcome string, params map[string]any, err error, latency time.Duration)
}

var (
	_ OrchestratorPort = (*command.Orchestrator)(nil)
	_ TelemetryPort    = (*telemetry.Hub)(nil)
	_ SafetyPort       = (*safety.Gate)(nil)
	_ AuditPort        = (*audit.Logger)(nil)
)
