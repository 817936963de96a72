package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/config"
	"github.com/offboard-control/fcb/internal/safety"
	"github.com/offboard-control/fcb/internal/setpoint"
	"github.com/offboard-control/fcb/internal/telemetry"
)

// Audit outcomes, mirrored from the audit package to keep this one free of it.
const (
	outcomeSuccess    = "SUCCESS"
	outcomeSuppressed = "SUPPRESSED"
	outcomeError      = "ERROR"
	outcomeRejected   = "REJECTED"
)

const gateSource = "orchestrator"

// Phase is the offboard session lifecycle state.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnected
	PhaseOffboardActive
	PhaseOffboardExited
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "Disconnected"
	case PhaseConnected:
		return "Connected"
	case PhaseOffboardActive:
		return "OffboardActive"
	case PhaseOffboardExited:
		return "OffboardExited"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StepResult is one step of StartOffboardMode.
type StepResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// OffboardResult reports each StartOffboardMode step so callers can see
// which precondition failed.
type OffboardResult struct {
	Success    bool         `json:"success"`
	Suppressed bool         `json:"suppressed"`
	Steps      []StepResult `json:"steps"`
}

func (r *OffboardResult) step(name string, err error) {
	s := StepResult{Name: name, OK: err == nil}
	if err != nil {
		s.Error = err.Error()
	}
	r.Steps = append(r.Steps, s)
}

// Failed returns the first failed step, if any.
func (r OffboardResult) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if !s.OK {
			return s, true
		}
	}
	return StepResult{}, false
}

// ActionResult is the outcome of a one-shot actuation. Suppressed is not an error.
type ActionResult struct {
	Action     string `json:"action"`
	Suppressed bool   `json:"suppressed"`
}

// Orchestrator coordinates the command transport, the telemetry source, the
// setpoint validator and the circuit breaker.
type Orchestrator struct {
	commands  adapter.CommandTransport
	telemetry TelemetrySource
	gate      *safety.Gate
	events    EventPublisher
	audit     AuditLogger
	logger    *slog.Logger
	now       func() time.Time

	commandTimeout  time.Duration
	retries         int
	retryBackoff    time.Duration
	refreshInterval time.Duration
	minAltitude     float64
	defaultHover    float64

	// connMu serializes opening the transport.
	connMu sync.Mutex

	spMu         sync.Mutex
	setpoints    *setpoint.Validator
	setpointSent bool

	mu            sync.Mutex
	phase         Phase
	simulated     bool
	failsafe      bool
	hoverThrottle float64
	exitHandlers  map[int]telemetry.ModeChangeFunc
	nextHandler   int
	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
	lastPublished time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEvents sets the bridge event sink.
func WithEvents(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithAuditLogger sets the audit sink.
func WithAuditLogger(a AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSetpointValidator attaches v at construction. See SetSetpointValidator.
func WithSetpointValidator(v *setpoint.Validator) Option {
	return func(o *Orchestrator) { o.setpoints = v }
}

// New wires an orchestrator. The telemetry source's offboard-exit edge is
// subscribed immediately.
func New(cfg *config.Config, commands adapter.CommandTransport, source TelemetrySource, gate *safety.Gate, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		commands:        commands,
		telemetry:       source,
		gate:            gate,
		logger:          slog.Default(),
		now:             time.Now,
		commandTimeout:  cfg.CommandTimeout,
		retries:         cfg.CommandRetries,
		retryBackoff:    cfg.CommandRetryBackoff,
		refreshInterval: cfg.TelemetryRefreshInterval,
		minAltitude:     cfg.MinAltitude,
		defaultHover:    cfg.DefaultHoverThrottle,
		hoverThrottle:   cfg.DefaultHoverThrottle,
		exitHandlers:    make(map[int]telemetry.ModeChangeFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	source.OnOffboardExit(o.handleOffboardExit)
	return o
}

// SetSetpointValidator replaces the setpoint source after checking its
// profile against the control-type field rules.
func (o *Orchestrator) SetSetpointValidator(v *setpoint.Validator) error {
	if v != nil {
		if err := v.ValidateProfileConsistency(); err != nil {
			return err
		}
	}
	o.spMu.Lock()
	defer o.spMu.Unlock()
	o.setpoints = v
	return nil
}

// WithSetpoint runs fn with exclusive access to the attached validator.
func (o *Orchestrator) WithSetpoint(fn func(v *setpoint.Validator) error) error {
	o.spMu.Lock()
	defer o.spMu.Unlock()
	if o.setpoints == nil {
		return ErrNoSetpointSource
	}
	return fn(o.setpoints)
}

// FieldsWithStatus returns the current setpoint fields with the circuit breaker block.
func (o *Orchestrator) FieldsWithStatus() (setpoint.FieldsWithStatus, error) {
	var out setpoint.FieldsWithStatus
	err := o.WithSetpoint(func(v *setpoint.Validator) error {
		out = v.FieldsWithStatus()
		return nil
	})
	return out, err
}

// OnOffboardExit registers fn for external offboard exits and returns a
// function that removes it.
func (o *Orchestrator) OnOffboardExit(fn telemetry.ModeChangeFunc) (remove func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextHandler
	o.nextHandler++
	o.exitHandlers[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.exitHandlers, id)
	}
}

// Phase returns the session phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// FailsafeActive reports whether TriggerFailsafe ran during this session.
func (o *Orchestrator) FailsafeActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failsafe
}

// Simulated reports whether Connect skipped the transport because the
// circuit breaker was active.
func (o *Orchestrator) Simulated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.simulated
}

// Connect opens the command link and starts telemetry. With the circuit
// breaker active the transport is not touched but telemetry still starts.
func (o *Orchestrator) Connect(ctx context.Context) error {
	start := o.now()

	o.connMu.Lock()
	defer o.connMu.Unlock()

	if o.Phase() != PhaseDisconnected {
		return nil
	}

	simulated := o.gate.IsActive()
	if simulated {
		o.gate.LogCommandInsteadOfExecute("connect", gateSource, nil)
	} else if err := o.commands.Connect(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrConnection, err)
		o.logger.Error("connect failed", slog.Any("error", err))
		o.logAudit(ctx, "connect", outcomeError, nil, err, start)
		o.publishFault("connect", err)
		return err
	}

	bg := context.WithoutCancel(ctx)
	if err := o.telemetry.Start(bg); err != nil {
		o.logger.Warn("telemetry start failed", slog.Any("error", err))
	}

	o.mu.Lock()
	o.phase = PhaseConnected
	o.simulated = simulated
	o.failsafe = false
	o.hoverThrottle = o.defaultHover
	o.mu.Unlock()

	o.clearSetpointSent()

	o.startRefresh(bg)

	outcome := outcomeSuccess
	if simulated {
		outcome = outcomeSuppressed
		o.logger.Warn("circuit breaker active: simulating connection, telemetry only")
	} else {
		o.logger.Info("connected to autopilot")
	}
	o.logAudit(ctx, "connect", outcome, nil, nil, start)
	o.publishPhase(PhaseConnected)
	return nil
}

// ensureLink opens the transport when Connect ran under the circuit breaker
// and the breaker has since been cleared.
func (o *Orchestrator) ensureLink(ctx context.Context) error {
	if !o.Simulated() {
		return nil
	}
	o.connMu.Lock()
	defer o.connMu.Unlock()

	o.mu.Lock()
	simulated := o.simulated && o.phase != PhaseDisconnected
	o.mu.Unlock()
	if !simulated {
		return nil
	}

	start := o.now()
	if err := o.commands.Connect(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrConnection, err)
		o.logger.Error("connect after circuit breaker cleared failed", slog.Any("error", err))
		o.logAudit(ctx, "connect", outcomeError, nil, err, start)
		o.publishFault("connect", err)
		return err
	}

	o.mu.Lock()
	o.simulated = false
	o.mu.Unlock()
	o.logger.Info("circuit breaker cleared, connected to autopilot")
	o.logAudit(ctx, "connect", outcomeSuccess, nil, nil, start)
	return nil
}

// Stop tears the session down. If offboard is still active it is stopped
// first so the vehicle is not left waiting for setpoints.
func (o *Orchestrator) Stop(ctx context.Context) error {
	start := o.now()

	o.mu.Lock()
	phase, simulated := o.phase, o.simulated
	o.mu.Unlock()

	if phase == PhaseDisconnected {
		return nil
	}
	if phase == PhaseOffboardActive {
		o.logger.Warn("stopping with offboard active, requesting offboard stop")
		if _, err := o.StopOffboardMode(ctx); err != nil {
			o.logger.Error("offboard stop during teardown failed", slog.Any("error", err))
		}
	}

	o.stopRefresh()
	o.telemetry.Stop()

	var closeErr error
	if !simulated {
		closeErr = o.commands.Close()
	}

	o.mu.Lock()
	o.phase = PhaseDisconnected
	o.simulated = false
	o.mu.Unlock()

	o.logAudit(ctx, "stop", outcomeSuccess, nil, closeErr, start)
	o.publishPhase(PhaseDisconnected)
	return closeErr
}

// StartOffboardMode checks the circuit breaker and the arm state, makes sure
// a setpoint has been sent, then requests OFFBOARD.
func (o *Orchestrator) StartOffboardMode(ctx context.Context) (OffboardResult, error) {
	start := o.now()
	var res OffboardResult

	phase := o.Phase()
	switch phase {
	case PhaseOffboardActive:
		res.Success = true
		return res, nil
	case PhaseDisconnected:
		res.step("connection", ErrNotConnected)
		o.logAudit(ctx, "startOffboardMode", outcomeRejected, nil, ErrNotConnected, start)
		return res, ErrNotConnected
	}

	if o.gate.IsActive() {
		o.gate.LogCommandInsteadOfExecute("start_offboard_mode", gateSource, nil)
		res.Suppressed = true
		res.Steps = append(res.Steps, StepResult{Name: "safety_gate", OK: false, Error: "suppressed by circuit breaker"})
		o.logAudit(ctx, "startOffboardMode", outcomeSuppressed, nil, nil, start)
		o.publishSuppressed("start_offboard_mode")
		return res, nil
	}
	res.step("safety_gate", nil)

	if err := o.ensureLink(ctx); err != nil {
		res.step("connection", err)
		o.logAudit(ctx, "startOffboardMode", outcomeError, nil, err, start)
		return res, err
	}

	if !o.telemetry.IsArmed() {
		err := fmt.Errorf("%w: vehicle not armed", ErrPrecondition)
		res.step("armed_check", err)
		o.logger.Warn("offboard start refused", slog.String("reason", "not armed"))
		o.logAudit(ctx, "startOffboardMode", outcomeRejected, nil, err, start)
		return res, err
	}
	res.step("armed_check", nil)

	if err := o.ensureSetpointSent(ctx); err != nil {
		res.step("initial_setpoint", err)
		o.logAudit(ctx, "startOffboardMode", outcomeError, nil, err, start)
		o.publishFault("start_offboard_mode", err)
		return res, err
	}
	res.step("initial_setpoint", nil)

	if err := o.call(ctx, "start_offboard", o.commands.StartOffboard); err != nil {
		res.step("start_offboard", err)
		o.logAudit(ctx, "startOffboardMode", outcomeError, nil, err, start)
		o.publishFault("start_offboard_mode", err)
		return res, err
	}
	res.step("start_offboard", nil)
	res.Success = true

	o.setPhase(PhaseOffboardActive)
	o.logger.Info("offboard mode started")
	o.logAudit(ctx, "startOffboardMode", outcomeSuccess, nil, nil, start)
	return res, nil
}

// ensureSetpointSent sends the current setpoint (or a zero velocity when
// no validator is attached) unless one already went out this session.
func (o *Orchestrator) ensureSetpointSent(ctx context.Context) error {
	o.spMu.Lock()
	sent, v := o.setpointSent, o.setpoints
	var sp adapter.Setpoint = adapter.VelocityBody{}
	if v != nil {
		if entry, ok := dispatchTable[v.ControlType()]; ok {
			sp = entry.build(v.Fields())
		}
	}
	o.spMu.Unlock()

	if sent {
		return nil
	}
	err := o.call(ctx, "initial_setpoint", func(ctx context.Context) error {
		return o.commands.SendSetpoint(ctx, sp)
	})
	if err != nil {
		return err
	}
	o.markSetpointSent()
	return nil
}

func (o *Orchestrator) markSetpointSent() {
	o.spMu.Lock()
	o.setpointSent = true
	o.spMu.Unlock()
}

// clearSetpointSent forces the next offboard start to send a fresh setpoint.
func (o *Orchestrator) clearSetpointSent() {
	o.spMu.Lock()
	o.setpointSent = false
	o.spMu.Unlock()
}

// StopOffboardMode asks the autopilot to leave offboard. The autopilot picks
// the resulting mode.
func (o *Orchestrator) StopOffboardMode(ctx context.Context) (ActionResult, error) {
	start := o.now()
	res := ActionResult{Action: "stop_offboard_mode"}

	if o.Phase() == PhaseDisconnected {
		o.logAudit(ctx, "stopOffboardMode", outcomeRejected, nil, ErrNotConnected, start)
		return res, ErrNotConnected
	}
	if o.gate.IsActive() {
		o.gate.LogCommandInsteadOfExecute(res.Action, gateSource, nil)
		res.Suppressed = true
		o.logAudit(ctx, "stopOffboardMode", outcomeSuppressed, nil, nil, start)
		o.publishSuppressed(res.Action)
		return res, nil
	}
	if err := o.ensureLink(ctx); err != nil {
		o.logAudit(ctx, "stopOffboardMode", outcomeError, nil, err, start)
		return res, err
	}
	if err := o.call(ctx, res.Action, o.commands.StopOffboard); err != nil {
		o.logAudit(ctx, "stopOffboardMode", outcomeError, nil, err, start)
		o.publishFault(res.Action, err)
		return res, err
	}

	o.mu.Lock()
	changed := o.phase == PhaseOffboardActive || o.phase == PhaseOffboardExited
	if changed {
		o.phase = PhaseConnected
	}
	o.mu.Unlock()
	o.clearSetpointSent()
	if changed {
		o.publishPhase(PhaseConnected)
	}
	o.logger.Info("offboard mode stopped")
	o.logAudit(ctx, "stopOffboardMode", outcomeSuccess, nil, nil, start)
	return res, nil
}

// TriggerReturnToLaunch commands RTL.
func (o *Orchestrator) TriggerReturnToLaunch(ctx context.Context) (ActionResult, error) {
	return o.emergency(ctx, "return_to_launch", "returnToLaunch", func(ctx context.Context) error {
		return o.call(ctx, "return_to_launch", o.commands.ReturnToLaunch)
	})
}

// TriggerFailsafe latches the failsafe flag, leaves offboard if needed and
// commands HOLD.
func (o *Orchestrator) TriggerFailsafe(ctx context.Context) (ActionResult, error) {
	o.mu.Lock()
	o.failsafe = true
	o.mu.Unlock()
	o.logger.Warn("failsafe triggered")

	return o.emergency(ctx, "failsafe", "failsafe", func(ctx context.Context) error {
		if o.Phase() == PhaseOffboardActive {
			if err := o.call(ctx, "stop_offboard_mode", o.commands.StopOffboard); err != nil {
				o.logger.Error("failsafe offboard stop failed", slog.Any("error", err))
			}
		}
		return o.call(ctx, "hold", o.commands.Hold)
	})
}

func (o *Orchestrator) emergency(ctx context.Context, commandType, action string, fn func(context.Context) error) (ActionResult, error) {
	start := o.now()
	res := ActionResult{Action: commandType}

	if o.gate.IsActive() {
		o.gate.LogCommandInsteadOfExecute(commandType, gateSource, nil)
		res.Suppressed = true
		o.logAudit(ctx, action, outcomeSuppressed, nil, nil, start)
		o.publishSuppressed(commandType)
		return res, nil
	}
	if o.Phase() == PhaseDisconnected {
		o.logAudit(ctx, action, outcomeRejected, nil, ErrNotConnected, start)
		return res, ErrNotConnected
	}
	if err := o.ensureLink(ctx); err != nil {
		o.logAudit(ctx, action, outcomeError, nil, err, start)
		return res, err
	}
	if err := fn(ctx); err != nil {
		o.logAudit(ctx, action, outcomeError, nil, err, start)
		o.publishFault(commandType, err)
		return res, err
	}

	o.mu.Lock()
	changed := o.phase == PhaseOffboardActive
	if changed {
		o.phase = PhaseConnected
	}
	o.mu.Unlock()
	if changed {
		o.clearSetpointSent()
		o.publishPhase(PhaseConnected)
	}
	o.logAudit(ctx, action, outcomeSuccess, nil, nil, start)
	return res, nil
}

// call runs fn with the command timeout and retries once when the error is
// transient.
func (o *Orchestrator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= o.retries; attempt++ {
		if attempt > 0 {
			o.logger.Warn("transient command failure, retrying",
				slog.String("op", op), slog.Any("error", err))
			select {
			case <-time.After(o.retryBackoff):
			case <-ctx.Done():
				return adapter.NormalizeTransportError(ctx.Err(), nil)
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, o.commandTimeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		err = adapter.NormalizeTransportError(err, map[string]any{"op": op})
		if !adapter.IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	o.logger.Error("command failed", slog.String("op", op), slog.Any("error", err))
	return err
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.publishPhase(p)
}

// handleOffboardExit runs on the telemetry goroutine, once per exit edge.
func (o *Orchestrator) handleOffboardExit(oldMode, newMode adapter.FlightMode) {
	o.mu.Lock()
	wasActive := o.phase == PhaseOffboardActive
	if wasActive {
		o.phase = PhaseOffboardExited
	}
	handlers := make([]telemetry.ModeChangeFunc, 0, len(o.exitHandlers))
	for _, fn := range o.exitHandlers {
		handlers = append(handlers, fn)
	}
	o.mu.Unlock()
	o.clearSetpointSent()

	o.logger.Warn("offboard exited by autopilot",
		slog.String("old_mode", oldMode.String()),
		slog.String("new_mode", newMode.String()),
		slog.Bool("session_active", wasActive))
	o.logAudit(context.Background(), "offboardExit", outcomeSuccess,
		map[string]any{"oldMode": oldMode.String(), "newMode": newMode.String()}, nil, o.now())
	if o.events != nil {
		o.events.PublishType(telemetry.EventOffboardExit, map[string]any{
			"oldMode": oldMode.String(),
			"newMode": newMode.String(),
			"ts":      o.now().UTC().Format(time.RFC3339),
		})
	}
	if wasActive {
		o.publishPhase(PhaseOffboardExited)
	}

	for _, fn := range handlers {
		fn(oldMode, newMode)
	}
}

func (o *Orchestrator) logAudit(ctx context.Context, action, outcome string, params map[string]any, err error, start time.Time) {
	if o.audit != nil {
		o.audit.LogAction(ctx, action, outcome, params, err, o.now().Sub(start))
	}
}

func (o *Orchestrator) publishPhase(p Phase) {
	if o.events == nil {
		return
	}
	o.events.PublishType(telemetry.EventPhase, map[string]any{
		"phase": p.String(),
		"ts":    o.now().UTC().Format(time.RFC3339),
	})
}

func (o *Orchestrator) publishSuppressed(commandType string) {
	if o.events == nil {
		return
	}
	o.events.PublishType(telemetry.EventSuppressed, map[string]any{
		"commandType": commandType,
		"ts":          o.now().UTC().Format(time.RFC3339),
	})
}

func (o *Orchestrator) publishFault(op string, err error) {
	if o.events == nil {
		return
	}
	o.events.PublishType(telemetry.EventFault, map[string]any{
		"op":    op,
		"error": err.Error(),
		"ts":    o.now().UTC().Format(time.RFC3339),
	})
}
