package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/adapter/fake"
	"github.com/offboard-control/fcb/internal/setpoint"
	"github.com/offboard-control/fcb/internal/telemetry"
)

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "Disconnected", PhaseDisconnected.String())
	assert.Equal(t, "OffboardExited", PhaseOffboardExited.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
	b, err := PhaseOffboardActive.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "OffboardActive", string(b))
}

func TestConnect(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.connect(t)

	assert.Equal(t, PhaseConnected, h.o.Phase())
	assert.Equal(t, 1, h.transport.Calls(fake.OpConnect))
	starts, _ := h.source.counts()
	assert.Equal(t, 1, starts)
	assert.False(t, h.o.Simulated())
	assert.Equal(t, []string{"SUCCESS"}, h.audit.outcomes("connect"))
	require.Len(t, h.events.ofType(telemetry.EventPhase), 1)

	// Connecting again is a no-op.
	h.connect(t)
	assert.Equal(t, 1, h.transport.Calls(fake.OpConnect))
}

func TestConnectFailure(t *testing.T) {
	h := newHarness(t, "", false)
	h.transport.FailNext(fake.OpConnect, &adapter.TransportError{Code: adapter.ErrUnavailable, Original: errors.New("no heartbeat")})

	err := h.o.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, adapter.ErrUnavailable)
	assert.Equal(t, PhaseDisconnected, h.o.Phase())
	starts, _ := h.source.counts()
	assert.Zero(t, starts)
	assert.Len(t, h.events.ofType(telemetry.EventFault), 1)

	// Caller may retry.
	h.connect(t)
	assert.Equal(t, PhaseConnected, h.o.Phase())
}

func TestConnectWithCircuitBreakerSimulates(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", true)
	h.connect(t)

	assert.Equal(t, PhaseConnected, h.o.Phase())
	assert.True(t, h.o.Simulated())
	assert.Zero(t, h.transport.TotalCalls())
	starts, _ := h.source.counts()
	assert.Equal(t, 1, starts, "telemetry still flows")
	assert.Equal(t, []string{"SUPPRESSED"}, h.audit.outcomes("connect"))

	require.NoError(t, h.o.Stop(context.Background()))
	assert.Zero(t, h.transport.TotalCalls(), "simulated session closes nothing")
}

func TestStartOffboardUnarmed(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.connect(t)
	h.source.setMode(adapter.ModePosition, false)

	res, err := h.o.StartOffboardMode(context.Background())
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.False(t, res.Success)

	failed, ok := res.Failed()
	require.True(t, ok)
	assert.Equal(t, "armed_check", failed.Name)
	assert.Zero(t, h.transport.Calls(fake.OpStartOffboard))
	assert.Zero(t, h.transport.Calls(fake.OpSendSetpoint))
	assert.Equal(t, PhaseConnected, h.o.Phase())
	assert.Equal(t, []string{"REJECTED"}, h.audit.outcomes("startOffboardMode"))
}

func TestStartOffboardSendsInitialSetpoint(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.connect(t)
	h.source.setMode(adapter.ModePosition, true)
	require.NoError(t, h.o.WithSetpoint(func(v *setpoint.Validator) error {
		return v.SetField("vel_body_fwd", 2)
	}))

	res, err := h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)

	var names []string
	for _, s := range res.Steps {
		assert.True(t, s.OK, s.Name)
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"safety_gate", "armed_check", "initial_setpoint", "start_offboard"}, names)
	assert.Equal(t, []adapter.Setpoint{adapter.VelocityBody{ForwardMS: 2}}, h.transport.Setpoints())
	assert.Equal(t, PhaseOffboardActive, h.o.Phase())
}

func TestStartOffboardSkipsInitialSetpointWhenStreaming(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.connect(t)
	h.source.setMode(adapter.ModePosition, true)

	_, err := h.o.SendCommandsUnified(context.Background())
	require.NoError(t, err)
	_, err = h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.transport.Calls(fake.OpSendSetpoint))
	assert.Equal(t, 1, h.transport.Calls(fake.OpStartOffboard))
}

func TestStartOffboardWithoutValidatorSendsZeroVelocity(t *testing.T) {
	h := newHarness(t, "", false)
	h.connect(t)
	h.source.setMode(adapter.ModePosition, true)

	_, err := h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []adapter.Setpoint{adapter.VelocityBody{}}, h.transport.Setpoints())
}

func TestStartOffboardTransportRejects(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.connect(t)
	h.source.setMode(adapter.ModePosition, true)
	h.transport.FailNext(fake.OpStartOffboard, adapter.ErrRejected)

	res, err := h.o.StartOffboardMode(context.Background())
	assert.ErrorIs(t, err, adapter.ErrRejected)
	failed, ok := res.Failed()
	require.True(t, ok)
	assert.Equal(t, "start_offboard", failed.Name)
	assert.Equal(t, 1, h.transport.Calls(fake.OpStartOffboard), "rejections are not retried")
	assert.Equal(t, PhaseConnected, h.o.Phase())
}

func TestStartOffboardSuppressed(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", true)
	h.connect(t)
	h.source.setMode(adapter.ModePosition, true)

	res, err := h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Suppressed)
	assert.False(t, res.Success)
	assert.Zero(t, h.transport.TotalCalls())
	assert.Len(t, h.gate.History(), 2, "connect and start_offboard_mode")
	assert.Len(t, h.events.ofType(telemetry.EventSuppressed), 1)
}

func TestStartOffboardDisconnected(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	_, err := h.o.StartOffboardMode(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, h.transport.TotalCalls())
}

func TestOffboardExitFiresOnceAndMovesPhase(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.goOffboard(t)

	var edges [][2]adapter.FlightMode
	remove := h.o.OnOffboardExit(func(o, n adapter.FlightMode) {
		edges = append(edges, [2]adapter.FlightMode{o, n})
	})
	defer remove()

	h.source.setMode(adapter.ModeOffboard, true)
	h.source.setMode(adapter.ModePosition, true)
	h.source.setMode(adapter.ModePosition, true)

	require.Len(t, edges, 1)
	assert.Equal(t, [2]adapter.FlightMode{adapter.ModeOffboard, adapter.ModePosition}, edges[0])
	assert.Equal(t, PhaseOffboardExited, h.o.Phase())
	assert.Len(t, h.events.ofType(telemetry.EventOffboardExit), 1)

	// Guidance may restart from OffboardExited.
	_, err := h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseOffboardActive, h.o.Phase())
}

func TestRestartAfterExitSendsFreshSetpoint(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.goOffboard(t)
	require.Equal(t, 1, h.transport.Calls(fake.OpSendSetpoint))

	h.source.setMode(adapter.ModePosition, true)
	require.Equal(t, PhaseOffboardExited, h.o.Phase())

	res, err := h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, h.transport.Calls(fake.OpSendSetpoint), "restart sends a new setpoint first")
	assert.Equal(t, PhaseOffboardActive, h.o.Phase())
}

func TestRestartAfterStopSendsFreshSetpoint(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.goOffboard(t)

	_, err := h.o.StopOffboardMode(context.Background())
	require.NoError(t, err)
	_, err = h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, h.transport.Calls(fake.OpSendSetpoint))
	assert.Equal(t, 2, h.transport.Calls(fake.OpStartOffboard))
}

func TestCircuitBreakerClearedOpensTransport(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", true)
	h.connect(t)
	require.True(t, h.o.Simulated())

	h.gate.SetActive(false)

	res, err := h.o.SendCommandsUnified(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.False(t, h.o.Simulated())
	assert.Equal(t, 1, h.transport.Calls(fake.OpConnect))
	assert.Equal(t, 1, h.transport.Calls(fake.OpSendSetpoint))

	_, err = h.o.SendCommandsUnified(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.transport.Calls(fake.OpConnect), "link is opened once")

	require.NoError(t, h.o.Stop(context.Background()))
	assert.Equal(t, 1, h.transport.Calls(fake.OpClose))
}

func TestCircuitBreakerClearedConnectFailure(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", true)
	h.connect(t)
	h.gate.SetActive(false)
	h.transport.FailNext(fake.OpConnect, adapter.ErrUnavailable)

	_, err := h.o.TriggerReturnToLaunch(context.Background())
	assert.ErrorIs(t, err, ErrConnection)
	assert.Zero(t, h.transport.Calls(fake.OpReturnToLaunch))
	assert.True(t, h.o.Simulated())
	assert.Equal(t, []string{"SUPPRESSED", "ERROR"}, h.audit.outcomes("connect"))

	_, err = h.o.TriggerReturnToLaunch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.transport.Calls(fake.OpConnect))
	assert.Equal(t, 1, h.transport.Calls(fake.OpReturnToLaunch))
}

// slowConnect holds Connect until release is closed.
type slowConnect struct {
	*fake.CommandTransport
	release chan struct{}
}

func (s *slowConnect) Connect(ctx context.Context) error {
	<-s.release
	return s.CommandTransport.Connect(ctx)
}

func TestConcurrentConnectOpensOnce(t *testing.T) {
	h := newHarness(t, "", false)
	tr := &slowConnect{CommandTransport: h.transport, release: make(chan struct{})}
	o := New(h.cfg, tr, h.source, h.gate, WithLogger(quietLogger()))
	defer func() { _ = o.Stop(context.Background()) }()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- o.Connect(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(tr.release)

	for i := 0; i < 2; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 1, h.transport.Calls(fake.OpConnect))
	starts, _ := h.source.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, PhaseConnected, o.Phase())
}

func TestOnOffboardExitRemove(t *testing.T) {
	h := newHarness(t, "", false)
	calls := 0
	remove := h.o.OnOffboardExit(func(_, _ adapter.FlightMode) { calls++ })
	remove()

	h.source.setMode(adapter.ModeOffboard, true)
	h.source.setMode(adapter.ModeHold, true)
	assert.Zero(t, calls)
}

func TestStopOffboardMode(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.goOffboard(t)

	res, err := h.o.StopOffboardMode(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.Equal(t, 1, h.transport.Calls(fake.OpStopOffboard))
	assert.Equal(t, PhaseConnected, h.o.Phase())
}

func TestStopTearsDownActiveOffboard(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.goOffboard(t)

	require.NoError(t, h.o.Stop(context.Background()))

	assert.Equal(t, 1, h.transport.Calls(fake.OpStopOffboard))
	assert.Equal(t, 1, h.transport.Calls(fake.OpClose))
	assert.False(t, h.transport.Offboard())
	_, stops := h.source.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, PhaseDisconnected, h.o.Phase())

	require.NoError(t, h.o.Stop(context.Background()), "second Stop is a no-op")
	assert.Equal(t, 1, h.transport.Calls(fake.OpClose))
}

func TestTriggerReturnToLaunch(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.goOffboard(t)

	res, err := h.o.TriggerReturnToLaunch(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Suppressed)
	assert.Equal(t, 1, h.transport.Calls(fake.OpReturnToLaunch))
	assert.Equal(t, PhaseConnected, h.o.Phase())
}

func TestTriggerFailsafe(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", false)
	h.goOffboard(t)

	_, err := h.o.TriggerFailsafe(context.Background())
	require.NoError(t, err)
	assert.True(t, h.o.FailsafeActive())
	assert.Equal(t, 1, h.transport.Calls(fake.OpStopOffboard))
	assert.Equal(t, 1, h.transport.Calls(fake.OpHold))
	assert.True(t, h.o.VehicleState().FailsafeActive)
}

func TestEmergencyActionsSuppressed(t *testing.T) {
	h := newHarness(t, "mc_velocity_offboard", true)
	h.connect(t)

	rtl, err := h.o.TriggerReturnToLaunch(context.Background())
	require.NoError(t, err)
	assert.True(t, rtl.Suppressed)

	fs, err := h.o.TriggerFailsafe(context.Background())
	require.NoError(t, err)
	assert.True(t, fs.Suppressed)
	assert.True(t, h.o.FailsafeActive(), "flag latches even when suppressed")

	stop, err := h.o.StopOffboardMode(context.Background())
	require.NoError(t, err)
	assert.True(t, stop.Suppressed)

	assert.Zero(t, h.transport.TotalCalls())
	assert.Equal(t, []string{"SUPPRESSED"}, h.audit.outcomes("returnToLaunch"))
}

func TestEmergencyDisconnected(t *testing.T) {
	h := newHarness(t, "", false)
	_, err := h.o.TriggerReturnToLaunch(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = h.o.StopOffboardMode(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallRetriesTransientOnce(t *testing.T) {
	h := newHarness(t, "", false)
	h.connect(t)
	h.transport.FailNext(fake.OpReturnToLaunch, adapter.ErrTransient)

	_, err := h.o.TriggerReturnToLaunch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.transport.Calls(fake.OpReturnToLaunch))
}

func TestCallGivesUpAfterOneRetry(t *testing.T) {
	h := newHarness(t, "", false)
	h.connect(t)
	h.transport.FailNext(fake.OpHold, adapter.ErrTransient, adapter.ErrTransient, adapter.ErrTransient)

	_, err := h.o.TriggerFailsafe(context.Background())
	assert.True(t, adapter.IsTransient(err))
	assert.Equal(t, 2, h.transport.Calls(fake.OpHold))
	assert.Equal(t, []string{"ERROR"}, h.audit.outcomes("failsafe"))
}

func TestCallDoesNotRetryOtherErrors(t *testing.T) {
	h := newHarness(t, "", false)
	h.connect(t)
	h.transport.FailNext(fake.OpReturnToLaunch, errors.New("MAV_RESULT_DENIED"))

	_, err := h.o.TriggerReturnToLaunch(context.Background())
	assert.ErrorIs(t, err, adapter.ErrRejected)
	assert.Equal(t, 1, h.transport.Calls(fake.OpReturnToLaunch))
}

func TestRetriesDisabled(t *testing.T) {
	h := newHarness(t, "", false)
	h.o.retries = 0
	h.connect(t)
	h.transport.FailNext(fake.OpReturnToLaunch, adapter.ErrTransient)

	_, err := h.o.TriggerReturnToLaunch(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, h.transport.Calls(fake.OpReturnToLaunch))
}
