// Package mavlink drives a PX4 autopilot over MAVLink using gomavlib.
//
// Transport implements adapter.CommandTransport: commands go out as
// COMMAND_LONG and wait for the matching COMMAND_ACK, setpoints are fire and
// forget. The same link can also feed a telemetry.Store (see Stream).
package mavlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/config"
	"github.com/offboard-control/fcb/internal/telemetry"
)

// SET_POSITION_TARGET_LOCAL_NED type mask: velocity and yaw rate only.
const velocityTypeMask = 1479

// SET_ATTITUDE_TARGET type mask: ignore the attitude quaternion.
const rateTypeMask = 128

// Custom mode flag for MAV_CMD_DO_SET_MODE param1.
const customModeEnabled = 1

var errNotConnected = errors.New("not connected")

var _ adapter.CommandTransport = (*Transport)(nil)

// Transport is a gomavlib node bound to one target system/component.
type Transport struct {
	endpoint        string
	targetSystem    uint8
	targetComponent uint8
	gcsSystemID     uint8
	connectTimeout  time.Duration
	ackTimeout      time.Duration
	logger          *slog.Logger
	now             func() time.Time

	store     *telemetry.Store
	streaming atomic.Bool

	mu        sync.Mutex
	node      *gomavlib.Node
	pending   map[common.MAV_CMD]chan common.MAV_RESULT
	// inflight holds one slot per command id. Acks carry only the id, so
	// two outstanding commands with the same id cannot be told apart.
	inflight map[common.MAV_CMD]chan struct{}
	heartbeat chan struct{}
	heardOnce *sync.Once
	loopDone  chan struct{}
	lastHeard time.Time
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New builds an unconnected transport from the command settings in cfg.
func New(cfg *config.Config, opts ...Option) *Transport {
	t := &Transport{
		endpoint:        cfg.MAVLinkEndpoint,
		targetSystem:    uint8(cfg.SystemID),
		targetComponent: uint8(cfg.ComponentID),
		gcsSystemID:     uint8(cfg.GCSSystemID),
		connectTimeout:  cfg.ConnectTimeout,
		ackTimeout:      cfg.CommandTimeout,
		logger:          slog.Default(),
		now:             time.Now,
		store:           telemetry.NewStore(cfg.MinAltitude),
		pending:         make(map[common.MAV_CMD]chan common.MAV_RESULT),
		inflight:        make(map[common.MAV_CMD]chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect opens the endpoint and waits for the first autopilot heartbeat.
func (t *Transport) Connect(ctx context.Context) error {
	ep, err := ParseEndpoint(t.endpoint)
	if err != nil {
		return adapter.NormalizeTransportErrorFor(err, nil, "mavlink")
	}
	conf, err := endpointConf(ep)
	if err != nil {
		return adapter.NormalizeTransportErrorFor(err, map[string]any{"endpoint": ep.String()}, "mavlink")
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{conf},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: t.gcsSystemID,
	})
	if err != nil {
		return adapter.NormalizeTransportErrorFor(fmt.Errorf("open %s: %w", ep, err), nil, "mavlink")
	}

	heartbeat := make(chan struct{})
	loopDone := make(chan struct{})
	t.mu.Lock()
	if t.node != nil {
		t.mu.Unlock()
		node.Close()
		return nil
	}
	t.node = node
	t.heartbeat = heartbeat
	t.heardOnce = &sync.Once{}
	t.loopDone = loopDone
	t.mu.Unlock()

	go t.readLoop(node, loopDone)

	timer := time.NewTimer(t.connectTimeout)
	defer timer.Stop()

	select {
	case <-heartbeat:
		t.logger.Info("autopilot heartbeat received",
			slog.String("endpoint", ep.String()),
			slog.Int("system_id", int(t.targetSystem)))
		return nil
	case <-timer.C:
		t.Close()
		return adapter.NormalizeTransportErrorFor(
			fmt.Errorf("no heartbeat from system %d within %s", t.targetSystem, t.connectTimeout),
			map[string]any{"endpoint": ep.String()}, "mavlink")
	case <-ctx.Done():
		t.Close()
		return adapter.NormalizeTransportErrorFor(ctx.Err(), nil, "mavlink")
	}
}

// Close shuts the node down and fails every pending command. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	node, done := t.node, t.loopDone
	t.node = nil
	t.mu.Unlock()

	if node == nil {
		return nil
	}
	node.Close()
	<-done
	t.store.SetConnectionState(telemetry.StateDisconnected)
	return nil
}

// Connected reports whether the node is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.node != nil
}

// LastHeartbeat returns when the autopilot was last heard.
func (t *Transport) LastHeartbeat() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHeard
}

func (t *Transport) Arm(ctx context.Context) error {
	return t.sendCommand(ctx, common.MAV_CMD_COMPONENT_ARM_DISARM, 1, 0, 0)
}

func (t *Transport) Disarm(ctx context.Context) error {
	return t.sendCommand(ctx, common.MAV_CMD_COMPONENT_ARM_DISARM, 0, 0, 0)
}

func (t *Transport) StartOffboard(ctx context.Context) error {
	return t.setMode(ctx, adapter.ModeOffboard)
}

// StopOffboard hands control back by requesting HOLD.
func (t *Transport) StopOffboard(ctx context.Context) error {
	return t.setMode(ctx, adapter.ModeHold)
}

func (t *Transport) ReturnToLaunch(ctx context.Context) error {
	return t.sendCommand(ctx, common.MAV_CMD_NAV_RETURN_TO_LAUNCH, 0, 0, 0)
}

func (t *Transport) Hold(ctx context.Context) error {
	return t.setMode(ctx, adapter.ModeHold)
}

func (t *Transport) setMode(ctx context.Context, mode adapter.FlightMode) error {
	return t.sendCommand(ctx, common.MAV_CMD_DO_SET_MODE,
		customModeEnabled, float32(mode.Main()), float32(mode.Sub()))
}

// SendSetpoint writes one setpoint message without waiting for a reply.
func (t *Transport) SendSetpoint(ctx context.Context, sp adapter.Setpoint) error {
	if err := ctx.Err(); err != nil {
		return adapter.NormalizeTransportErrorFor(err, nil, "mavlink")
	}
	msg, err := t.setpointMessage(sp)
	if err != nil {
		return adapter.NormalizeTransportErrorFor(err, nil, "mavlink")
	}

	t.mu.Lock()
	node := t.node
	t.mu.Unlock()
	if node == nil {
		return adapter.NormalizeTransportErrorFor(errNotConnected, nil, "mavlink")
	}
	node.WriteMessageAll(msg)
	return nil
}

func (t *Transport) setpointMessage(sp adapter.Setpoint) (message.Message, error) {
	switch v := sp.(type) {
	case adapter.VelocityBody:
		return &common.MessageSetPositionTargetLocalNed{
			TimeBootMs:      t.bootMillis(),
			TargetSystem:    t.targetSystem,
			TargetComponent: t.targetComponent,
			CoordinateFrame: common.MAV_FRAME_BODY_NED,
			TypeMask:        velocityTypeMask,
			Vx:              float32(v.ForwardMS),
			Vy:              float32(v.RightMS),
			Vz:              float32(v.DownMS),
			YawRate:         degToRad(v.YawspeedDegS),
		}, nil
	case adapter.AttitudeRate:
		return &common.MessageSetAttitudeTarget{
			TimeBootMs:      t.bootMillis(),
			TargetSystem:    t.targetSystem,
			TargetComponent: t.targetComponent,
			TypeMask:        rateTypeMask,
			Q:               [4]float32{1, 0, 0, 0},
			BodyRollRate:    degToRad(v.RollDegS),
			BodyPitchRate:   degToRad(v.PitchDegS),
			BodyYawRate:     degToRad(v.YawDegS),
			Thrust:          float32(v.Thrust),
		}, nil
	}
	return nil, fmt.Errorf("unsupported setpoint %T", sp)
}

func (t *Transport) bootMillis() uint32 {
	return uint32(t.now().UnixMilli())
}

// sendCommand writes COMMAND_LONG and waits for its ACK. IN_PROGRESS acks
// extend the wait; any result other than ACCEPTED is an error.
func (t *Transport) sendCommand(ctx context.Context, cmd common.MAV_CMD, p1, p2, p3 float32) error {
	if err := ctx.Err(); err != nil {
		return adapter.NormalizeTransportErrorFor(err, nil, "mavlink")
	}

	slot := t.commandSlot(cmd)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return adapter.NormalizeTransportErrorFor(fmt.Errorf("%v: %w", cmd, ctx.Err()), nil, "mavlink")
	}
	defer func() { <-slot }()

	t.mu.Lock()
	node := t.node
	if node == nil {
		t.mu.Unlock()
		return adapter.NormalizeTransportErrorFor(fmt.Errorf("%v: %w", cmd, errNotConnected), nil, "mavlink")
	}
	acks := make(chan common.MAV_RESULT, 4)
	t.pending[cmd] = acks
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.pending[cmd] == acks {
			delete(t.pending, cmd)
		}
		t.mu.Unlock()
	}()

	node.WriteMessageAll(&common.MessageCommandLong{
		TargetSystem:    t.targetSystem,
		TargetComponent: t.targetComponent,
		Command:         cmd,
		Param1:          p1,
		Param2:          p2,
		Param3:          p3,
	})

	timer := time.NewTimer(t.ackTimeout)
	defer timer.Stop()

	for {
		select {
		case res, ok := <-acks:
			if !ok {
				return adapter.NormalizeTransportErrorFor(fmt.Errorf("%v: node closed", cmd), nil, "mavlink")
			}
			if err := ackError(cmd, res); err != nil {
				if res == common.MAV_RESULT_IN_PROGRESS {
					continue
				}
				return err
			}
			return nil
		case <-timer.C:
			return adapter.NormalizeTransportErrorFor(
				fmt.Errorf("%v: ack timeout after %s", cmd, t.ackTimeout), nil, "mavlink")
		case <-ctx.Done():
			return adapter.NormalizeTransportErrorFor(fmt.Errorf("%v: %w", cmd, ctx.Err()), nil, "mavlink")
		}
	}
}

// ackError maps a COMMAND_ACK result to a normalized error, nil when accepted.
func ackError(cmd common.MAV_CMD, res common.MAV_RESULT) error {
	if res == common.MAV_RESULT_ACCEPTED {
		return nil
	}
	return adapter.NormalizeTransportErrorFor(fmt.Errorf("%v: %v", cmd, res), map[string]any{"result": int(res)}, "mavlink")
}

func (t *Transport) readLoop(node *gomavlib.Node, done chan struct{}) {
	defer close(done)
	defer t.failPending()

	for evt := range node.Events() {
		switch e := evt.(type) {
		case *gomavlib.EventFrame:
			if e.SystemID() != t.targetSystem || e.ComponentID() != t.targetComponent {
				continue
			}
			t.handleMessage(e.Message())
		case *gomavlib.EventChannelOpen:
			t.logger.Debug("mavlink channel open", slog.Any("channel", e.Channel))
		case *gomavlib.EventChannelClose:
			t.logger.Warn("mavlink channel closed", slog.Any("channel", e.Channel))
		}
	}
}

func (t *Transport) commandSlot(cmd common.MAV_CMD) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.inflight[cmd]
	if !ok {
		slot = make(chan struct{}, 1)
		t.inflight[cmd] = slot
	}
	return slot
}

func (t *Transport) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for cmd, ch := range t.pending {
		close(ch)
		delete(t.pending, cmd)
	}
}

func (t *Transport) handleMessage(msg message.Message) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		t.mu.Lock()
		t.lastHeard = t.now()
		hb, once := t.heartbeat, t.heardOnce
		t.mu.Unlock()
		if once != nil {
			once.Do(func() { close(hb) })
		}
	case *common.MessageCommandAck:
		t.mu.Lock()
		ch := t.pending[m.Command]
		t.mu.Unlock()
		if ch != nil {
			select {
			case ch <- m.Result:
			default:
			}
		}
		return
	}

	if values := messageValues(msg); len(values) > 0 && t.streaming.Load() {
		t.store.Update(values, t.now())
	}
}

// messageValues extracts telemetry data points from the messages the
// default point set reads. Angles stay in radians; altitudes are metres.
func messageValues(msg message.Message) map[string]float64 {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		return map[string]float64{
			telemetry.PointFlightMode: float64(m.CustomMode),
			telemetry.PointArmStatus:  float64(m.BaseMode),
		}
	case *common.MessageAttitude:
		return map[string]float64{
			telemetry.PointRoll:  float64(m.Roll),
			telemetry.PointPitch: float64(m.Pitch),
			telemetry.PointYaw:   float64(m.Yaw),
		}
	case *common.MessageGlobalPositionInt:
		return map[string]float64{
			telemetry.PointAltRelative: float64(m.RelativeAlt) / 1000,
			telemetry.PointAltAMSL:     float64(m.Alt) / 1000,
		}
	case *common.MessageVfrHud:
		return map[string]float64{
			telemetry.PointGroundSpeed: float64(m.Groundspeed),
			telemetry.PointThrottle:    float64(m.Throttle),
		}
	}
	return nil
}

func degToRad(d float64) float32 {
	return float32(d * math.Pi / 180)
}
