package command

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offboard-control/fcb/internal/adapter"
	"github.com/offboard-control/fcb/internal/adapter/fake"
	"github.com/offboard-control/fcb/internal/config"
	"github.com/offboard-control/fcb/internal/safety"
	"github.com/offboard-control/fcb/internal/schema"
	"github.com/offboard-control/fcb/internal/setpoint"
	"github.com/offboard-control/fcb/internal/telemetry"
)

// fakeSource is a telemetry.Store with Start/Stop counters.
type fakeSource struct {
	*telemetry.Store
	mu     sync.Mutex
	starts int
	stops  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{Store: telemetry.NewStore(3)}
}

func (f *fakeSource) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.SetConnectionState(telemetry.StateConnected)
	return nil
}

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.SetConnectionState(telemetry.StateDisconnected)
}

func (f *fakeSource) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func (f *fakeSource) setMode(m adapter.FlightMode, armed bool) {
	base := 0.0
	if armed {
		base = 128
	}
	f.Update(map[string]float64{
		telemetry.PointFlightMode: float64(uint32(m)),
		telemetry.PointArmStatus:  base,
	}, time.Now())
}

type auditRecord struct {
	Action  string
	Outcome string
	Err     error
}

type auditRecorder struct {
	mu      sync.Mutex
	records []auditRecord
}

func (a *auditRecorder) LogAction(_ context.Context, action, outcome string, _ map[string]any, err error, _ time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, auditRecord{action, outcome, err})
}

func (a *auditRecorder) outcomes(action string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, r := range a.records {
		if r.Action == action {
			out = append(out, r.Outcome)
		}
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (e *eventRecorder) PublishType(typ string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, telemetry.Event{Type: typ, Data: data})
}

func (e *eventRecorder) ofType(typ string) []telemetry.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range e.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	cfg       *config.Config
	transport *fake.CommandTransport
	source    *fakeSource
	gate      *safety.Gate
	audit     *auditRecorder
	events    *eventRecorder
	o         *Orchestrator
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newHarness(t *testing.T, profile string, gateActive bool) *harness {
	t.Helper()
	cfg := config.LoadBaseline()
	cfg.CommandTimeout = 200 * time.Millisecond
	cfg.CommandRetryBackoff = time.Millisecond
	cfg.TelemetryRefreshInterval = 0

	h := &harness{
		cfg:       cfg,
		transport: fake.NewCommandTransport(),
		source:    newFakeSource(),
		gate:      safety.NewGate(gateActive, safety.WithLogger(quietLogger())),
		audit:     &auditRecorder{},
		events:    &eventRecorder{},
	}
	h.o = New(cfg, h.transport, h.source, h.gate,
		WithLogger(quietLogger()),
		WithAuditLogger(h.audit),
		WithEvents(h.events))

	if profile != "" {
		s, err := schema.Default()
		require.NoError(t, err)
		v, err := setpoint.New(s, profile, cfg,
			setpoint.WithLogger(quietLogger()), setpoint.WithStatus(h.gate))
		require.NoError(t, err)
		require.NoError(t, h.o.SetSetpointValidator(v))
	}
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.o.Connect(context.Background()))
}

// goOffboard connects, arms and enters offboard.
func (h *harness) goOffboard(t *testing.T) {
	t.Helper()
	h.connect(t)
	h.source.setMode(adapter.ModePosition, true)
	res, err := h.o.StartOffboardMode(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)
	h.source.setMode(adapter.ModeOffboard, true)
}
