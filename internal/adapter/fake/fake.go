// Package fake provides in-memory transports with call counters for tests.
package fake

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/offboard-control/fcb/internal/adapter"
)

// Operation names recorded by CommandTransport.
const (
	OpConnect        = "connect"
	OpClose          = "close"
	OpArm            = "arm"
	OpDisarm         = "disarm"
	OpStartOffboard  = "start_offboard"
	OpStopOffboard   = "stop_offboard"
	OpSendSetpoint   = "send_setpoint"
	OpReturnToLaunch = "return_to_launch"
	OpHold           = "hold"
)

var _ adapter.CommandTransport = (*CommandTransport)(nil)
var _ adapter.TelemetryTransport = (*TelemetryTransport)(nil)

// CommandTransport records every call. Errors queued with FailNext are
// returned in order before the operation starts succeeding again.
type CommandTransport struct {
	mu        sync.Mutex
	calls     map[string]int
	failures  map[string][]error
	setpoints []adapter.Setpoint
	armed     bool
	offboard  bool
}

// NewCommandTransport returns an empty fake.
func NewCommandTransport() *CommandTransport {
	return &CommandTransport{
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// FailNext queues errs for op.
func (f *CommandTransport) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed attempts included.
func (f *CommandTransport) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of invocations across all operations.
func (f *CommandTransport) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// Setpoints returns every successfully sent setpoint.
func (f *CommandTransport) Setpoints() []adapter.Setpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]adapter.Setpoint(nil), f.setpoints...)
}

// Armed reports the simulated arm state.
func (f *CommandTransport) Armed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

// Offboard reports whether offboard was started and not stopped.
func (f *CommandTransport) Offboard() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offboard
}

func (f *CommandTransport) record(ctx context.Context, op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := f.failures[op]; len(q) > 0 {
		f.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (f *CommandTransport) Connect(ctx context.Context) error {
	return f.record(ctx, OpConnect)
}

func (f *CommandTransport) Close() error {
	return f.record(context.Background(), OpClose)
}

func (f *CommandTransport) Arm(ctx context.Context) error {
	if err := f.record(ctx, OpArm); err != nil {
		return err
	}
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
	return nil
}

func (f *CommandTransport) Disarm(ctx context.Context) error {
	if err := f.record(ctx, OpDisarm); err != nil {
		return err
	}
	f.mu.Lock()
	f.armed = false
	f.mu.Unlock()
	return nil
}

func (f *CommandTransport) StartOffboard(ctx context.Context) error {
	if err := f.record(ctx, OpStartOffboard); err != nil {
		return err
	}
	f.mu.Lock()
	f.offboard = true
	f.mu.Unlock()
	return nil
}

func (f *CommandTransport) StopOffboard(ctx context.Context) error {
	if err := f.record(ctx, OpStopOffboard); err != nil {
		return err
	}
	f.mu.Lock()
	f.offboard = false
	f.mu.Unlock()
	return nil
}

func (f *CommandTransport) SendSetpoint(ctx context.Context, sp adapter.Setpoint) error {
	if err := f.record(ctx, OpSendSetpoint); err != nil {
		return err
	}
	switch sp.(type) {
	case adapter.VelocityBody, adapter.AttitudeRate:
	default:
		return adapter.ErrRejected
	}
	f.mu.Lock()
	f.setpoints = append(f.setpoints, sp)
	f.mu.Unlock()
	return nil
}

func (f *CommandTransport) ReturnToLaunch(ctx context.Context) error {
	return f.record(ctx, OpReturnToLaunch)
}

func (f *CommandTransport) Hold(ctx context.Context) error {
	return f.record(ctx, OpHold)
}

// ErrNoResponse is returned by TelemetryTransport when its queue is empty and no default is set.
var ErrNoResponse = errors.New("fake telemetry: no queued response")

// Response is one canned FetchPoints result.
type Response struct {
	Values map[string]float64
	Err    error
}

// TelemetryTransport replays queued responses, then keeps returning the last
// one (or Default when nothing was ever queued).
type TelemetryTransport struct {
	mu        sync.Mutex
	queue     []Response
	last      *Response
	Default   map[string]float64
	calls     int
	requested [][]adapter.DataPoint
	// Block, when set, is waited on before each fetch returns.
	Block chan struct{}
}

// NewTelemetryTransport returns a fake with the given default values.
func NewTelemetryTransport(defaults map[string]float64) *TelemetryTransport {
	return &TelemetryTransport{Default: defaults}
}

// Push queues responses.
func (f *TelemetryTransport) Push(rs ...Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, rs...)
}

// Calls returns how many fetches were issued.
func (f *TelemetryTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requested returns the data point sets passed to each fetch.
func (f *TelemetryTransport) Requested() [][]adapter.DataPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]adapter.DataPoint(nil), f.requested...)
}

func (f *TelemetryTransport) FetchPoints(ctx context.Context, points []adapter.DataPoint) (map[string]float64, error) {
	f.mu.Lock()
	f.calls++
	f.requested = append(f.requested, append([]adapter.DataPoint(nil), points...))
	var r Response
	switch {
	case len(f.queue) > 0:
		r = f.queue[0]
		f.queue = f.queue[1:]
		f.last = &r
	case f.last != nil:
		r = *f.last
	case f.Default != nil:
		r = Response{Values: f.Default}
	default:
		r = Response{Err: ErrNoResponse}
	}
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return maps.Clone(r.Values), nil
}
