package telemetry

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offboard-control/fcb/internal/adapter"
)

type exitRecorder struct {
	mu    sync.Mutex
	edges [][2]adapter.FlightMode
}

func (r *exitRecorder) record(old, new adapter.FlightMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, [2]adapter.FlightMode{old, new})
}

func (r *exitRecorder) get() [][2]adapter.FlightMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]adapter.FlightMode(nil), r.edges...)
}

func modeValues(m adapter.FlightMode) map[string]float64 {
	return map[string]float64{PointFlightMode: float64(uint32(m))}
}

func TestStoreOffboardExitFiresOncePerEdge(t *testing.T) {
	s := NewStore(3)
	rec := &exitRecorder{}
	s.OnOffboardExit(rec.record)

	for _, m := range []adapter.FlightMode{adapter.ModeOffboard, adapter.ModeOffboard, adapter.ModePosition, adapter.ModePosition} {
		s.Update(modeValues(m), time.Now())
	}

	edges := rec.get()
	require.Len(t, edges, 1)
	assert.Equal(t, adapter.ModeOffboard, edges[0][0])
	assert.Equal(t, adapter.ModePosition, edges[0][1])
}

func TestStoreModeTransitions(t *testing.T) {
	tests := []struct {
		name  string
		modes []adapter.FlightMode
		want  int
	}{
		{"first observation never fires", []adapter.FlightMode{adapter.ModePosition}, 0},
		{"entering offboard does not fire", []adapter.FlightMode{adapter.ModePosition, adapter.ModeOffboard}, 0},
		{"two separate exits", []adapter.FlightMode{adapter.ModeOffboard, adapter.ModeHold, adapter.ModeOffboard, adapter.ModeRTL}, 2},
		{"non offboard changes are silent", []adapter.FlightMode{adapter.ModePosition, adapter.ModeHold, adapter.ModeRTL}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(0)
			rec := &exitRecorder{}
			s.OnOffboardExit(rec.record)
			for _, m := range tt.modes {
				s.Update(modeValues(m), time.Now())
			}
			assert.Len(t, rec.get(), tt.want)
		})
	}
}

func TestStoreUpdateWithoutModeKeepsRemembered(t *testing.T) {
	s := NewStore(0)
	rec := &exitRecorder{}
	s.OnOffboardExit(rec.record)

	s.Update(modeValues(adapter.ModeOffboard), time.Now())
	s.Update(map[string]float64{PointRoll: 0.1}, time.Now())
	s.Update(modeValues(adapter.ModeHold), time.Now())

	assert.Len(t, rec.get(), 1)
	mode, ok := s.FlightMode()
	assert.True(t, ok)
	assert.Equal(t, adapter.ModeHold, mode)
}

func TestStoreCallbackMayReadStore(t *testing.T) {
	s := NewStore(0)
	done := make(chan adapter.FlightMode, 1)
	s.OnOffboardExit(func(_, _ adapter.FlightMode) {
		m, _ := s.FlightMode() // must not deadlock
		done <- m
	})
	s.Update(modeValues(adapter.ModeOffboard), time.Now())
	s.Update(modeValues(adapter.ModePosition), time.Now())

	select {
	case m := <-done:
		assert.Equal(t, adapter.ModePosition, m)
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}

func TestStoreFailureAndRecovery(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < 3; i++ {
		s.RecordFailure()
	}
	assert.Equal(t, StateError, s.ConnectionState())
	assert.Equal(t, 3, s.ErrorCount())

	prev := s.Update(map[string]float64{PointRoll: 0}, time.Now())
	assert.Equal(t, 3, prev)
	assert.Equal(t, StateConnected, s.ConnectionState())
	assert.Equal(t, 0, s.ErrorCount())
}

func TestStoreAccessors(t *testing.T) {
	s := NewStore(3.5)

	assert.Equal(t, Attitude{}, s.FetchAttitudeData())
	assert.Equal(t, Altitude{RelativeM: 3.5}, s.FetchAltitudeData(), "missing altitude falls back to minimum")
	assert.Zero(t, s.FetchGroundSpeed())
	assert.Zero(t, s.GetData("nope"))
	assert.False(t, s.IsArmed())
	_, known := s.FlightMode()
	assert.False(t, known)

	s.Update(map[string]float64{
		PointRoll:        math.Pi / 2,
		PointPitch:       -math.Pi / 4,
		PointYaw:         math.Pi,
		PointAltRelative: 12.5,
		PointAltAMSL:     480.25,
		PointGroundSpeed: 4.2,
		PointThrottle:    55,
		PointArmStatus:   float64(128 | 1 | 80),
	}, time.Now())

	att := s.FetchAttitudeData()
	assert.InDelta(t, 90, att.RollDeg, 1e-9)
	assert.InDelta(t, -45, att.PitchDeg, 1e-9)
	assert.InDelta(t, 180, att.YawDeg, 1e-9)
	assert.Equal(t, Altitude{RelativeM: 12.5, AMSLM: 480.25}, s.FetchAltitudeData())
	assert.Equal(t, 4.2, s.FetchGroundSpeed())
	assert.Equal(t, 55.0, s.FetchThrottlePercent())
	assert.True(t, s.IsArmed())

	snap := s.Snapshot()
	assert.True(t, snap.Armed)
	assert.Equal(t, StateConnected, snap.ConnectionState)
	snap.Values[PointRoll] = 0
	assert.NotZero(t, s.GetData(PointRoll), "snapshot must be a copy")
}

func TestStoreReset(t *testing.T) {
	s := NewStore(0)
	s.Update(modeValues(adapter.ModeOffboard), time.Now())
	s.RecordFailure()
	s.Reset()

	assert.Equal(t, StateDisconnected, s.ConnectionState())
	assert.Zero(t, s.ErrorCount())
	_, known := s.FlightMode()
	assert.False(t, known)
}
