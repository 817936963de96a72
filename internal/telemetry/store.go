package telemetry

import (
	"maps"
	"math"
	"sync"
	"time"

	"github.com/offboard-control/fcb/internal/adapter"
)

// ConnectionState is the health of the telemetry link.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Data point names.
const (
	PointRoll        = "roll"
	PointPitch       = "pitch"
	PointYaw         = "yaw"
	PointAltRelative = "altitude_relative"
	PointAltAMSL     = "altitude_amsl"
	PointGroundSpeed = "ground_speed"
	PointThrottle    = "throttle"
	PointFlightMode  = "flight_mode"
	PointArmStatus   = "arm_status"
)

// armedFlag is MAV_MODE_FLAG_SAFETY_ARMED in HEARTBEAT.base_mode.
const armedFlag = 128

// DefaultDataPoints maps each point to its MAVLink message field.
// Angles stay in radians; altitudes are scaled from millimetres.
func DefaultDataPoints() []adapter.DataPoint {
	return []adapter.DataPoint{
		{Name: PointRoll, Message: "ATTITUDE", Field: "roll"},
		{Name: PointPitch, Message: "ATTITUDE", Field: "pitch"},
		{Name: PointYaw, Message: "ATTITUDE", Field: "yaw"},
		{Name: PointAltRelative, Message: "GLOBAL_POSITION_INT", Field: "relative_alt", Scale: 0.001},
		{Name: PointAltAMSL, Message: "GLOBAL_POSITION_INT", Field: "alt", Scale: 0.001},
		{Name: PointGroundSpeed, Message: "VFR_HUD", Field: "groundspeed"},
		{Name: PointThrottle, Message: "VFR_HUD", Field: "throttle"},
		{Name: PointFlightMode, Message: "HEARTBEAT", Field: "custom_mode"},
		{Name: PointArmStatus, Message: "HEARTBEAT", Field: "base_mode"},
	}
}

// Attitude in degrees.
type Attitude struct {
	RollDeg  float64 `json:"rollDeg"`
	PitchDeg float64 `json:"pitchDeg"`
	YawDeg   float64 `json:"yawDeg"`
}

// Altitude in metres.
type Altitude struct {
	RelativeM float64 `json:"relativeM"`
	AMSLM     float64 `json:"amslM"`
}

// Snapshot is a consistent copy of the telemetry state.
type Snapshot struct {
	Values          map[string]float64 `json:"values"`
	ConnectionState ConnectionState    `json:"connectionState"`
	ErrorCount      int                `json:"errorCount"`
	FlightMode      string             `json:"flightMode,omitempty"`
	Armed           bool               `json:"armed"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// ModeChangeFunc receives an OFFBOARD exit edge.
type ModeChangeFunc func(old, new adapter.FlightMode)

// Store holds telemetry values behind one mutex. Callbacks run after the
// lock is released.
type Store struct {
	mu          sync.Mutex
	values      map[string]float64
	state       ConnectionState
	errorCount  int
	lastMode    adapter.FlightMode
	modeKnown   bool
	updatedAt   time.Time
	minAltitude float64
	onExit      []ModeChangeFunc
}

// NewStore returns an empty, disconnected store. minAltitude is reported when
// relative altitude has never been received.
func NewStore(minAltitude float64) *Store {
	return &Store{
		values:      make(map[string]float64),
		state:       StateDisconnected,
		minAltitude: minAltitude,
	}
}

// OnOffboardExit registers fn for every OFFBOARD -> other transition.
func (s *Store) OnOffboardExit(fn ModeChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = append(s.onExit, fn)
}

// Reset clears values, counters and the remembered flight mode.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]float64)
	s.state = StateDisconnected
	s.errorCount = 0
	s.lastMode = 0
	s.modeKnown = false
	s.updatedAt = time.Time{}
}

// SetConnectionState overrides the link state without touching values.
func (s *Store) SetConnectionState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Update merges already-scaled values from one successful acquisition. It
// marks the link connected, resets the error counter and returns the error
// count it replaced. The exit callbacks fire once when the remembered mode
// was OFFBOARD and the new one is not.
func (s *Store) Update(values map[string]float64, at time.Time) int {
	s.mu.Lock()
	for k, v := range values {
		s.values[k] = v
	}
	prevErrors := s.errorCount
	s.state = StateConnected
	s.errorCount = 0
	s.updatedAt = at

	var fire []ModeChangeFunc
	var oldMode, newMode adapter.FlightMode
	if raw, ok := values[PointFlightMode]; ok {
		newMode = adapter.FlightMode(uint32(raw))
		if s.modeKnown && s.lastMode.IsOffboard() && !newMode.IsOffboard() {
			oldMode = s.lastMode
			fire = append(fire, s.onExit...)
		}
		s.lastMode = newMode
		s.modeKnown = true
	}
	s.mu.Unlock()

	for _, fn := range fire {
		fn(oldMode, newMode)
	}
	return prevErrors
}

// RecordFailure marks the link errored and returns the consecutive failure count.
func (s *Store) RecordFailure() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateError
	s.errorCount++
	return s.errorCount
}

// GetData returns a point's value, or 0 when it was never populated.
func (s *Store) GetData(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

// Lookup returns a point's value and whether it was populated.
func (s *Store) Lookup(name string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

// FetchAttitudeData returns attitude in degrees; missing angles read as 0.
func (s *Store) FetchAttitudeData() Attitude {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Attitude{
		RollDeg:  radToDeg(s.values[PointRoll]),
		PitchDeg: radToDeg(s.values[PointPitch]),
		YawDeg:   radToDeg(s.values[PointYaw]),
	}
}

// FetchAltitudeData returns altitude in metres. A missing relative altitude
// reads as the configured minimum altitude, a missing AMSL altitude as 0.
func (s *Store) FetchAltitudeData() Altitude {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.values[PointAltRelative]
	if !ok {
		rel = s.minAltitude
	}
	return Altitude{RelativeM: rel, AMSLM: s.values[PointAltAMSL]}
}

// FetchGroundSpeed returns ground speed in m/s, 0 when unknown.
func (s *Store) FetchGroundSpeed() float64 {
	return s.GetData(PointGroundSpeed)
}

// FetchThrottlePercent returns throttle in percent, 0 when unknown.
func (s *Store) FetchThrottlePercent() float64 {
	return s.GetData(PointThrottle)
}

// IsArmed decodes the armed flag from the last heartbeat.
func (s *Store) IsArmed() bool {
	return uint32(s.GetData(PointArmStatus))&armedFlag != 0
}

// FlightMode returns the last observed flight mode.
func (s *Store) FlightMode() (adapter.FlightMode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMode, s.modeKnown
}

// ConnectionState returns the link state.
func (s *Store) ConnectionState() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorCount returns the consecutive failure count.
func (s *Store) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// Snapshot copies the full state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Values:          maps.Clone(s.values),
		ConnectionState: s.state,
		ErrorCount:      s.errorCount,
		Armed:           uint32(s.values[PointArmStatus])&armedFlag != 0,
		UpdatedAt:       s.updatedAt,
	}
	if s.modeKnown {
		snap.FlightMode = s.lastMode.String()
	}
	return snap
}

func radToDeg(r float64) float64 {
	return r * 180 / math.Pi
}
