package adapter

import "fmt"

// FlightMode is a PX4 custom_mode value: main mode in bits 16-23, sub mode in bits 24-31.
type FlightMode uint32

// PX4 main modes.
const (
	MainModeManual     = 1
	MainModeAltitude   = 2
	MainModePosition   = 3
	MainModeAuto       = 4
	MainModeAcro       = 5
	MainModeOffboard   = 6
	MainModeStabilized = 7
)

// PX4 auto sub modes.
const (
	SubModeAutoReady   = 1
	SubModeAutoTakeoff = 2
	SubModeAutoLoiter  = 3
	SubModeAutoMission = 4
	SubModeAutoRTL     = 5
	SubModeAutoLand    = 6
)

// NewFlightMode encodes a main/sub mode pair.
func NewFlightMode(main, sub uint8) FlightMode {
	return FlightMode(uint32(main)<<16 | uint32(sub)<<24)
}

// Well-known flight modes.
var (
	ModeManual   = NewFlightMode(MainModeManual, 0)
	ModeAltitude = NewFlightMode(MainModeAltitude, 0)
	ModePosition = NewFlightMode(MainModePosition, 0)
	ModeOffboard = NewFlightMode(MainModeOffboard, 0)
	ModeHold     = NewFlightMode(MainModeAuto, SubModeAutoLoiter)
	ModeMission  = NewFlightMode(MainModeAuto, SubModeAutoMission)
	ModeRTL      = NewFlightMode(MainModeAuto, SubModeAutoRTL)
	ModeLand     = NewFlightMode(MainModeAuto, SubModeAutoLand)
	ModeTakeoff  = NewFlightMode(MainModeAuto, SubModeAutoTakeoff)
)

// Main returns the main mode byte.
func (m FlightMode) Main() uint8 { return uint8(m >> 16) }

// Sub returns the sub mode byte.
func (m FlightMode) Sub() uint8 { return uint8(m >> 24) }

// IsOffboard reports whether m is OFFBOARD.
func (m FlightMode) IsOffboard() bool { return m.Main() == MainModeOffboard }

func (m FlightMode) String() string {
	switch m.Main() {
	case MainModeManual:
		return "MANUAL"
	case MainModeAltitude:
		return "ALTCTL"
	case MainModePosition:
		return "POSCTL"
	case MainModeAcro:
		return "ACRO"
	case MainModeOffboard:
		return "OFFBOARD"
	case MainModeStabilized:
		return "STABILIZED"
	case MainModeAuto:
		switch m.Sub() {
		case SubModeAutoReady:
			return "AUTO_READY"
		case SubModeAutoTakeoff:
			return "AUTO_TAKEOFF"
		case SubModeAutoLoiter:
			return "AUTO_LOITER"
		case SubModeAutoMission:
			return "AUTO_MISSION"
		case SubModeAutoRTL:
			return "AUTO_RTL"
		case SubModeAutoLand:
			return "AUTO_LAND"
		}
		return fmt.Sprintf("AUTO(%d)", m.Sub())
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(m))
}
