package adapter

import "testing"

func TestFlightModeEncoding(t *testing.T) {
	tests := []struct {
		mode FlightMode
		want uint32
		name string
	}{
		{ModeOffboard, 393216, "OFFBOARD"},
		{ModePosition, 196608, "POSCTL"},
		{ModeManual, 65536, "MANUAL"},
		{ModeHold, 50593792, "AUTO_LOITER"},
		{ModeRTL, 84148224, "AUTO_RTL"},
		{ModeLand, 100925440, "AUTO_LAND"},
		{FlightMode(0), 0, "UNKNOWN(0)"},
	}
	for _, tt := range tests {
		if uint32(tt.mode) != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, uint32(tt.mode), tt.want)
		}
		if tt.mode.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.mode.String(), tt.name)
		}
	}
}

func TestFlightModeIsOffboard(t *testing.T) {
	if !ModeOffboard.IsOffboard() {
		t.Error("OFFBOARD must report IsOffboard")
	}
	for _, m := range []FlightMode{ModePosition, ModeHold, ModeRTL, 0} {
		if m.IsOffboard() {
			t.Errorf("%s must not report IsOffboard", m)
		}
	}
}
