package mavlink

import (
	"context"

	"github.com/offboard-control/fcb/internal/telemetry"
)

// Stream exposes the telemetry carried on the command link. It is the
// fallback source when no MAVLink2REST server is available.
type Stream struct {
	*telemetry.Store
	t *Transport
}

// Stream returns the streaming telemetry source bound to t.
func (t *Transport) Stream() *Stream {
	return &Stream{Store: t.store, t: t}
}

// Start begins feeding the store from incoming messages.
func (s *Stream) Start(context.Context) error {
	if s.t.streaming.Swap(true) {
		return nil
	}
	s.Reset()
	if s.t.Connected() {
		s.SetConnectionState(telemetry.StateConnected)
	} else {
		s.SetConnectionState(telemetry.StateConnecting)
	}
	return nil
}

// Stop detaches the store from the link.
func (s *Stream) Stop() {
	if !s.t.streaming.Swap(false) {
		return
	}
	s.SetConnectionState(telemetry.StateDisconnected)
}
