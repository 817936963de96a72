package mavlink2rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offboard-control/fcb/internal/adapter"
)

const messagesJSON = `{
  "ATTITUDE": {"message": {"type": "ATTITUDE", "roll": 0.1, "pitch": -0.05, "yaw": 1.5}},
  "GLOBAL_POSITION_INT": {"message": {"type": "GLOBAL_POSITION_INT", "relative_alt": 12500, "alt": 488000}},
  "VFR_HUD": {"message": {"type": "VFR_HUD", "groundspeed": 4.2, "throttle": 55}},
  "HEARTBEAT": {"message": {"type": "HEARTBEAT", "custom_mode": 393216, "base_mode": {"bits": 209}}}
}`

var testPoints = []adapter.DataPoint{
	{Name: "roll", Message: "ATTITUDE", Field: "roll"},
	{Name: "alt_rel", Message: "GLOBAL_POSITION_INT", Field: "relative_alt", Scale: 0.001},
	{Name: "groundspeed", Message: "VFR_HUD", Field: "groundspeed"},
	{Name: "flight_mode", Message: "HEARTBEAT", Field: "custom_mode"},
	{Name: "arm_status", Message: "HEARTBEAT", Field: "base_mode"},
	{Name: "battery", Message: "SYS_STATUS", Field: "voltage_battery"},
}

type doFunc func(*http.Request) (*http.Response, error)

func (f doFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetchPointsSingleRequest(t *testing.T) {
	var hits int
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(messagesJSON))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", 1, 1)
	got, err := c.FetchPoints(context.Background(), testPoints)
	require.NoError(t, err)

	assert.Equal(t, 1, hits)
	assert.Equal(t, "/v1/mavlink/vehicles/1/components/1/messages", path)
	assert.Equal(t, 0.1, got["roll"])
	// Scaling belongs to the caller.
	assert.Equal(t, 12500.0, got["alt_rel"])
	assert.Equal(t, 4.2, got["groundspeed"])
	assert.Equal(t, 393216.0, got["flight_mode"])
	assert.Equal(t, 209.0, got["arm_status"])
	assert.NotContains(t, got, "battery")
}

func TestFetchPointsStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, adapter.ErrTransient},
		{http.StatusNotFound, adapter.ErrRejected},
		{http.StatusInternalServerError, adapter.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New(srv.URL, 1, 1).FetchPoints(context.Background(), testPoints)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetchPointsMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ATTITUDE": [`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, 1, 1).FetchPoints(context.Background(), testPoints)
	var te *adapter.TransportError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Original.Error(), "decode messages")
}

func TestFetchPointsConnectionRefused(t *testing.T) {
	c := New("http://fcb.invalid/v1", 1, 1, WithHTTPClient(doFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp 127.0.0.1:8088: connect: connection refused")
	})))
	_, err := c.FetchPoints(context.Background(), testPoints)
	assert.ErrorIs(t, err, adapter.ErrUnavailable)
}

func TestFetchPointsTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(srv.URL, 1, 1).FetchPoints(ctx, testPoints)
	assert.True(t, adapter.IsTransient(err), "got %v", err)
}

func TestNumeric(t *testing.T) {
	v, ok := numeric(map[string]any{"bits": 81.0})
	assert.True(t, ok)
	assert.Equal(t, 81.0, v)

	v, ok = numeric(true)
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = numeric("POSCTL")
	assert.False(t, ok)
	_, ok = numeric(nil)
	assert.False(t, ok)
}
