package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offboard-control/fcb/internal/telemetry"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, payload.([]byte)})
	return doneToken{c.err}
}

func (c *fakeClient) on(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTopics(t *testing.T) {
	u := New(&fakeClient{}, "drone-3", time.Second, nil)
	assert.Equal(t, "/devices/drone-3/events/telemetry", u.TelemetryTopic())
	assert.Equal(t, "/devices/drone-3/events/bridge", u.BridgeTopic())
}

func TestRunPublishesSnapshotsAndEvents(t *testing.T) {
	client := &fakeClient{}
	at := time.Unix(1700000000, 0)
	u := New(client, "drone-3", 5*time.Millisecond,
		func() any { return map[string]any{"armed": true} },
		WithLogger(quiet()), WithClock(func() time.Time { return at }))

	u.PublishType(telemetry.EventOffboardExit, map[string]any{"newMode": "POSCTL"})
	u.PublishType(telemetry.EventHeartbeat, nil)
	u.PublishType(telemetry.EventTelemetry, map[string]any{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return len(client.on(u.TelemetryTopic())) >= 2 && len(client.on(u.BridgeTopic())) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	events := client.on(u.BridgeTopic())
	require.Len(t, events, 1, "heartbeat and telemetry events are not relayed")
	var ev BridgeMessage
	require.NoError(t, json.Unmarshal(events[0].payload, &ev))
	assert.Equal(t, telemetry.EventOffboardExit, ev.Type)
	assert.Equal(t, "drone-3", ev.DeviceID)
	assert.Equal(t, at.UnixMicro(), ev.Timestamp)
	assert.Equal(t, "POSCTL", ev.Data["newMode"])
	_, err := uuid.Parse(ev.MessageID)
	assert.NoError(t, err)

	snaps := client.on(u.TelemetryTopic())
	var first, second TelemetryMessage
	require.NoError(t, json.Unmarshal(snaps[0].payload, &first))
	require.NoError(t, json.Unmarshal(snaps[1].payload, &second))
	assert.Equal(t, map[string]any{"armed": true}, first.Vehicle)
	assert.NotEqual(t, first.MessageID, second.MessageID)
}

func TestPublishTypeDropsWhenQueueFull(t *testing.T) {
	u := New(&fakeClient{}, "d", time.Hour, nil, WithLogger(quiet()))
	for i := 0; i < queueSize+10; i++ {
		u.PublishType(telemetry.EventPhase, nil)
	}
	assert.Len(t, u.queue, queueSize)
}

func TestPublishErrorIsLoggedNotFatal(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	u := New(client, "d", time.Hour, func() any { return nil }, WithLogger(quiet()))
	u.publish(u.TelemetryTopic(), u.telemetryMessage())
	assert.Len(t, client.on(u.TelemetryTopic()), 1)
}
