// Package uplink forwards telemetry snapshots and bridge events to an MQTT
// broker for fleet monitoring.
package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/offboard-control/fcb/internal/config"
	"github.com/offboard-control/fcb/internal/telemetry"
)

const (
	qos            = 1
	retain         = false
	publishTimeout = 2 * time.Second
	queueSize      = 64
)

// Client is the part of mqtt.Client the uplink uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// SnapshotFunc returns the current vehicle state for the periodic message.
type SnapshotFunc func() any

// TelemetryMessage is published on /devices/<id>/events/telemetry.
type TelemetryMessage struct {
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"messageId"`
	DeviceID  string `json:"deviceId"`
	Vehicle   any    `json:"vehicle"`
}

// BridgeMessage is published on /devices/<id>/events/bridge.
type BridgeMessage struct {
	Timestamp int64          `json:"timestamp"`
	MessageID string         `json:"messageId"`
	DeviceID  string         `json:"deviceId"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Uplink publishes on a fixed interval and relays bridge events. PublishType
// never blocks; events queue until Run sends them.
type Uplink struct {
	client   Client
	deviceID string
	interval time.Duration
	snapshot SnapshotFunc
	logger   *slog.Logger
	now      func() time.Time
	queue    chan BridgeMessage
}

// Option configures an Uplink.
type Option func(*Uplink)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uplink) { u.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Uplink) { u.now = now }
}

// New creates an uplink that publishes snapshot() every interval.
func New(client Client, deviceID string, interval time.Duration, snapshot SnapshotFunc, opts ...Option) *Uplink {
	u := &Uplink{
		client:   client,
		deviceID: deviceID,
		interval: interval,
		snapshot: snapshot,
		logger:   slog.Default(),
		now:      time.Now,
		queue:    make(chan BridgeMessage, queueSize),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Dial connects to the broker in cfg. Connection attempts time out after
// 5s each and give up when ctx ends.
func Dial(ctx context.Context, cfg *config.Config, logger *slog.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientID).
		SetUsername(cfg.MQTTUsername).
		SetPassword(cfg.MQTTPassword).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("MQTT connection lost", slog.Any("error", err))
		}).
		SetProtocolVersion(4)

	client := mqtt.NewClient(opts)
	for {
		logger.Info("connecting MQTT", slog.String("broker", cfg.MQTTBroker))
		tok := client.Connect()
		if tok.WaitTimeout(5 * time.Second) {
			if err := tok.Error(); err != nil {
				return nil, fmt.Errorf("mqtt connect: %w", err)
			}
			logger.Info("MQTT connected")
			return client, nil
		}
		logger.Warn("MQTT connection timeout")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// TelemetryTopic returns the periodic snapshot topic.
func (u *Uplink) TelemetryTopic() string {
	return fmt.Sprintf("/devices/%s/events/telemetry", u.deviceID)
}

// BridgeTopic returns the bridge event topic.
func (u *Uplink) BridgeTopic() string {
	return fmt.Sprintf("/devices/%s/events/bridge", u.deviceID)
}

// PublishType queues a bridge event. Heartbeats and periodic telemetry
// events are not relayed; the snapshot message covers them.
func (u *Uplink) PublishType(typ string, data map[string]any) {
	switch typ {
	case telemetry.EventHeartbeat, telemetry.EventTelemetry:
		return
	}
	msg := BridgeMessage{
		Timestamp: u.now().UnixMicro(),
		MessageID: uuid.NewString(),
		DeviceID:  u.deviceID,
		Type:      typ,
		Data:      data,
	}
	select {
	case u.queue <- msg:
	default:
		u.logger.Debug("uplink queue full, dropping event", slog.String("type", typ))
	}
}

// Run publishes until ctx ends.
func (u *Uplink) Run(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-u.queue:
			u.publish(u.BridgeTopic(), msg)
		case <-ticker.C:
			u.publish(u.TelemetryTopic(), u.telemetryMessage())
		}
	}
}

func (u *Uplink) telemetryMessage() TelemetryMessage {
	return TelemetryMessage{
		Timestamp: u.now().UnixMicro(),
		MessageID: uuid.NewString(),
		DeviceID:  u.deviceID,
		Vehicle:   u.snapshot(),
	}
}

func (u *Uplink) publish(topic string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		u.logger.Error("uplink marshal failed", slog.String("topic", topic), slog.Any("error", err))
		return
	}
	tok := u.client.Publish(topic, qos, retain, b)
	if !tok.WaitTimeout(publishTimeout) {
		u.logger.Warn("uplink publish timed out", slog.String("topic", topic))
		return
	}
	if err := tok.Error(); err != nil {
		u.logger.Warn("uplink publish failed", slog.String("topic", topic), slog.Any("error", err))
	}
}
