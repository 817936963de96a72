package config

import (
	"maps"
	"sort"
	"sync"
	"time"
)

// Telemetry sources.
const (
	SourcePoller = "poller"
	SourceStream = "stream"
)

// Config is the full bridge configuration.
type Config struct {
	// Telemetry acquisition
	TelemetrySource             string
	TelemetryPollInterval       time.Duration
	TelemetryRequestTimeout     time.Duration
	TelemetryFailureLogInterval time.Duration
	MAVLink2RESTURL             string
	SystemID                    int
	ComponentID                 int
	MinAltitude                 float64

	// Command link
	MAVLinkEndpoint          string
	GCSSystemID              int
	ConnectTimeout           time.Duration
	CommandTimeout           time.Duration
	CommandRetries           int
	CommandRetryBackoff      time.Duration
	TelemetryRefreshInterval time.Duration
	DefaultHoverThrottle     float64

	// Safety
	CircuitBreakerActive      bool
	CircuitBreakerLogCommands bool
	CircuitBreakerHistory     int

	// Event hub
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	EventBufferSize   int

	// Surfaces
	APIAddr       string
	AuthSecret    string
	AuthPublicKey string // PEM file; selects RS256 over AuthSecret
	SchemaPath    string
	Profile       string
	AuditDir      string
	LogLevel      string

	// MQTT uplink; disabled when MQTTBroker is empty.
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	DeviceID     string
	MQTTInterval time.Duration

	limitsMu     sync.RWMutex
	SafetyLimits map[string]float64
}

// LoadBaseline returns the default configuration.
func LoadBaseline() *Config {
	return &Config{
		TelemetrySource:             SourcePoller,
		TelemetryPollInterval:       100 * time.Millisecond,
		TelemetryRequestTimeout:     1 * time.Second,
		TelemetryFailureLogInterval: 5 * time.Second,
		MAVLink2RESTURL:             "http://127.0.0.1:8088/v1",
		SystemID:                    1,
		ComponentID:                 1,
		MinAltitude:                 3.0,

		MAVLinkEndpoint:          "udp-server:0.0.0.0:14540",
		GCSSystemID:              245,
		ConnectTimeout:           10 * time.Second,
		CommandTimeout:           2 * time.Second,
		CommandRetries:           1,
		CommandRetryBackoff:      50 * time.Millisecond,
		TelemetryRefreshInterval: 100 * time.Millisecond,
		DefaultHoverThrottle:     0.5,

		CircuitBreakerActive:      false,
		CircuitBreakerLogCommands: true,
		CircuitBreakerHistory:     200,

		HeartbeatInterval: 15 * time.Second,
		HeartbeatJitter:   2 * time.Second,
		EventBufferSize:   50,

		APIAddr:  ":8000",
		Profile:  "mc_velocity_offboard",
		AuditDir: "logs",
		LogLevel: "info",

		MQTTClientID: "fcb",
		DeviceID:     "fcb-1",
		MQTTInterval: 1 * time.Second,

		SafetyLimits: DefaultSafetyLimits(),
	}
}

// DefaultSafetyLimits returns the baseline named limits.
func DefaultSafetyLimits() map[string]float64 {
	return map[string]float64{
		"MAX_VELOCITY_FORWARD":  8.0,
		"MAX_VELOCITY_LATERAL":  5.0,
		"MAX_VELOCITY_VERTICAL": 3.0,
		"MAX_YAW_RATE":          45.0,
		"MAX_ROLL_RATE":         60.0,
		"MAX_PITCH_RATE":        60.0,
	}
}

// Limit returns the named safety limit.
func (c *Config) Limit(name string) (float64, bool) {
	c.limitsMu.RLock()
	defer c.limitsMu.RUnlock()
	v, ok := c.SafetyLimits[name]
	return v, ok
}

// SetLimit updates a named safety limit at runtime.
func (c *Config) SetLimit(name string, value float64) {
	c.limitsMu.Lock()
	defer c.limitsMu.Unlock()
	if c.SafetyLimits == nil {
		c.SafetyLimits = make(map[string]float64)
	}
	c.SafetyLimits[name] = value
}

// Limits returns a copy of all named limits.
func (c *Config) Limits() map[string]float64 {
	c.limitsMu.RLock()
	defer c.limitsMu.RUnlock()
	return maps.Clone(c.SafetyLimits)
}

// LimitNames returns the configured limit names, sorted.
func (c *Config) LimitNames() []string {
	c.limitsMu.RLock()
	defer c.limitsMu.RUnlock()
	names := make([]string, 0, len(c.SafetyLimits))
	for n := range c.SafetyLimits {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
