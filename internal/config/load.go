package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load merges LoadBaseline() + env overrides (FCB_*) + the optional JSON file
// at path, then validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	config := LoadBaseline()

	if err := applyEnvOverrides(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if path != "" {
		fc, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		mergeFileConfig(config, fc)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies FCB_* environment variables to the config.
// Malformed values are reported rather than ignored.
func applyEnvOverrides(config *Config) error {
	durations := map[string]*time.Duration{
		"FCB_TELEMETRY_POLL_INTERVAL":        &config.TelemetryPollInterval,
		"FCB_TELEMETRY_REQUEST_TIMEOUT":      &config.TelemetryRequestTimeout,
		"FCB_TELEMETRY_FAILURE_LOG_INTERVAL": &config.TelemetryFailureLogInterval,
		"FCB_CONNECT_TIMEOUT":                &config.ConnectTimeout,
		"FCB_COMMAND_TIMEOUT":                &config.CommandTimeout,
		"FCB_COMMAND_RETRY_BACKOFF":          &config.CommandRetryBackoff,
		"FCB_TELEMETRY_REFRESH_INTERVAL":     &config.TelemetryRefreshInterval,
		"FCB_HEARTBEAT_INTERVAL":             &config.HeartbeatInterval,
		"FCB_HEARTBEAT_JITTER":               &config.HeartbeatJitter,
		"FCB_MQTT_INTERVAL":                  &config.MQTTInterval,
	}
	for key, dst := range durations {
		if val := os.Getenv(key); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	ints := map[string]*int{
		"FCB_SYSTEM_ID":               &config.SystemID,
		"FCB_COMPONENT_ID":            &config.ComponentID,
		"FCB_GCS_SYSTEM_ID":           &config.GCSSystemID,
		"FCB_COMMAND_RETRIES":         &config.CommandRetries,
		"FCB_CIRCUIT_BREAKER_HISTORY": &config.CircuitBreakerHistory,
		"FCB_EVENT_BUFFER_SIZE":       &config.EventBufferSize,
	}
	for key, dst := range ints {
		if val := os.Getenv(key); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"FCB_MIN_ALTITUDE":           &config.MinAltitude,
		"FCB_DEFAULT_HOVER_THROTTLE": &config.DefaultHoverThrottle,
	}
	for key, dst := range floats {
		if val := os.Getenv(key); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = f
		}
	}

	bools := map[string]*bool{
		"FCB_CIRCUIT_BREAKER":              &config.CircuitBreakerActive,
		"FCB_CIRCUIT_BREAKER_LOG_COMMANDS": &config.CircuitBreakerLogCommands,
	}
	for key, dst := range bools {
		if val := os.Getenv(key); val != "" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
	}

	strs := map[string]*string{
		"FCB_TELEMETRY_SOURCE": &config.TelemetrySource,
		"FCB_MAVLINK2REST_URL": &config.MAVLink2RESTURL,
		"FCB_MAVLINK_ENDPOINT": &config.MAVLinkEndpoint,
		"FCB_ADDR":             &config.APIAddr,
		"FCB_AUTH_SECRET":      &config.AuthSecret,
		"FCB_AUTH_PUBLIC_KEY":  &config.AuthPublicKey,
		"FCB_SCHEMA_PATH":      &config.SchemaPath,
		"FCB_PROFILE":          &config.Profile,
		"FCB_AUDIT_DIR":        &config.AuditDir,
		"FCB_LOG_LEVEL":        &config.LogLevel,
		"FCB_MQTT_BROKER":      &config.MQTTBroker,
		"FCB_MQTT_CLIENT_ID":   &config.MQTTClientID,
		"FCB_MQTT_USERNAME":    &config.MQTTUsername,
		"FCB_MQTT_PASSWORD":    &config.MQTTPassword,
		"FCB_DEVICE_ID":        &config.DeviceID,
	}
	for key, dst := range strs {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	// FCB_LIMIT_<NAME>=value overrides a named safety limit.
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "FCB_LIMIT_") {
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		config.SetLimit(strings.TrimPrefix(key, "FCB_LIMIT_"), f)
	}

	return nil
}

// Duration decodes JSON strings such as "250ms".
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// fileConfig is the on-disk shape; unset keys keep their current value.
type fileConfig struct {
	TelemetrySource             *string            `json:"telemetrySource"`
	TelemetryPollInterval       *Duration          `json:"telemetryPollInterval"`
	TelemetryRequestTimeout     *Duration          `json:"telemetryRequestTimeout"`
	TelemetryFailureLogInterval *Duration          `json:"telemetryFailureLogInterval"`
	MAVLink2RESTURL             *string            `json:"mavlink2restUrl"`
	SystemID                    *int               `json:"systemId"`
	ComponentID                 *int               `json:"componentId"`
	MinAltitude                 *float64           `json:"minAltitude"`
	MAVLinkEndpoint             *string            `json:"mavlinkEndpoint"`
	GCSSystemID                 *int               `json:"gcsSystemId"`
	ConnectTimeout              *Duration          `json:"connectTimeout"`
	CommandTimeout              *Duration          `json:"commandTimeout"`
	CommandRetries              *int               `json:"commandRetries"`
	CommandRetryBackoff         *Duration          `json:"commandRetryBackoff"`
	TelemetryRefreshInterval    *Duration          `json:"telemetryRefreshInterval"`
	DefaultHoverThrottle        *float64           `json:"defaultHoverThrottle"`
	CircuitBreakerActive        *bool              `json:"circuitBreaker"`
	CircuitBreakerLogCommands   *bool              `json:"circuitBreakerLogCommands"`
	CircuitBreakerHistory       *int               `json:"circuitBreakerHistory"`
	HeartbeatInterval           *Duration          `json:"heartbeatInterval"`
	HeartbeatJitter             *Duration          `json:"heartbeatJitter"`
	EventBufferSize             *int               `json:"eventBufferSize"`
	APIAddr                     *string            `json:"apiAddr"`
	AuthPublicKey               *string            `json:"authPublicKey"`
	SchemaPath                  *string            `json:"schemaPath"`
	Profile                     *string            `json:"profile"`
	AuditDir                    *string            `json:"auditDir"`
	LogLevel                    *string            `json:"logLevel"`
	MQTTBroker                  *string            `json:"mqttBroker"`
	MQTTClientID                *string            `json:"mqttClientId"`
	DeviceID                    *string            `json:"deviceId"`
	MQTTInterval                *Duration          `json:"mqttInterval"`
	SafetyLimits                map[string]float64 `json:"safetyLimits"`
}

// loadFromFile decodes a JSON config file, rejecting unknown keys.
func loadFromFile(filename string) (*fileConfig, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var fc fileConfig
	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return &fc, nil
}

// mergeFileConfig copies every key present in the file over config.
func mergeFileConfig(config *Config, fc *fileConfig) {
	setString(&config.TelemetrySource, fc.TelemetrySource)
	setDuration(&config.TelemetryPollInterval, fc.TelemetryPollInterval)
	setDuration(&config.TelemetryRequestTimeout, fc.TelemetryRequestTimeout)
	setDuration(&config.TelemetryFailureLogInterval, fc.TelemetryFailureLogInterval)
	setString(&config.MAVLink2RESTURL, fc.MAVLink2RESTURL)
	setInt(&config.SystemID, fc.SystemID)
	setInt(&config.ComponentID, fc.ComponentID)
	setFloat(&config.MinAltitude, fc.MinAltitude)
	setString(&config.MAVLinkEndpoint, fc.MAVLinkEndpoint)
	setInt(&config.GCSSystemID, fc.GCSSystemID)
	setDuration(&config.ConnectTimeout, fc.ConnectTimeout)
	setDuration(&config.CommandTimeout, fc.CommandTimeout)
	setInt(&config.CommandRetries, fc.CommandRetries)
	setDuration(&config.CommandRetryBackoff, fc.CommandRetryBackoff)
	setDuration(&config.TelemetryRefreshInterval, fc.TelemetryRefreshInterval)
	setFloat(&config.DefaultHoverThrottle, fc.DefaultHoverThrottle)
	setBool(&config.CircuitBreakerActive, fc.CircuitBreakerActive)
	setBool(&config.CircuitBreakerLogCommands, fc.CircuitBreakerLogCommands)
	setInt(&config.CircuitBreakerHistory, fc.CircuitBreakerHistory)
	setDuration(&config.HeartbeatInterval, fc.HeartbeatInterval)
	setDuration(&config.HeartbeatJitter, fc.HeartbeatJitter)
	setInt(&config.EventBufferSize, fc.EventBufferSize)
	setString(&config.APIAddr, fc.APIAddr)
	setString(&config.AuthPublicKey, fc.AuthPublicKey)
	setString(&config.SchemaPath, fc.SchemaPath)
	setString(&config.Profile, fc.Profile)
	setString(&config.AuditDir, fc.AuditDir)
	setString(&config.LogLevel, fc.LogLevel)
	setString(&config.MQTTBroker, fc.MQTTBroker)
	setString(&config.MQTTClientID, fc.MQTTClientID)
	setString(&config.DeviceID, fc.DeviceID)
	setDuration(&config.MQTTInterval, fc.MQTTInterval)
	for name, v := range fc.SafetyLimits {
		config.SetLimit(name, v)
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *Duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
