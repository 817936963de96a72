package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate enforces configuration constraints.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateTelemetry(config); err != nil {
		return fmt.Errorf("telemetry validation failed: %w", err)
	}

	if err := validateCommand(config); err != nil {
		return fmt.Errorf("command validation failed: %w", err)
	}

	if err := validateLimits(config); err != nil {
		return fmt.Errorf("safety limit validation failed: %w", err)
	}

	if err := validateEventHub(config); err != nil {
		return fmt.Errorf("event hub validation failed: %w", err)
	}

	return nil
}

func validateTelemetry(config *Config) error {
	switch config.TelemetrySource {
	case SourcePoller:
		u, err := url.Parse(config.MAVLink2RESTURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid MAVLink2REST URL %q", config.MAVLink2RESTURL)
		}
	case SourceStream:
	default:
		return fmt.Errorf("unknown telemetry source %q (want %s or %s)", config.TelemetrySource, SourcePoller, SourceStream)
	}

	if config.TelemetryPollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", config.TelemetryPollInterval)
	}
	if config.TelemetryRequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", config.TelemetryRequestTimeout)
	}
	if config.TelemetryFailureLogInterval < 0 {
		return fmt.Errorf("failure log interval must be non-negative, got %v", config.TelemetryFailureLogInterval)
	}
	if config.SystemID < 1 || config.SystemID > 255 {
		return fmt.Errorf("system id must be in [1, 255], got %d", config.SystemID)
	}
	if config.ComponentID < 0 || config.ComponentID > 255 {
		return fmt.Errorf("component id must be in [0, 255], got %d", config.ComponentID)
	}
	if config.MinAltitude < 0 {
		return fmt.Errorf("minimum altitude must be non-negative, got %v", config.MinAltitude)
	}
	return nil
}

func validateCommand(config *Config) error {
	if _, _, ok := strings.Cut(config.MAVLinkEndpoint, ":"); !ok {
		return fmt.Errorf("mavlink endpoint %q must be <kind>:<address>", config.MAVLinkEndpoint)
	}
	if config.GCSSystemID < 1 || config.GCSSystemID > 255 {
		return fmt.Errorf("gcs system id must be in [1, 255], got %d", config.GCSSystemID)
	}
	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %v", config.ConnectTimeout)
	}
	if config.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive, got %v", config.CommandTimeout)
	}
	// One retry at most: the only retried failures are transient link errors.
	if config.CommandRetries < 0 || config.CommandRetries > 1 {
		return fmt.Errorf("command retries must be 0 or 1, got %d", config.CommandRetries)
	}
	if config.CommandRetryBackoff < 0 {
		return fmt.Errorf("command retry backoff must be non-negative, got %v", config.CommandRetryBackoff)
	}
	if config.TelemetryRefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %v", config.TelemetryRefreshInterval)
	}
	if config.DefaultHoverThrottle < 0 || config.DefaultHoverThrottle > 1 {
		return fmt.Errorf("hover throttle must be in [0, 1], got %v", config.DefaultHoverThrottle)
	}
	return nil
}

func validateLimits(config *Config) error {
	for name, v := range config.Limits() {
		if v <= 0 {
			return fmt.Errorf("limit %s must be positive, got %v", name, v)
		}
	}
	if config.CircuitBreakerHistory <= 0 {
		return fmt.Errorf("circuit breaker history must be positive, got %d", config.CircuitBreakerHistory)
	}
	return nil
}

func validateEventHub(config *Config) error {
	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", config.HeartbeatInterval)
	}
	if config.HeartbeatJitter < 0 || config.HeartbeatJitter > config.HeartbeatInterval/2 {
		return fmt.Errorf("heartbeat jitter %v must be within 50%% of interval %v", config.HeartbeatJitter, config.HeartbeatInterval)
	}
	if config.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", config.EventBufferSize)
	}
	if config.MQTTBroker != "" && config.MQTTInterval <= 0 {
		return fmt.Errorf("mqtt interval must be positive, got %v", config.MQTTInterval)
	}
	return nil
}
