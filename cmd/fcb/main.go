// Command fcb bridges an offboard guidance computer to a PX4 autopilot: it
// streams validated setpoints over MAVLink, aggregates telemetry, and serves
// the HTTP API and event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/offboard-control/fcb/internal/adapter/mavlink"
	"github.com/offboard-control/fcb/internal/adapter/mavlink2rest"
	"github.com/offboard-control/fcb/internal/api"
	"github.com/offboard-control/fcb/internal/audit"
	"github.com/offboard-control/fcb/internal/auth"
	"github.com/offboard-control/fcb/internal/command"
	"github.com/offboard-control/fcb/internal/config"
	"github.com/offboard-control/fcb/internal/safety"
	"github.com/offboard-control/fcb/internal/schema"
	"github.com/offboard-control/fcb/internal/setpoint"
	"github.com/offboard-control/fcb/internal/telemetry"
	"github.com/offboard-control/fcb/internal/uplink"
)

// Version is set at build time.
var Version = "dev"

const reconnectEvery = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	listProfiles := flag.Bool("profiles", false, "list setpoint profiles and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}
	if err := run(*configPath, *listProfiles); err != nil {
		slog.Error("fcb exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, listProfiles bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	s, err := schema.Load(cfg.SchemaPath)
	if err != nil {
		return err
	}
	if listProfiles {
		fmt.Println(strings.Join(s.ProfileNames(), "\n"))
		return nil
	}

	logger.Info("starting flight controller bridge",
		slog.String("version", Version),
		slog.String("telemetry_source", cfg.TelemetrySource),
		slog.String("mavlink", cfg.MAVLinkEndpoint),
		slog.Bool("circuit_breaker", cfg.CircuitBreakerActive))

	gate := safety.NewGate(cfg.CircuitBreakerActive,
		safety.WithLogger(logger.With(slog.String("component", "safety"))),
		safety.WithHistorySize(cfg.CircuitBreakerHistory),
		safety.WithLogCommands(cfg.CircuitBreakerLogCommands))

	validator, err := setpoint.New(s, cfg.Profile, cfg,
		setpoint.WithLogger(logger.With(slog.String("component", "setpoint"))),
		setpoint.WithStatus(gate))
	if err != nil {
		return err
	}

	auditLogger, err := audit.NewLogger(cfg.AuditDir)
	if err != nil {
		return fmt.Errorf("audit logger: %w", err)
	}
	defer func() { _ = auditLogger.Close() }()

	hub := telemetry.NewHub(cfg, telemetry.WithHubLogger(logger.With(slog.String("component", "events"))))
	defer hub.Stop()

	transport := mavlink.New(cfg, mavlink.WithLogger(logger.With(slog.String("component", "mavlink"))))

	var source command.TelemetrySource
	switch cfg.TelemetrySource {
	case config.SourceStream:
		source = transport.Stream()
	default:
		rest := mavlink2rest.New(cfg.MAVLink2RESTURL, cfg.SystemID, cfg.ComponentID)
		source = telemetry.NewPoller(rest, cfg,
			telemetry.WithPollerLogger(logger.With(slog.String("component", "telemetry"))))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var orch *command.Orchestrator
	publishers := command.Publishers{hub}

	var (
		mqttClient mqtt.Client
		up         *uplink.Uplink
	)
	if cfg.MQTTBroker != "" {
		mqttClient, err = uplink.Dial(ctx, cfg, logger.With(slog.String("component", "uplink")))
		if err != nil {
			return err
		}
		defer mqttClient.Disconnect(250)

		up = uplink.New(mqttClient, cfg.DeviceID, cfg.MQTTInterval,
			func() any { return orch.VehicleState() },
			uplink.WithLogger(logger.With(slog.String("component", "uplink"))))
		publishers = append(publishers, up)
	}

	orch = command.New(cfg, transport, source, gate,
		command.WithLogger(logger.With(slog.String("component", "orchestrator"))),
		command.WithEvents(publishers),
		command.WithAuditLogger(auditLogger))
	if err := orch.SetSetpointValidator(validator); err != nil {
		return err
	}

	if up != nil {
		go up.Run(ctx)
	}

	hub.SetSnapshot(func() map[string]any {
		return map[string]any{
			"vehicle":        orch.VehicleState(),
			"circuitBreaker": gate.Status(),
		}
	})

	verifier, err := auth.NewVerifierFromFiles(cfg.AuthPublicKey, cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	opts := []api.Option{
		api.WithLogger(logger.With(slog.String("component", "api"))),
		api.WithAuditLogger(auditLogger),
		api.WithVersion(Version),
		api.WithTimeouts(10*time.Second, 0, 120*time.Second),
	}
	if verifier != nil {
		opts = append(opts, api.WithAuth(auth.NewMiddleware(verifier, logger, "/api/v1/health")))
		logger.Info("API authentication enabled", slog.String("alg", verifier.Algorithm()))
	} else {
		logger.Warn("no auth key configured, API is unauthenticated")
	}
	server := api.NewServer(orch, hub, gate, opts...)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(cfg.APIAddr) }()

	go connectLoop(ctx, orch, logger)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			if err := auditLogger.Rotate(); err != nil {
				logger.Error("audit rotate failed", slog.Any("error", err))
			}
			continue
		case err := <-serverErr:
			if err != nil {
				logger.Error("HTTP server failed", slog.Any("error", err))
			}
		case <-ctx.Done():
			logger.Info("shutdown requested")
		}
		break
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP server stop failed", slog.Any("error", err))
	}
	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("orchestrator stop failed", slog.Any("error", err))
	}
	logger.Info("shutdown complete")
	return nil
}

// connectLoop retries Connect until it succeeds or ctx ends.
func connectLoop(ctx context.Context, orch *command.Orchestrator, logger *slog.Logger) {
	for {
		err := orch.Connect(ctx)
		if err == nil {
			return
		}
		logger.Warn("autopilot connect failed, retrying",
			slog.Duration("in", reconnectEvery), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectEvery):
		}
	}
}
