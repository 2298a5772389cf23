// Package main is the entry point for the esp-mcp-bridge server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/apicov/esp-mcp-bridge/internal/buildinfo"
	"github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/config"
	"github.com/apicov/esp-mcp-bridge/internal/events"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/router"
	"github.com/apicov/esp-mcp-bridge/internal/server"
	"github.com/apicov/esp-mcp-bridge/internal/store"
	"github.com/apicov/esp-mcp-bridge/internal/supervisor"
	"github.com/apicov/esp-mcp-bridge/internal/tools"
)

// drainTimeout bounds how long shutdown waits for in-flight work.
const drainTimeout = 5 * time.Second

// cliArgs holds the command-line and environment configuration.
// Precedence: flags override environment, environment overrides the
// config file, the config file overrides built-in defaults.
type cliArgs struct {
	Command string `arg:"positional" help:"Command to execute (serve, version)" default:"serve"`

	ConfigPath string `arg:"--config,-c" help:"Path to configuration file"`

	MQTTBroker   string `arg:"--mqtt-broker" env:"MQTT_BROKER" help:"MQTT broker hostname or URL"`
	MQTTPort     int    `arg:"--mqtt-port" env:"MQTT_PORT" help:"MQTT broker port"`
	MQTTUsername string `arg:"--mqtt-username" env:"MQTT_USERNAME" help:"MQTT username"`
	MQTTPassword string `arg:"--mqtt-password" env:"MQTT_PASSWORD" help:"MQTT password"`

	DBPath string `arg:"--db-path" env:"DB_PATH" help:"SQLite database file path"`

	DeviceTimeoutMinutes int `arg:"--device-timeout-minutes" env:"DEVICE_TIMEOUT_MINUTES" help:"Minutes of silence before a device is marked offline"`
	RetentionDays        int `arg:"--retention-days" env:"RETENTION_DAYS" help:"Days to keep sensor readings and device errors"`

	Transport   string `arg:"--transport" env:"MCP_TRANSPORT" help:"MCP transport (stdio or http)"`
	HTTPAddress string `arg:"--http-address" env:"MCP_HTTP_ADDRESS" help:"Listen address for the http transport"`

	LogLevel string `arg:"--log-level" env:"LOG_LEVEL" help:"Log level (trace, debug, info, warn, error)"`
}

// Description returns the program description for --help output.
func (cliArgs) Description() string {
	return "Bridges a fleet of embedded IoT devices on MQTT to AI-assistant clients over the Model Context Protocol."
}

// Version returns the version string for --version output.
func (cliArgs) Version() string {
	return buildinfo.String()
}

func main() {
	var args cliArgs
	arg.MustParse(&args)

	switch args.Command {
	case "", "serve":
		os.Exit(runServe(args))
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args.Command)
		os.Exit(1)
	}
}

// resolveConfig layers the config file under the flag/env values
// parsed by go-arg. Zero-valued args leave the underlying setting
// untouched.
func resolveConfig(args cliArgs) (*config.Config, error) {
	cfgPath, err := config.FindConfig(args.ConfigPath)
	if err != nil {
		return nil, err
	}

	var cfg *config.Config
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	} else {
		cfg = config.Default()
	}

	if args.MQTTBroker != "" {
		cfg.MQTT.Broker = args.MQTTBroker
	}
	if args.MQTTPort != 0 {
		cfg.MQTT.Port = args.MQTTPort
	}
	if args.MQTTUsername != "" {
		cfg.MQTT.Username = args.MQTTUsername
	}
	if args.MQTTPassword != "" {
		cfg.MQTT.Password = args.MQTTPassword
	}
	if args.DBPath != "" {
		cfg.Store.Path = args.DBPath
	}
	if args.DeviceTimeoutMinutes != 0 {
		cfg.Bridge.DeviceTimeoutMinutes = args.DeviceTimeoutMinutes
	}
	if args.RetentionDays != 0 {
		cfg.Bridge.SensorRetentionDays = args.RetentionDays
		cfg.Bridge.ErrorRetentionDays = args.RetentionDays
	}
	if args.Transport != "" {
		cfg.Server.Transport = args.Transport
	}
	if args.HTTPAddress != "" {
		cfg.Server.Address = args.HTTPAddress
	}
	if args.LogLevel != "" {
		cfg.LogLevel = args.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(args cliArgs) int {
	cfg, err := resolveConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	// Logs go to stderr: with the stdio transport, stdout carries MCP
	// frames and must stay clean.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting", "version", buildinfo.String())

	// Store first: a DB that cannot be opened is a fatal startup
	// failure.
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("open store", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer st.Close()

	reg := registry.New(cfg.Bridge.MaxRecentErrors)
	evts := events.New()

	instanceID, err := bus.LoadOrCreateInstanceID(cfg.Bridge.DataDir)
	if err != nil {
		logger.Error("instance ID", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Drain operational events into the log.
	evtCh := evts.Subscribe(64)
	defer evts.Unsubscribe(evtCh)
	go func() {
		for e := range evtCh {
			logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}()

	b := bus.New(cfg.MQTT, "mcp-bridge-"+instanceID[:8], evts, logger)
	rt := router.New(reg, st, evts, logger)
	rt.Attach(b)

	if err := b.Start(ctx); err != nil {
		logger.Error("start bus", "error", err)
		return 1
	}

	sup := supervisor.New(supervisor.Config{
		DeviceTimeout:       cfg.Bridge.DeviceTimeout(),
		TimeoutScanInterval: time.Duration(cfg.Bridge.TimeoutScanSec) * time.Second,
		MetricsInterval:     time.Duration(cfg.Bridge.MetricsIntervalSec) * time.Second,
		CleanupInterval:     time.Duration(cfg.Bridge.CleanupIntervalHours) * time.Hour,
		SensorRetention:     cfg.Bridge.SensorRetention(),
		ErrorRetention:      cfg.Bridge.ErrorRetention(),
	}, reg, st, evts, logger)
	sup.Start(ctx)

	handler := tools.NewHandler(reg, st, b, rt, evts, cfg.Bridge.ToolDeadline(), logger)
	srv := server.New(cfg.Server, handler, logger)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		if err != nil {
			logger.Error("MCP server stopped", "error", err)
		}
		stop()
	}

	// Reverse startup order with a bounded drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("MCP server shutdown", "error", err)
	}

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("supervisor drain timed out")
	}

	if err := b.Stop(shutdownCtx); err != nil {
		logger.Warn("bus disconnect", "error", err)
	}

	logger.Info("shutdown complete")
	return 0
}
