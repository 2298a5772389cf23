// Package supervisor runs the bridge's background maintenance loops:
// the device timeout scan, the per-device metrics snapshot, and the
// retention cleanup sweep. Each loop is an independent goroutine with
// its own ticker; all exit at their next checkpoint when the context
// is cancelled. Loop failures are logged and retried next cycle —
// nothing here takes the process down.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/apicov/esp-mcp-bridge/internal/events"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

// Config holds the loop intervals and policy knobs.
type Config struct {
	// DeviceTimeout is how long a device may stay silent before the
	// timeout scan marks it offline.
	DeviceTimeout time.Duration
	// TimeoutScanInterval is how often the timeout scan runs.
	TimeoutScanInterval time.Duration
	// MetricsInterval is how often per-device metrics are snapshotted.
	MetricsInterval time.Duration
	// CleanupInterval is how often the retention sweep runs.
	CleanupInterval time.Duration
	// SensorRetention bounds the age of persisted sensor readings.
	SensorRetention time.Duration
	// ErrorRetention bounds the age of persisted device errors.
	ErrorRetention time.Duration
}

// Supervisor owns the background loops.
type Supervisor struct {
	cfg      Config
	registry *registry.Registry
	store    *store.Store
	events   *events.Bus
	logger   *slog.Logger

	uptimeStart time.Time
	wg          sync.WaitGroup
}

// New creates a supervisor. A nil logger is replaced with slog.Default.
func New(cfg Config, reg *registry.Registry, st *store.Store, evts *events.Bus, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		registry:    reg,
		store:       st,
		events:      evts,
		logger:      logger,
		uptimeStart: time.Now().UTC(),
	}
}

// Start launches the three maintenance loops. They run until ctx is
// cancelled; call [Supervisor.Wait] to block until they have drained.
func (s *Supervisor) Start(ctx context.Context) {
	s.wg.Add(3)
	go s.run(ctx, "timeout_scan", s.cfg.TimeoutScanInterval, s.scanTimeouts)
	go s.run(ctx, "metrics_snapshot", s.cfg.MetricsInterval, s.snapshotMetrics)
	go s.run(ctx, "retention_cleanup", s.cfg.CleanupInterval, s.cleanup)

	s.logger.Info("supervisor started",
		"timeout_scan", s.cfg.TimeoutScanInterval.String(),
		"metrics_snapshot", s.cfg.MetricsInterval.String(),
		"retention_cleanup", s.cfg.CleanupInterval.String(),
	)
}

// Wait blocks until all loops have exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// run executes fn on every tick until ctx is cancelled. The loop does
// not fire immediately on start; the first execution happens after one
// interval.
func (s *Supervisor) run(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("supervisor loop stopped", "loop", name)
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// scanTimeouts flips silent devices offline in the registry and
// persists the status change.
func (s *Supervisor) scanTimeouts(ctx context.Context) {
	timedOut := s.registry.ScanTimeouts(s.cfg.DeviceTimeout)
	if len(timedOut) == 0 {
		return
	}

	s.logger.Info("devices timed out", "count", len(timedOut), "timeout", s.cfg.DeviceTimeout.String())

	now := time.Now().UTC()
	for _, id := range timedOut {
		d, ok := s.registry.Get(id)
		lastSeen := now
		if ok {
			lastSeen = d.LastSeen
		}
		if err := s.store.UpdateDeviceStatus(ctx, id, "offline", lastSeen); err != nil {
			s.logger.Error("persist offline status", "device_id", id, "error", err)
		}
		s.events.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceSupervisor,
			Kind:      events.KindDeviceOffline,
			Data:      map[string]any{"device_id": id, "reason": "timeout"},
		})
	}
}

// snapshotMetrics persists bridge-derived counters for every known
// device. Counters reset on restart; the snapshot is a derived view,
// not an authoritative ledger.
func (s *Supervisor) snapshotMetrics(ctx context.Context) {
	devices := s.registry.List(false)
	for _, d := range devices {
		m := store.Metrics{
			MessagesReceived: d.MessagesReceived,
			MessagesSent:     d.CommandsSent,
			LastActivity:     d.LastSeen,
			UptimeStart:      s.uptimeStart,
		}
		if err := s.store.UpsertMetrics(ctx, d.ID, m); err != nil {
			s.logger.Error("persist metrics", "device_id", d.ID, "error", err)
		}
	}

	if len(devices) > 0 {
		s.events.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceSupervisor,
			Kind:      events.KindMetricsSnapshot,
			Data:      map[string]any{"devices": len(devices)},
		})
	}
}

// cleanup runs one retention sweep. Failures are logged; the next
// cycle retries.
func (s *Supervisor) cleanup(ctx context.Context) {
	res, err := s.store.Cleanup(ctx, s.cfg.SensorRetention, s.cfg.ErrorRetention)
	if err != nil {
		s.logger.Error("retention cleanup failed", "error", err)
		return
	}

	s.logger.Info("retention cleanup complete",
		"sensor_rows", res.SensorRows,
		"error_rows", res.ErrorRows,
	)
	s.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSupervisor,
		Kind:      events.KindSweepComplete,
		Data:      map[string]any{"sensor_rows": res.SensorRows, "error_rows": res.ErrorRows},
	})
}
