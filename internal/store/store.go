// Package store provides the durable catalog of devices, sensor
// time-series, error log, capability snapshots, and per-device metrics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed persistence layer. All operations are safe
// for concurrent use; the driver serializes statements and WAL keeps
// reads live during writes.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Device is a catalog row.
type Device struct {
	ID              string    `json:"device_id"`
	Type            string    `json:"device_type,omitempty"`
	Sensors         []string  `json:"sensors,omitempty"`
	Actuators       []string  `json:"actuators,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Location        string    `json:"location,omitempty"`
	Status          string    `json:"status,omitempty"`
	LastSeen        time.Time `json:"last_seen"`
	CreatedAt       time.Time `json:"created_at"`
}

// SensorRow is one persisted sensor reading.
type SensorRow struct {
	DeviceID   string    `json:"device_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorRow is one persisted device error.
type ErrorRow struct {
	DeviceID  string    `json:"device_id"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Severity  int       `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// CapabilitySnapshot is the latest self-described inventory of a device.
type CapabilitySnapshot struct {
	Sensors         []string                  `json:"sensors"`
	Actuators       []string                  `json:"actuators"`
	Metadata        map[string]map[string]any `json:"metadata,omitempty"`
	FirmwareVersion string                    `json:"firmware_version,omitempty"`
	HardwareVersion string                    `json:"hardware_version,omitempty"`
	LastUpdated     time.Time                 `json:"last_updated"`
}

// Metrics is a bridge-derived per-device counter snapshot.
type Metrics struct {
	MessagesSent       int64     `json:"messages_sent"`
	MessagesReceived   int64     `json:"messages_received"`
	ConnectionFailures int64     `json:"connection_failures"`
	SensorReadErrors   int64     `json:"sensor_read_errors"`
	LastActivity       time.Time `json:"last_activity"`
	UptimeStart        time.Time `json:"uptime_start"`
}

// MetricsRow pairs a device ID with its metrics snapshot.
type MetricsRow struct {
	DeviceID string `json:"device_id"`
	Metrics
	LastUpdated time.Time `json:"last_updated"`
}

// ErrorQuery filters GetDeviceErrors. Zero values mean "no filter",
// except Limit which is capped to a default when unset.
type ErrorQuery struct {
	DeviceID    string
	MinSeverity int
	Since       time.Duration
	Limit       int
}

// CleanupResult reports how many rows a retention sweep deleted.
type CleanupResult struct {
	SensorRows int64 `json:"sensor_rows"`
	ErrorRows  int64 `json:"error_rows"`
}

// Stats reports row counts for status reporting.
type Stats struct {
	Devices    int64 `json:"devices"`
	SensorRows int64 `json:"sensor_rows"`
	ErrorRows  int64 `json:"error_rows"`
}

// Open creates or opens the database file at path and migrates the
// schema. The parent directory is created if missing. A nil logger is
// replaced with slog.Default.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		device_type TEXT,
		sensors_json TEXT,
		actuators_json TEXT,
		firmware_version TEXT,
		location TEXT,
		status TEXT,
		last_seen TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sensor_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		sensor_type TEXT NOT NULL,
		value REAL NOT NULL,
		unit TEXT,
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(device_id)
	);
	CREATE INDEX IF NOT EXISTS idx_sensor_data_lookup ON sensor_data(device_id, sensor_type, timestamp);
	CREATE INDEX IF NOT EXISTS idx_sensor_data_timestamp ON sensor_data(timestamp);

	CREATE TABLE IF NOT EXISTS device_errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		error_type TEXT NOT NULL,
		message TEXT,
		severity INTEGER NOT NULL DEFAULT 2,
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (device_id) REFERENCES devices(device_id)
	);
	CREATE INDEX IF NOT EXISTS idx_device_errors_lookup ON device_errors(device_id, severity, timestamp);
	CREATE INDEX IF NOT EXISTS idx_device_errors_timestamp ON device_errors(timestamp);

	CREATE TABLE IF NOT EXISTS device_capabilities (
		device_id TEXT PRIMARY KEY,
		sensors_json TEXT,
		actuators_json TEXT,
		metadata_json TEXT,
		firmware_version TEXT,
		hardware_version TEXT,
		last_updated TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_metrics (
		device_id TEXT PRIMARY KEY,
		messages_sent INTEGER DEFAULT 0,
		messages_received INTEGER DEFAULT 0,
		connection_failures INTEGER DEFAULT 0,
		sensor_read_errors INTEGER DEFAULT 0,
		last_activity TIMESTAMP,
		uptime_start TIMESTAMP,
		last_updated TIMESTAMP NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withRetry runs fn up to three times, backing off on SQLITE_BUSY-style
// contention before surfacing the failure.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		}
	}
	return fmt.Errorf("storage unavailable: %w", err)
}

// isBusy reports whether err looks like transient database contention.
func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// RegisterDevice upserts a catalog row by device ID. Empty fields on
// the incoming device never overwrite existing values, so the
// first-sight registration from the router (ID only) does not wipe a
// catalog entry later enriched by a capabilities message. created_at
// is preserved across upserts.
func (s *Store) RegisterDevice(ctx context.Context, d Device) error {
	if d.ID == "" {
		return fmt.Errorf("register device: empty device_id")
	}

	sensors, err := json.Marshal(d.Sensors)
	if err != nil {
		return fmt.Errorf("marshal sensors: %w", err)
	}
	actuators, err := json.Marshal(d.Actuators)
	if err != nil {
		return fmt.Errorf("marshal actuators: %w", err)
	}

	now := time.Now().UTC()
	lastSeen := d.LastSeen
	if lastSeen.IsZero() {
		lastSeen = now
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (device_id, device_type, sensors_json, actuators_json, firmware_version, location, status, last_seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				device_type = COALESCE(NULLIF(excluded.device_type, ''), devices.device_type),
				sensors_json = CASE WHEN excluded.sensors_json != '[]' AND excluded.sensors_json != 'null' THEN excluded.sensors_json ELSE devices.sensors_json END,
				actuators_json = CASE WHEN excluded.actuators_json != '[]' AND excluded.actuators_json != 'null' THEN excluded.actuators_json ELSE devices.actuators_json END,
				firmware_version = COALESCE(NULLIF(excluded.firmware_version, ''), devices.firmware_version),
				location = COALESCE(NULLIF(excluded.location, ''), devices.location),
				last_seen = excluded.last_seen
		`, d.ID, d.Type, string(sensors), string(actuators), d.FirmwareVersion, d.Location, d.Status, lastSeen, now)
		return err
	})
}

// UpdateDeviceStatus upserts the status text and last-seen timestamp
// for a device. Status is normally "online" or "offline", but any
// device-reported value is stored verbatim. Never deletes rows.
func (s *Store) UpdateDeviceStatus(ctx context.Context, deviceID, status string, lastSeen time.Time) error {
	if deviceID == "" {
		return fmt.Errorf("update device status: empty device_id")
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (device_id, status, last_seen, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				status = excluded.status,
				last_seen = excluded.last_seen
		`, deviceID, status, lastSeen.UTC(), time.Now().UTC())
		return err
	})
}

// StoreSensorData appends one sensor reading. Timestamps need not be
// monotonic; ordering is resolved at query time.
func (s *Store) StoreSensorData(ctx context.Context, deviceID, sensorType string, value float64, unit string, ts time.Time) error {
	if deviceID == "" || sensorType == "" {
		return fmt.Errorf("store sensor data: empty device_id or sensor_type")
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sensor_data (device_id, sensor_type, value, unit, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, deviceID, sensorType, value, unit, ts.UTC(), time.Now().UTC())
		return err
	})
}

// GetSensorData returns readings for (deviceID, sensorType) newer than
// now−since, sorted by timestamp descending and capped at limit. A
// non-positive since means no age bound; a non-positive limit defaults
// to 1000.
func (s *Store) GetSensorData(ctx context.Context, deviceID, sensorType string, since time.Duration, limit int) ([]SensorRow, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT device_id, sensor_type, value, COALESCE(unit, ''), timestamp
		FROM sensor_data
		WHERE device_id = ? AND sensor_type = ?`
	args := []any{deviceID, sensorType}
	if since > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, time.Now().Add(-since).UTC())
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sensor data: %w", err)
	}
	defer rows.Close()

	var out []SensorRow
	for rows.Next() {
		var r SensorRow
		if err := rows.Scan(&r.DeviceID, &r.SensorType, &r.Value, &r.Unit, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan sensor row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogDeviceError appends one device error. Severity is clamped to 0..3.
func (s *Store) LogDeviceError(ctx context.Context, deviceID, errorType, message string, severity int, ts time.Time) error {
	if deviceID == "" {
		return fmt.Errorf("log device error: empty device_id")
	}
	if severity < 0 {
		severity = 0
	}
	if severity > 3 {
		severity = 3
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_errors (device_id, error_type, message, severity, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, deviceID, errorType, message, severity, ts.UTC(), time.Now().UTC())
		return err
	})
}

// GetDeviceErrors returns errors matching the query, sorted by
// timestamp descending. A zero-value query returns the most recent
// errors across all devices.
func (s *Store) GetDeviceErrors(ctx context.Context, q ErrorQuery) ([]ErrorRow, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	query := `
		SELECT device_id, error_type, COALESCE(message, ''), severity, timestamp
		FROM device_errors
		WHERE severity >= ?`
	args := []any{q.MinSeverity}
	if q.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, q.DeviceID)
	}
	if q.Since > 0 {
		query += ` AND timestamp >= ?`
		args = append(args, time.Now().Add(-q.Since).UTC())
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query device errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorRow
	for rows.Next() {
		var r ErrorRow
		if err := rows.Scan(&r.DeviceID, &r.ErrorType, &r.Message, &r.Severity, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountDeviceErrors returns the number of persisted errors for a device.
func (s *Store) CountDeviceErrors(ctx context.Context, deviceID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_errors WHERE device_id = ?`, deviceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count device errors: %w", err)
	}
	return n, nil
}

// UpsertCapabilities replaces the capability snapshot for a device.
// Latest-wins: the new snapshot fully supersedes the previous one.
func (s *Store) UpsertCapabilities(ctx context.Context, deviceID string, snap CapabilitySnapshot) error {
	if deviceID == "" {
		return fmt.Errorf("upsert capabilities: empty device_id")
	}

	sensors, err := json.Marshal(snap.Sensors)
	if err != nil {
		return fmt.Errorf("marshal sensors: %w", err)
	}
	actuators, err := json.Marshal(snap.Actuators)
	if err != nil {
		return fmt.Errorf("marshal actuators: %w", err)
	}
	metadata, err := json.Marshal(snap.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	updated := snap.LastUpdated
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_capabilities (device_id, sensors_json, actuators_json, metadata_json, firmware_version, hardware_version, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				sensors_json = excluded.sensors_json,
				actuators_json = excluded.actuators_json,
				metadata_json = excluded.metadata_json,
				firmware_version = excluded.firmware_version,
				hardware_version = excluded.hardware_version,
				last_updated = excluded.last_updated
		`, deviceID, string(sensors), string(actuators), string(metadata), snap.FirmwareVersion, snap.HardwareVersion, updated.UTC())
		return err
	})
}

// GetCapabilities returns the latest capability snapshot for a device,
// or nil if none has been stored.
func (s *Store) GetCapabilities(ctx context.Context, deviceID string) (*CapabilitySnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sensors_json, actuators_json, metadata_json, COALESCE(firmware_version, ''), COALESCE(hardware_version, ''), last_updated
		FROM device_capabilities WHERE device_id = ?
	`, deviceID)

	var sensors, actuators, metadata string
	var snap CapabilitySnapshot
	err := row.Scan(&sensors, &actuators, &metadata, &snap.FirmwareVersion, &snap.HardwareVersion, &snap.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query capabilities: %w", err)
	}

	if err := json.Unmarshal([]byte(sensors), &snap.Sensors); err != nil {
		return nil, fmt.Errorf("decode sensors: %w", err)
	}
	if err := json.Unmarshal([]byte(actuators), &snap.Actuators); err != nil {
		return nil, fmt.Errorf("decode actuators: %w", err)
	}
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &snap.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &snap, nil
}

// UpsertMetrics replaces the metrics snapshot for a device. Latest-wins.
func (s *Store) UpsertMetrics(ctx context.Context, deviceID string, m Metrics) error {
	if deviceID == "" {
		return fmt.Errorf("upsert metrics: empty device_id")
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device_metrics (device_id, messages_sent, messages_received, connection_failures, sensor_read_errors, last_activity, uptime_start, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				messages_sent = excluded.messages_sent,
				messages_received = excluded.messages_received,
				connection_failures = excluded.connection_failures,
				sensor_read_errors = excluded.sensor_read_errors,
				last_activity = excluded.last_activity,
				uptime_start = excluded.uptime_start,
				last_updated = excluded.last_updated
		`, deviceID, m.MessagesSent, m.MessagesReceived, m.ConnectionFailures, m.SensorReadErrors,
			m.LastActivity.UTC(), m.UptimeStart.UTC(), time.Now().UTC())
		return err
	})
}

// GetMetrics returns metrics rows. An empty deviceID returns all rows.
func (s *Store) GetMetrics(ctx context.Context, deviceID string) ([]MetricsRow, error) {
	query := `
		SELECT device_id, messages_sent, messages_received, connection_failures, sensor_read_errors, last_activity, uptime_start, last_updated
		FROM device_metrics`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY device_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricsRow
	for rows.Next() {
		var r MetricsRow
		if err := rows.Scan(&r.DeviceID, &r.MessagesSent, &r.MessagesReceived, &r.ConnectionFailures,
			&r.SensorReadErrors, &r.LastActivity, &r.UptimeStart, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetDevice returns a catalog row, or nil if the device is unknown.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, COALESCE(device_type, ''), COALESCE(sensors_json, '[]'), COALESCE(actuators_json, '[]'),
		       COALESCE(firmware_version, ''), COALESCE(location, ''), COALESCE(status, ''), last_seen, created_at
		FROM devices WHERE device_id = ?
	`, deviceID)

	d, err := scanDevice(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query device: %w", err)
	}
	return d, nil
}

// ListDevices returns all catalog rows.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, COALESCE(device_type, ''), COALESCE(sensors_json, '[]'), COALESCE(actuators_json, '[]'),
		       COALESCE(firmware_version, ''), COALESCE(location, ''), COALESCE(status, ''), last_seen, created_at
		FROM devices ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDevice(scan func(...any) error) (*Device, error) {
	var d Device
	var sensors, actuators string
	var lastSeen sql.NullTime
	if err := scan(&d.ID, &d.Type, &sensors, &actuators, &d.FirmwareVersion, &d.Location, &d.Status, &lastSeen, &d.CreatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	} else {
		d.LastSeen = d.CreatedAt
	}
	if err := json.Unmarshal([]byte(sensors), &d.Sensors); err != nil {
		return nil, fmt.Errorf("decode sensors: %w", err)
	}
	if err := json.Unmarshal([]byte(actuators), &d.Actuators); err != nil {
		return nil, fmt.Errorf("decode actuators: %w", err)
	}
	return &d, nil
}

// cleanupBatch is the per-statement DELETE cap. Bounded batches keep
// write locks short so reads stay live during a sweep.
const cleanupBatch = 1000

// Cleanup deletes sensor_data rows older than sensorRetention and
// device_errors rows older than errorRetention. Devices and capability
// snapshots are never touched. Returns the number of rows deleted per
// table.
func (s *Store) Cleanup(ctx context.Context, sensorRetention, errorRetention time.Duration) (CleanupResult, error) {
	var res CleanupResult
	if sensorRetention <= 0 || errorRetention <= 0 {
		return res, fmt.Errorf("cleanup: retention must be positive")
	}

	now := time.Now().UTC()

	n, err := s.deleteOlderThan(ctx, "sensor_data", now.Add(-sensorRetention))
	res.SensorRows = n
	if err != nil {
		return res, fmt.Errorf("cleanup sensor_data: %w", err)
	}

	n, err = s.deleteOlderThan(ctx, "device_errors", now.Add(-errorRetention))
	res.ErrorRows = n
	if err != nil {
		return res, fmt.Errorf("cleanup device_errors: %w", err)
	}

	return res, nil
}

// deleteOlderThan removes rows with timestamp < cutoff in bounded
// batches until none remain.
func (s *Store) deleteOlderThan(ctx context.Context, table string, cutoff time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		var affected int64
		err := s.withRetry(ctx, func() error {
			res, err := s.db.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE id IN (SELECT id FROM `+table+` WHERE timestamp < ? LIMIT ?)`,
				cutoff, cleanupBatch)
			if err != nil {
				return err
			}
			affected, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return total, err
		}

		total += affected
		if affected < cleanupBatch {
			return total, nil
		}
	}
}

// GetStats returns row counts for status reporting.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&st.Devices); err != nil {
		return st, fmt.Errorf("count devices: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sensor_data`).Scan(&st.SensorRows); err != nil {
		return st, fmt.Errorf("count sensor rows: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_errors`).Scan(&st.ErrorRows); err != nil {
		return st, fmt.Errorf("count error rows: %w", err)
	}
	return st, nil
}
