// Package router parses incoming bus topics, decodes payloads, and
// forwards the results to the registry and the store. It owns one
// handler per topic pattern. Per-message failures are logged and
// counted; nothing a device sends can take the process down.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/events"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

// Topic patterns consumed by the bridge, with their subscription QoS.
const (
	TopicSensorData     = "devices/+/sensors/+/data"
	TopicActuatorStatus = "devices/+/actuators/+/status"
	TopicCapabilities   = "devices/+/capabilities"
	TopicDeviceStatus   = "devices/+/status"
	TopicDeviceError    = "devices/+/error"
)

// storeTimeout bounds each store write issued from a message handler.
const storeTimeout = 5 * time.Second

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Router decodes device messages and updates the registry and store.
type Router struct {
	registry *registry.Registry
	store    *store.Store
	events   *events.Bus
	logger   *slog.Logger

	parseErrors atomic.Int64
}

// New creates a router. A nil logger is replaced with slog.Default; a
// nil event bus disables operational events.
func New(reg *registry.Registry, st *store.Store, evts *events.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		store:    st,
		events:   evts,
		logger:   logger,
	}
}

// Attach registers the per-topic handlers on the bus. Registration
// order matters: dispatch is first-match-wins, and the status pattern
// must not shadow capabilities or error topics (it cannot — the
// literal last segments differ — but the order here mirrors the wire
// contract).
func (r *Router) Attach(b *bus.Bus) {
	b.Subscribe(TopicSensorData, 0, r.handleSensorData)
	b.Subscribe(TopicActuatorStatus, 1, r.handleActuatorStatus)
	b.Subscribe(TopicCapabilities, 1, r.handleCapabilities)
	b.Subscribe(TopicDeviceStatus, 1, r.handleDeviceStatus)
	b.Subscribe(TopicDeviceError, 1, r.handleDeviceError)
}

// ParseErrors returns how many inbound payloads failed to decode.
func (r *Router) ParseErrors() int64 {
	return r.parseErrors.Load()
}

func (r *Router) dropInvalid(topic string, reason string, err error) {
	r.parseErrors.Add(1)
	r.logger.Warn("invalid payload dropped", "topic", topic, "reason", reason, "error", err)
}

// sensorPayload is the wire shape of a sensor data message. Value is
// either the rich {reading, unit, quality} object or a bare number
// (legacy firmware); both map to the same reading.
type sensorPayload struct {
	DeviceID  string          `json:"device_id"`
	Timestamp *float64        `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
}

type sensorValue struct {
	Reading *float64 `json:"reading"`
	Unit    string   `json:"unit"`
	Quality *float64 `json:"quality"`
}

func (r *Router) handleSensorData(ctx context.Context, topic string, payload []byte) {
	segs := bus.TopicSegments(topic)
	deviceID, sensor := segs[1], segs[3]
	if !deviceIDPattern.MatchString(deviceID) {
		r.dropInvalid(topic, "bad device_id", nil)
		return
	}

	var p sensorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.dropInvalid(topic, "decode", err)
		return
	}
	if len(p.Value) == 0 {
		r.dropInvalid(topic, "missing value", nil)
		return
	}

	reading := registry.Reading{Timestamp: decodeTimestamp(p.Timestamp), Quality: 100}
	var rich sensorValue
	if err := json.Unmarshal(p.Value, &rich); err == nil && rich.Reading != nil {
		reading.Value = *rich.Reading
		reading.Unit = rich.Unit
		if rich.Quality != nil {
			reading.Quality = *rich.Quality
		}
	} else {
		// Legacy flat form: value is a bare number.
		var scalar float64
		if err := json.Unmarshal(p.Value, &scalar); err != nil {
			r.dropInvalid(topic, "value shape", err)
			return
		}
		reading.Value = scalar
	}

	r.ensureDevice(ctx, deviceID, topic)
	r.registry.RecordSensorReading(deviceID, sensor, reading)

	// A store failure must not prevent the registry update above.
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := r.store.StoreSensorData(storeCtx, deviceID, sensor, reading.Value, reading.Unit, reading.Timestamp); err != nil {
		r.logger.Error("store sensor data", "device_id", deviceID, "sensor", sensor, "error", err)
	}
}

// actuatorPayload is the wire shape of an actuator status message.
type actuatorPayload struct {
	DeviceID  string   `json:"device_id"`
	Timestamp *float64 `json:"timestamp"`
	Value     any      `json:"value"`
}

func (r *Router) handleActuatorStatus(ctx context.Context, topic string, payload []byte) {
	segs := bus.TopicSegments(topic)
	deviceID, actuator := segs[1], segs[3]
	if !deviceIDPattern.MatchString(deviceID) {
		r.dropInvalid(topic, "bad device_id", nil)
		return
	}

	var p actuatorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.dropInvalid(topic, "decode", err)
		return
	}
	if p.Value == nil {
		r.dropInvalid(topic, "missing value", nil)
		return
	}

	r.ensureDevice(ctx, deviceID, topic)
	r.registry.RecordActuatorState(deviceID, actuator, p.Value, decodeTimestamp(p.Timestamp))
}

// capabilitiesPayload is the wire shape of a capabilities message.
type capabilitiesPayload struct {
	DeviceID        string                    `json:"device_id"`
	FirmwareVersion string                    `json:"firmware_version"`
	HardwareVersion string                    `json:"hardware_version"`
	DeviceType      string                    `json:"device_type"`
	Location        string                    `json:"location"`
	Sensors         []string                  `json:"sensors"`
	Actuators       []string                  `json:"actuators"`
	Metadata        map[string]map[string]any `json:"metadata"`
}

func (r *Router) handleCapabilities(ctx context.Context, topic string, payload []byte) {
	segs := bus.TopicSegments(topic)
	deviceID := segs[1]
	if !deviceIDPattern.MatchString(deviceID) {
		r.dropInvalid(topic, "bad device_id", nil)
		return
	}

	var p capabilitiesPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.dropInvalid(topic, "decode", err)
		return
	}

	now := time.Now().UTC()
	caps := registry.Capabilities{
		Sensors:         p.Sensors,
		Actuators:       p.Actuators,
		Metadata:        p.Metadata,
		FirmwareVersion: p.FirmwareVersion,
		HardwareVersion: p.HardwareVersion,
		ReceivedAt:      now,
	}

	_, known := r.registry.Get(deviceID)
	r.registry.UpsertCapabilities(deviceID, caps)
	if !known {
		r.events.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceRouter,
			Kind:      events.KindDeviceSeen,
			Data:      map[string]any{"device_id": deviceID, "topic": topic},
		})
	}
	r.events.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceRouter,
		Kind:      events.KindDeviceOnline,
		Data:      map[string]any{"device_id": deviceID},
	})

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	// Backfill the catalog so invariants hold for readers that only
	// consult the store.
	if err := r.store.RegisterDevice(storeCtx, store.Device{
		ID:              deviceID,
		Type:            p.DeviceType,
		Sensors:         p.Sensors,
		Actuators:       p.Actuators,
		FirmwareVersion: p.FirmwareVersion,
		Location:        p.Location,
		LastSeen:        now,
	}); err != nil {
		r.logger.Error("register device", "device_id", deviceID, "error", err)
	}
	if err := r.store.UpsertCapabilities(storeCtx, deviceID, store.CapabilitySnapshot{
		Sensors:         p.Sensors,
		Actuators:       p.Actuators,
		Metadata:        p.Metadata,
		FirmwareVersion: p.FirmwareVersion,
		HardwareVersion: p.HardwareVersion,
		LastUpdated:     now,
	}); err != nil {
		r.logger.Error("store capabilities", "device_id", deviceID, "error", err)
	}
	if err := r.store.UpdateDeviceStatus(storeCtx, deviceID, "online", now); err != nil {
		r.logger.Error("store device status", "device_id", deviceID, "error", err)
	}
}

// statusPayload is the wire shape of a device status message.
type statusPayload struct {
	Value     string   `json:"value"`
	Timestamp *float64 `json:"timestamp"`
}

func (r *Router) handleDeviceStatus(ctx context.Context, topic string, payload []byte) {
	segs := bus.TopicSegments(topic)
	deviceID := segs[1]
	if !deviceIDPattern.MatchString(deviceID) {
		r.dropInvalid(topic, "bad device_id", nil)
		return
	}

	var p statusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.dropInvalid(topic, "decode", err)
		return
	}
	if p.Value == "" {
		r.dropInvalid(topic, "missing value", nil)
		return
	}

	online := p.Value == "online"
	r.ensureDevice(ctx, deviceID, topic)
	r.registry.SetStatus(deviceID, online)

	kind := events.KindDeviceOffline
	if online {
		kind = events.KindDeviceOnline
	}
	r.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      kind,
		Data:      map[string]any{"device_id": deviceID, "reason": "status_message"},
	})

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	// Non-standard status strings are stored verbatim.
	if err := r.store.UpdateDeviceStatus(storeCtx, deviceID, p.Value, decodeTimestamp(p.Timestamp)); err != nil {
		r.logger.Error("store device status", "device_id", deviceID, "error", err)
	}
}

// errorPayload is the wire shape of a device error message. The error
// fields arrive either nested under value or flat at the top level.
type errorPayload struct {
	DeviceID  string   `json:"device_id"`
	Timestamp *float64 `json:"timestamp"`
	Value     *errorValue
	errorValue
}

type errorValue struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Severity  *int   `json:"severity"`
}

// UnmarshalJSON accepts both the nested and the flat error shape.
func (p *errorPayload) UnmarshalJSON(data []byte) error {
	type wire struct {
		DeviceID  string          `json:"device_id"`
		Timestamp *float64        `json:"timestamp"`
		Value     json.RawMessage `json:"value"`
		ErrorType string          `json:"error_type"`
		Message   string          `json:"message"`
		Severity  *int            `json:"severity"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.DeviceID = w.DeviceID
	p.Timestamp = w.Timestamp
	p.ErrorType = w.ErrorType
	p.Message = w.Message
	p.Severity = w.Severity
	if len(w.Value) > 0 {
		var v errorValue
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return err
		}
		p.Value = &v
	}
	return nil
}

func (r *Router) handleDeviceError(ctx context.Context, topic string, payload []byte) {
	segs := bus.TopicSegments(topic)
	deviceID := segs[1]
	if !deviceIDPattern.MatchString(deviceID) {
		r.dropInvalid(topic, "bad device_id", nil)
		return
	}

	var p errorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.dropInvalid(topic, "decode", err)
		return
	}

	v := p.errorValue
	if p.Value != nil {
		v = *p.Value
	}
	if v.ErrorType == "" {
		r.dropInvalid(topic, "missing error_type", nil)
		return
	}
	severity := 2
	if v.Severity != nil {
		severity = *v.Severity
	}

	ts := decodeTimestamp(p.Timestamp)
	r.ensureDevice(ctx, deviceID, topic)
	r.registry.RecordError(deviceID, registry.DeviceError{
		Type:      v.ErrorType,
		Message:   v.Message,
		Severity:  severity,
		Timestamp: ts,
	})

	r.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindDeviceError,
		Data:      map[string]any{"device_id": deviceID, "error_type": v.ErrorType, "severity": severity},
	})

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := r.store.LogDeviceError(storeCtx, deviceID, v.ErrorType, v.Message, severity, ts); err != nil {
		r.logger.Error("log device error", "device_id", deviceID, "error", err)
	}
}

// ensureDevice registers a device in the store on first sight so every
// time-series row references a catalog entry. Returns true on first
// sight. The registry entry itself is created by the record call that
// follows; here we only look.
func (r *Router) ensureDevice(ctx context.Context, deviceID, topic string) bool {
	if _, known := r.registry.Get(deviceID); known {
		return false
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := r.store.RegisterDevice(storeCtx, store.Device{ID: deviceID}); err != nil {
		r.logger.Error("register device on first sight", "device_id", deviceID, "error", err)
	}
	r.events.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRouter,
		Kind:      events.KindDeviceSeen,
		Data:      map[string]any{"device_id": deviceID, "topic": topic},
	})
	return true
}

// decodeTimestamp converts a numeric wire timestamp to a UTC instant.
// Values above 1e12 are taken as milliseconds, otherwise seconds. A
// missing timestamp falls back to ingestion time.
func decodeTimestamp(ts *float64) time.Time {
	if ts == nil || *ts <= 0 {
		return time.Now().UTC()
	}
	v := *ts
	if v > 1e12 {
		sec := int64(v) / 1000
		ms := int64(v) % 1000
		return time.Unix(sec, ms*int64(time.Millisecond)).UTC()
	}
	sec := int64(v)
	frac := v - float64(sec)
	return time.Unix(sec, int64(frac*float64(time.Second))).UTC()
}
