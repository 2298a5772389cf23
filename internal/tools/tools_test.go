package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

// fakeBus captures publishes without a broker.
type fakeBus struct {
	connected bool
	published []publishedMsg
	err       error
}

type publishedMsg struct {
	topic   string
	payload any
	qos     byte
	retain  bool
}

func (f *fakeBus) Publish(_ context.Context, topic string, v any, qos byte, retain bool) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMsg{topic: topic, payload: v, qos: qos, retain: retain})
	return nil
}

func (f *fakeBus) Connected() bool       { return f.connected }
func (f *fakeBus) UnmatchedCount() int64 { return 0 }

func newTestHandler(t *testing.T) (*Handler, *registry.Registry, *store.Store, *fakeBus) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := registry.New(100)
	fb := &fakeBus{connected: true}
	return NewHandler(reg, st, fb, nil, nil, 5*time.Second, nil), reg, st, fb
}

func callTool(t *testing.T, fn func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, error) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := fn(context.Background(), req)
	if err != nil {
		return "", err
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("result content = %T, want TextContent", result.Content[0])
	}
	return text.Text, nil
}

func seedDevice(reg *registry.Registry) {
	reg.UpsertCapabilities("esp32_aa11bb", registry.Capabilities{
		Sensors:         []string{"temperature"},
		Actuators:       []string{"led"},
		Metadata:        map[string]map[string]any{"temperature": {"unit": "°C"}},
		FirmwareVersion: "1.0.0",
	})
}

func TestListDevices(t *testing.T) {
	h, reg, _, _ := newTestHandler(t)
	seedDevice(reg)
	reg.SetStatus("offline_dev", false)

	out, err := callTool(t, h.handleListDevices, nil)
	if err != nil {
		t.Fatalf("list_devices error: %v", err)
	}

	var devices []map[string]any
	if err := json.Unmarshal([]byte(out), &devices); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}

	out, err = callTool(t, h.handleListDevices, map[string]any{"online_only": true})
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(out), &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 {
		t.Fatalf("online_only: got %d devices, want 1", len(devices))
	}
	if devices[0]["device_id"] != "esp32_aa11bb" || devices[0]["is_online"] != true {
		t.Errorf("device = %v", devices[0])
	}
	sensors, _ := devices[0]["sensors"].([]any)
	if len(sensors) != 1 || sensors[0] != "temperature" {
		t.Errorf("sensors = %v", sensors)
	}
}

func TestReadSensorCurrentAndHistory(t *testing.T) {
	h, reg, st, _ := newTestHandler(t)
	seedDevice(reg)

	base := time.Unix(1700000000, 0).UTC()
	values := []float64{23.5, 23.6, 23.7, 23.8, 23.9}
	for i, v := range values {
		ts := base.Add(time.Duration(i*10) * time.Second)
		reg.RecordSensorReading("esp32_aa11bb", "temperature", registry.Reading{
			Value: v, Unit: "°C", Quality: 100, Timestamp: ts,
		})
		if err := st.StoreSensorData(context.Background(), "esp32_aa11bb", "temperature", v, "°C", ts); err != nil {
			t.Fatal(err)
		}
	}

	out, err := callTool(t, h.handleReadSensor, map[string]any{
		"device_id":   "esp32_aa11bb",
		"sensor_type": "temperature",
	})
	if err != nil {
		t.Fatalf("read_sensor error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result["current_value"] != 23.9 {
		t.Errorf("current_value = %v, want 23.9", result["current_value"])
	}
	if result["unit"] != "°C" || result["quality"] != 100.0 {
		t.Errorf("unit/quality = %v/%v", result["unit"], result["quality"])
	}
	if _, hasHistory := result["history"]; hasHistory {
		t.Error("history present without history_minutes")
	}

	// History is capped to the window and sorted newest-first. The
	// seeded timestamps are far in the past, so a short window filters
	// them all out and a huge one includes them.
	out, err = callTool(t, h.handleReadSensor, map[string]any{
		"device_id":       "esp32_aa11bb",
		"sensor_type":     "temperature",
		"history_minutes": 60_000_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	history, ok := result["history"].([]any)
	if !ok || len(history) != 5 {
		t.Fatalf("history = %v", result["history"])
	}
	first := history[0].(map[string]any)
	if first["value"] != 23.9 {
		t.Errorf("history[0] = %v, want newest first", first)
	}
	last := history[4].(map[string]any)
	if last["value"] != 23.5 {
		t.Errorf("history[4] = %v, want oldest last", last)
	}
}

func TestReadSensorErrors(t *testing.T) {
	h, reg, _, _ := newTestHandler(t)
	seedDevice(reg)

	_, err := callTool(t, h.handleReadSensor, map[string]any{
		"device_id": "ghost", "sensor_type": "temperature",
	})
	if err == nil || !strings.HasPrefix(err.Error(), KindDeviceNotFound) {
		t.Errorf("unknown device error = %v, want %s", err, KindDeviceNotFound)
	}

	_, err = callTool(t, h.handleReadSensor, map[string]any{
		"device_id": "esp32_aa11bb", "sensor_type": "radiation",
	})
	if err == nil || !strings.HasPrefix(err.Error(), KindSensorNotFound) {
		t.Errorf("unknown sensor error = %v, want %s", err, KindSensorNotFound)
	}

	_, err = callTool(t, h.handleReadSensor, map[string]any{
		"device_id": "esp32_aa11bb", "sensor_type": "temperature", "history_minutes": -5,
	})
	if err == nil || !strings.HasPrefix(err.Error(), KindInvalidArgument) {
		t.Errorf("negative history error = %v, want %s", err, KindInvalidArgument)
	}
}

func TestControlActuator(t *testing.T) {
	h, reg, _, fb := newTestHandler(t)
	seedDevice(reg)

	out, err := callTool(t, h.handleControlActuator, map[string]any{
		"device_id": "esp32_aa11bb", "actuator_type": "led", "action": "toggle",
	})
	if err != nil {
		t.Fatalf("control_actuator error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result["status"] != "command_sent" {
		t.Errorf("status = %v", result["status"])
	}

	// Exactly one publish, with the right topic, QoS, and payload.
	if len(fb.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(fb.published))
	}
	msg := fb.published[0]
	if msg.topic != "devices/esp32_aa11bb/actuators/led/cmd" {
		t.Errorf("topic = %q", msg.topic)
	}
	if msg.qos != 1 || msg.retain {
		t.Errorf("qos/retain = %d/%v, want 1/false", msg.qos, msg.retain)
	}
	cmd := msg.payload.(map[string]any)
	if cmd["action"] != "toggle" {
		t.Errorf("payload action = %v", cmd["action"])
	}
	if _, ok := cmd["timestamp"].(int64); !ok {
		t.Errorf("payload timestamp = %T, want numeric", cmd["timestamp"])
	}

	// Command counter bumped.
	d, _ := reg.Get("esp32_aa11bb")
	if d.CommandsSent != 1 {
		t.Errorf("CommandsSent = %d, want 1", d.CommandsSent)
	}
}

func TestControlActuatorPreconditions(t *testing.T) {
	h, reg, _, fb := newTestHandler(t)
	seedDevice(reg)

	_, err := callTool(t, h.handleControlActuator, map[string]any{
		"device_id": "ghost", "actuator_type": "led", "action": "on",
	})
	if err == nil || !strings.HasPrefix(err.Error(), KindDeviceNotFound) {
		t.Errorf("unknown device = %v", err)
	}

	_, err = callTool(t, h.handleControlActuator, map[string]any{
		"device_id": "esp32_aa11bb", "actuator_type": "pump", "action": "on",
	})
	if err == nil || !strings.HasPrefix(err.Error(), KindUnknownActuator) {
		t.Errorf("unknown actuator = %v", err)
	}

	reg.SetStatus("esp32_aa11bb", false)
	_, err = callTool(t, h.handleControlActuator, map[string]any{
		"device_id": "esp32_aa11bb", "actuator_type": "led", "action": "on",
	})
	if err == nil || !strings.HasPrefix(err.Error(), KindDeviceOffline) {
		t.Errorf("offline device = %v", err)
	}

	reg.SetStatus("esp32_aa11bb", true)
	fb.err = bus.ErrNotReady
	_, err = callTool(t, h.handleControlActuator, map[string]any{
		"device_id": "esp32_aa11bb", "actuator_type": "led", "action": "on",
	})
	if err == nil || !strings.HasPrefix(err.Error(), KindBusNotReady) {
		t.Errorf("bus down = %v", err)
	}

	if len(fb.published) != 0 {
		t.Errorf("published %d messages, want none", len(fb.published))
	}
}

func TestGetDeviceInfo(t *testing.T) {
	h, reg, st, _ := newTestHandler(t)
	seedDevice(reg)
	reg.RecordError("esp32_aa11bb", registry.DeviceError{
		Type: "sensor_fail", Message: "timeout", Severity: 2, Timestamp: time.Now(),
	})
	if err := st.LogDeviceError(context.Background(), "esp32_aa11bb", "sensor_fail", "timeout", 2, time.Now()); err != nil {
		t.Fatal(err)
	}

	out, err := callTool(t, h.handleGetDeviceInfo, map[string]any{"device_id": "esp32_aa11bb"})
	if err != nil {
		t.Fatalf("get_device_info error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result["is_online"] != true {
		t.Errorf("is_online = %v", result["is_online"])
	}
	recent, ok := result["recent_errors"].([]any)
	if !ok || len(recent) != 1 {
		t.Fatalf("recent_errors = %v", result["recent_errors"])
	}
	entry := recent[0].(map[string]any)
	if entry["error_type"] != "sensor_fail" {
		t.Errorf("recent error = %v", entry)
	}
	if result["error_count"] != 1.0 {
		t.Errorf("error_count = %v, want 1", result["error_count"])
	}

	_, err = callTool(t, h.handleGetDeviceInfo, map[string]any{"device_id": "ghost"})
	if err == nil || !strings.HasPrefix(err.Error(), KindDeviceNotFound) {
		t.Errorf("unknown device = %v", err)
	}
}

func TestQueryDevices(t *testing.T) {
	h, reg, _, _ := newTestHandler(t)
	seedDevice(reg)
	reg.UpsertCapabilities("hygro1", registry.Capabilities{Sensors: []string{"humidity"}})

	out, err := callTool(t, h.handleQueryDevices, map[string]any{"sensor_type": "humidity"})
	if err != nil {
		t.Fatal(err)
	}
	var devices []map[string]any
	if err := json.Unmarshal([]byte(out), &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0]["device_id"] != "hygro1" {
		t.Errorf("query result = %v", devices)
	}

	out, err = callTool(t, h.handleQueryDevices, map[string]any{"actuator_type": "led"})
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(out), &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0]["device_id"] != "esp32_aa11bb" {
		t.Errorf("actuator query result = %v", devices)
	}
}

func TestGetAlerts(t *testing.T) {
	h, _, st, _ := newTestHandler(t)
	ctx := context.Background()

	now := time.Now()
	if err := st.LogDeviceError(ctx, "esp32_aa11bb", "sensor_fail", "timeout", 2, now); err != nil {
		t.Fatal(err)
	}
	if err := st.LogDeviceError(ctx, "esp32_aa11bb", "low_battery", "3.1V", 1, now); err != nil {
		t.Fatal(err)
	}

	out, err := callTool(t, h.handleGetAlerts, map[string]any{
		"device_id": "esp32_aa11bb", "severity_min": 2,
	})
	if err != nil {
		t.Fatalf("get_alerts error: %v", err)
	}
	var alerts []map[string]any
	if err := json.Unmarshal([]byte(out), &alerts); err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0]["error_type"] != "sensor_fail" {
		t.Errorf("alerts = %v", alerts)
	}

	_, err = callTool(t, h.handleGetAlerts, map[string]any{"severity_min": 7})
	if err == nil || !strings.HasPrefix(err.Error(), KindInvalidArgument) {
		t.Errorf("bad severity = %v", err)
	}
}

func TestGetSystemStatus(t *testing.T) {
	h, reg, _, fb := newTestHandler(t)
	seedDevice(reg)
	reg.SetStatus("off1", false)

	out, err := callTool(t, h.handleGetSystemStatus, nil)
	if err != nil {
		t.Fatalf("get_system_status error: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result["devices_total"] != 2.0 || result["devices_online"] != 1.0 {
		t.Errorf("counts = %v/%v", result["devices_total"], result["devices_online"])
	}
	if result["bus_connected"] != true {
		t.Errorf("bus_connected = %v", result["bus_connected"])
	}
	if result["store_accessible"] != true {
		t.Errorf("store_accessible = %v", result["store_accessible"])
	}

	fb.connected = false
	out, _ = callTool(t, h.handleGetSystemStatus, nil)
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatal(err)
	}
	if result["bus_connected"] != false {
		t.Errorf("bus_connected = %v after disconnect", result["bus_connected"])
	}
}

func TestGetDeviceMetrics(t *testing.T) {
	h, _, st, _ := newTestHandler(t)
	ctx := context.Background()

	if err := st.UpsertMetrics(ctx, "dev1", store.Metrics{MessagesReceived: 42, UptimeStart: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertMetrics(ctx, "dev2", store.Metrics{MessagesReceived: 7, UptimeStart: time.Now()}); err != nil {
		t.Fatal(err)
	}

	out, err := callTool(t, h.handleGetDeviceMetrics, map[string]any{"device_id": "dev1"})
	if err != nil {
		t.Fatal(err)
	}
	var rows []map[string]any
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0]["messages_received"] != 42.0 {
		t.Errorf("metrics = %v", rows)
	}

	out, err = callTool(t, h.handleGetDeviceMetrics, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("all metrics = %d rows, want 2", len(rows))
	}
}
