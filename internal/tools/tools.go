package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/apicov/esp-mcp-bridge/internal/buildinfo"
	"github.com/apicov/esp-mcp-bridge/internal/events"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

// Publisher is the slice of the bus the tools need: command publishing
// and connection state.
type Publisher interface {
	Publish(ctx context.Context, topic string, v any, qos byte, retain bool) error
	Connected() bool
	UnmatchedCount() int64
}

// IngestStats reports router-side counters for status reporting.
type IngestStats interface {
	ParseErrors() int64
}

// Handler dispatches MCP tool requests against the registry, store,
// and bus. Every call is bounded by the configured deadline.
type Handler struct {
	registry *registry.Registry
	store    *store.Store
	bus      Publisher
	ingest   IngestStats
	events   *events.Bus
	deadline time.Duration
	logger   *slog.Logger
}

// NewHandler creates a tool handler. A non-positive deadline falls
// back to 5 seconds; a nil logger is replaced with slog.Default.
// ingest may be nil (counters report zero).
func NewHandler(reg *registry.Registry, st *store.Store, b Publisher, ingest IngestStats, evts *events.Bus, deadline time.Duration, logger *slog.Logger) *Handler {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		store:    st,
		bus:      b,
		ingest:   ingest,
		events:   evts,
		deadline: deadline,
		logger:   logger,
	}
}

// RegisterTools registers all 8 bridge tools with the MCP server.
// Tools: list_devices, read_sensor, control_actuator, get_device_info,
// query_devices, get_alerts, get_system_status, get_device_metrics.
func (h *Handler) RegisterTools(s *server.MCPServer) {
	s.AddTool(mcp.Tool{
		Name:        "list_devices",
		Description: "List known IoT devices with their sensors, actuators, and online status.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"online_only": map[string]interface{}{
					"type":        "boolean",
					"description": "Only include devices currently online",
					"default":     false,
				},
			},
		},
	}, h.handleListDevices)

	s.AddTool(mcp.Tool{
		Name: "read_sensor",
		Description: "Read the current value of a device sensor, optionally with recent history. " +
			"Returns value, unit, quality, and timestamp.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_id": map[string]interface{}{
					"type":        "string",
					"description": "Device to read from",
				},
				"sensor_type": map[string]interface{}{
					"type":        "string",
					"description": "Sensor name (e.g. 'temperature')",
				},
				"history_minutes": map[string]interface{}{
					"type":        "integer",
					"description": "Include readings from the last N minutes (0 = current value only)",
					"default":     0,
				},
			},
			Required: []string{"device_id", "sensor_type"},
		},
	}, h.handleReadSensor)

	s.AddTool(mcp.Tool{
		Name: "control_actuator",
		Description: "Send a command to a device actuator. The device must be online and " +
			"advertise the actuator in its capabilities. Success means the command was " +
			"accepted by the local bus client, not that the device received it.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_id": map[string]interface{}{
					"type":        "string",
					"description": "Target device",
				},
				"actuator_type": map[string]interface{}{
					"type":        "string",
					"description": "Actuator name (e.g. 'led')",
				},
				"action": map[string]interface{}{
					"type":        "string",
					"description": "Command action (e.g. 'on', 'off', 'toggle', 'set')",
				},
				"value": map[string]interface{}{
					"description": "Optional command value (number or string)",
				},
			},
			Required: []string{"device_id", "actuator_type", "action"},
		},
	}, h.handleControlActuator)

	s.AddTool(mcp.Tool{
		Name:        "get_device_info",
		Description: "Get the full state of one device: capabilities, latest readings, actuator states, and recent errors.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_id": map[string]interface{}{
					"type":        "string",
					"description": "Device to inspect",
				},
			},
			Required: []string{"device_id"},
		},
	}, h.handleGetDeviceInfo)

	s.AddTool(mcp.Tool{
		Name:        "query_devices",
		Description: "Find devices by advertised sensor and/or actuator capability.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"sensor_type": map[string]interface{}{
					"type":        "string",
					"description": "Require this sensor",
				},
				"actuator_type": map[string]interface{}{
					"type":        "string",
					"description": "Require this actuator",
				},
				"online_only": map[string]interface{}{
					"type":        "boolean",
					"description": "Only include devices currently online",
					"default":     false,
				},
			},
		},
	}, h.handleQueryDevices)

	s.AddTool(mcp.Tool{
		Name:        "get_alerts",
		Description: "Retrieve persisted device errors, newest first. Filter by device, minimum severity (0=info..3=critical), and age.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_id": map[string]interface{}{
					"type":        "string",
					"description": "Filter by device",
				},
				"severity_min": map[string]interface{}{
					"type":        "integer",
					"description": "Minimum severity (0=info, 1=warn, 2=error, 3=critical)",
					"default":     0,
				},
				"since_minutes": map[string]interface{}{
					"type":        "integer",
					"description": "Only include errors from the last N minutes (0 = all)",
					"default":     0,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results (default: 100)",
					"default":     100,
				},
			},
		},
	}, h.handleGetAlerts)

	s.AddTool(mcp.Tool{
		Name:        "get_system_status",
		Description: "Report bridge health: device counts, broker connection, store accessibility, and uptime.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, h.handleGetSystemStatus)

	s.AddTool(mcp.Tool{
		Name:        "get_device_metrics",
		Description: "Read bridge-derived per-device counters (messages, failures, activity).",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"device_id": map[string]interface{}{
					"type":        "string",
					"description": "Filter by device (empty = all devices)",
				},
			},
		},
	}, h.handleGetDeviceMetrics)
}

// deviceSummary is the list_devices / query_devices projection.
type deviceSummary struct {
	DeviceID     string                    `json:"device_id"`
	IsOnline     bool                      `json:"is_online"`
	LastSeen     int64                     `json:"last_seen"`
	Sensors      []string                  `json:"sensors"`
	Actuators    []string                  `json:"actuators"`
	Capabilities map[string]map[string]any `json:"capabilities,omitempty"`
}

func summarize(d registry.Device) deviceSummary {
	sensors := d.Capabilities.Sensors
	if len(sensors) == 0 {
		for name := range d.Sensors {
			sensors = append(sensors, name)
		}
		slices.Sort(sensors)
	}
	actuators := d.Capabilities.Actuators
	if len(actuators) == 0 {
		for name := range d.Actuators {
			actuators = append(actuators, name)
		}
		slices.Sort(actuators)
	}
	if sensors == nil {
		sensors = []string{}
	}
	if actuators == nil {
		actuators = []string{}
	}
	return deviceSummary{
		DeviceID:     d.ID,
		IsOnline:     d.Online,
		LastSeen:     d.LastSeen.Unix(),
		Sensors:      sensors,
		Actuators:    actuators,
		Capabilities: d.Capabilities.Metadata,
	}
}

func (h *Handler) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		OnlineOnly bool `json:"online_only"`
	}
	if err := parseArguments(request.Params.Arguments, &args); err != nil {
		return nil, toolErr(KindInvalidArgument, "%v", err)
	}

	devices := h.registry.List(args.OnlineOnly)
	out := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, summarize(d))
	}
	return jsonResult(out)
}

type historyEntry struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Unit      string  `json:"unit,omitempty"`
	Quality   float64 `json:"quality,omitempty"`
}

func (h *Handler) handleReadSensor(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		DeviceID       string `json:"device_id"`
		SensorType     string `json:"sensor_type"`
		HistoryMinutes int    `json:"history_minutes"`
	}
	if err := parseArguments(request.Params.Arguments, &args); err != nil {
		return nil, toolErr(KindInvalidArgument, "%v", err)
	}
	if args.DeviceID == "" || args.SensorType == "" {
		return nil, toolErr(KindInvalidArgument, "device_id and sensor_type are required")
	}
	if args.HistoryMinutes < 0 {
		return nil, toolErr(KindInvalidArgument, "history_minutes must not be negative")
	}

	d, ok := h.registry.Get(args.DeviceID)
	if !ok {
		return nil, toolErr(KindDeviceNotFound, "%s", args.DeviceID)
	}
	reading, ok := d.Sensors[args.SensorType]
	if !ok {
		if !d.HasSensor(args.SensorType) {
			return nil, toolErr(KindSensorNotFound, "%s/%s", args.DeviceID, args.SensorType)
		}
		return nil, toolErr(KindSensorNotFound, "%s/%s has produced no readings", args.DeviceID, args.SensorType)
	}

	result := map[string]any{
		"device_id":     args.DeviceID,
		"sensor_type":   args.SensorType,
		"current_value": reading.Value,
		"unit":          reading.Unit,
		"timestamp":     reading.Timestamp.Unix(),
		"quality":       reading.Quality,
	}

	if args.HistoryMinutes > 0 {
		opCtx, cancel := context.WithTimeout(ctx, h.deadline)
		defer cancel()
		rows, err := h.store.GetSensorData(opCtx, args.DeviceID, args.SensorType,
			time.Duration(args.HistoryMinutes)*time.Minute, 1000)
		if err != nil {
			return nil, storeErr(err)
		}
		history := make([]historyEntry, 0, len(rows))
		for _, row := range rows {
			history = append(history, historyEntry{
				Value:     row.Value,
				Timestamp: row.Timestamp.Unix(),
				Unit:      row.Unit,
			})
		}
		result["history"] = history
	}

	return jsonResult(result)
}

func (h *Handler) handleControlActuator(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		DeviceID     string `json:"device_id"`
		ActuatorType string `json:"actuator_type"`
		Action       string `json:"action"`
		Value        any    `json:"value"`
	}
	if err := parseArguments(request.Params.Arguments, &args); err != nil {
		return nil, toolErr(KindInvalidArgument, "%v", err)
	}
	if args.DeviceID == "" || args.ActuatorType == "" || args.Action == "" {
		return nil, toolErr(KindInvalidArgument, "device_id, actuator_type, and action are required")
	}

	d, ok := h.registry.Get(args.DeviceID)
	if !ok {
		return nil, toolErr(KindDeviceNotFound, "%s", args.DeviceID)
	}
	if !d.Online {
		return nil, toolErr(KindDeviceOffline, "%s", args.DeviceID)
	}
	if !d.HasActuator(args.ActuatorType) {
		return nil, toolErr(KindUnknownActuator, "%s does not advertise %s", args.DeviceID, args.ActuatorType)
	}

	now := time.Now().UTC()
	topic := fmt.Sprintf("devices/%s/actuators/%s/cmd", args.DeviceID, args.ActuatorType)
	cmd := map[string]any{
		"action":    args.Action,
		"value":     args.Value,
		"timestamp": now.Unix(),
	}

	opCtx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()
	if err := h.bus.Publish(opCtx, topic, cmd, 1, false); err != nil {
		return nil, publishErr(err)
	}

	h.registry.NoteCommandSent(args.DeviceID)
	h.events.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceTools,
		Kind:      events.KindCommandSent,
		Data:      map[string]any{"device_id": args.DeviceID, "actuator": args.ActuatorType, "action": args.Action},
	})
	h.logger.Info("actuator command sent",
		"device_id", args.DeviceID,
		"actuator", args.ActuatorType,
		"action", args.Action,
	)

	return jsonResult(map[string]any{
		"device_id":     args.DeviceID,
		"actuator_type": args.ActuatorType,
		"action":        args.Action,
		"value":         args.Value,
		"timestamp":     now.Unix(),
		"status":        "command_sent",
	})
}

func (h *Handler) handleGetDeviceInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		DeviceID string `json:"device_id"`
	}
	if err := parseArguments(request.Params.Arguments, &args); err != nil {
		return nil, toolErr(KindInvalidArgument, "%v", err)
	}
	if args.DeviceID == "" {
		return nil, toolErr(KindInvalidArgument, "device_id is required")
	}

	d, ok := h.registry.Get(args.DeviceID)
	if !ok {
		return nil, toolErr(KindDeviceNotFound, "%s", args.DeviceID)
	}

	opCtx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()

	result := map[string]any{
		"device_id":         d.ID,
		"is_online":         d.Online,
		"first_seen":        d.FirstSeen.Unix(),
		"last_seen":         d.LastSeen.Unix(),
		"capabilities":      d.Capabilities,
		"sensors":           d.Sensors,
		"actuators":         d.Actuators,
		"recent_errors":     d.RecentErrors,
		"messages_received": d.MessagesReceived,
		"commands_sent":     d.CommandsSent,
	}

	if snap, err := h.store.GetCapabilities(opCtx, args.DeviceID); err == nil && snap != nil {
		result["stored_capabilities"] = snap
	}
	if n, err := h.store.CountDeviceErrors(opCtx, args.DeviceID); err == nil {
		result["error_count"] = n
	}

	return jsonResult(result)
}

func (h *Handler) handleQueryDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SensorType   string `json:"sensor_type"`
		ActuatorType string `json:"actuator_type"`
		OnlineOnly   bool   `json:"online_only"`
	}
	if err := parseArguments(request.Params.Arguments, &args); err != nil {
		return nil, toolErr(KindInvalidArgument, "%v", err)
	}

	devices := h.registry.FilterByCapability(args.SensorType, args.ActuatorType, args.OnlineOnly)
	out := make([]deviceSummary, 0, len(devices))
	for _, d := range devices {
		out = append(out, summarize(d))
	}
	return jsonResult(out)
}

func (h *Handler) handleGetAlerts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		DeviceID     string `json:"device_id"`
		SeverityMin  int    `json:"severity_min"`
		SinceMinutes int    `json:"since_minutes"`
		Limit        int    `json:"limit"`
	}
	if err := parseArguments(request.Params.Arguments, &args); err != nil {
		return nil, toolErr(KindInvalidArgument, "%v", err)
	}
	if args.SeverityMin < 0 || args.SeverityMin > 3 {
		return nil, toolErr(KindInvalidArgument, "severity_min must be in 0..3")
	}

	opCtx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()

	rows, err := h.store.GetDeviceErrors(opCtx, store.ErrorQuery{
		DeviceID:    args.DeviceID,
		MinSeverity: args.SeverityMin,
		Since:       time.Duration(args.SinceMinutes) * time.Minute,
		Limit:       args.Limit,
	})
	if err != nil {
		return nil, storeErr(err)
	}

	type alert struct {
		DeviceID  string `json:"device_id"`
		ErrorType string `json:"error_type"`
		Message   string `json:"message"`
		Severity  int    `json:"severity"`
		Timestamp int64  `json:"timestamp"`
	}
	out := make([]alert, 0, len(rows))
	for _, row := range rows {
		out = append(out, alert{
			DeviceID:  row.DeviceID,
			ErrorType: row.ErrorType,
			Message:   row.Message,
			Severity:  row.Severity,
			Timestamp: row.Timestamp.Unix(),
		})
	}
	return jsonResult(out)
}

func (h *Handler) handleGetSystemStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()

	total, online := h.registry.Counts()

	storeOK := h.store.Ping(opCtx) == nil

	result := map[string]any{
		"devices_total":    total,
		"devices_online":   online,
		"bus_connected":    h.bus.Connected(),
		"store_accessible": storeOK,
		"uptime_seconds":   int64(buildinfo.Uptime().Seconds()),
		"version":          buildinfo.Version,
		"unmatched_topics": h.bus.UnmatchedCount(),
	}
	if h.ingest != nil {
		result["parse_errors"] = h.ingest.ParseErrors()
	}
	if st, err := h.store.GetStats(opCtx); err == nil {
		result["sensor_rows"] = st.SensorRows
		result["error_rows"] = st.ErrorRows
	}

	return jsonResult(result)
}

func (h *Handler) handleGetDeviceMetrics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		DeviceID string `json:"device_id"`
	}
	if err := parseArguments(request.Params.Arguments, &args); err != nil {
		return nil, toolErr(KindInvalidArgument, "%v", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, h.deadline)
	defer cancel()

	rows, err := h.store.GetMetrics(opCtx, args.DeviceID)
	if err != nil {
		return nil, storeErr(err)
	}
	return jsonResult(rows)
}

// parseArguments parses tool arguments from interface{} to target struct.
func parseArguments(args, target interface{}) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// jsonResult formats data as an MCP text result.
func jsonResult(data any) (*mcp.CallToolResult, error) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(jsonData),
			},
		},
	}, nil
}
