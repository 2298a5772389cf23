// Package tools implements the MCP tool surface of the bridge.
//
// This file defines the structured error kinds tools surface to MCP
// callers. Internal error types never cross the tool boundary; every
// failure is reported as "<kind>: <detail>".
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/apicov/esp-mcp-bridge/internal/bus"
)

// Error kinds surfaced to MCP callers.
const (
	KindInvalidArgument    = "invalid-argument"
	KindDeviceNotFound     = "device-not-found"
	KindSensorNotFound     = "sensor-not-found"
	KindDeviceOffline      = "device-offline"
	KindUnknownActuator    = "unknown-actuator"
	KindBusNotReady        = "bus-not-ready"
	KindStorageUnavailable = "storage-unavailable"
	KindDeadlineExceeded   = "deadline-exceeded"
)

// toolErr builds a structured tool error of the given kind.
func toolErr(kind, format string, args ...any) error {
	return fmt.Errorf("%s: %s", kind, fmt.Sprintf(format, args...))
}

// storeErr maps a store failure to its tool-facing kind, preserving
// deadline expiry distinctly from storage trouble.
func storeErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return toolErr(KindDeadlineExceeded, "operation exceeded its deadline")
	}
	return toolErr(KindStorageUnavailable, "%v", err)
}

// publishErr maps a bus failure to its tool-facing kind.
func publishErr(err error) error {
	if errors.Is(err, bus.ErrNotReady) {
		return toolErr(KindBusNotReady, "broker connection is down")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return toolErr(KindDeadlineExceeded, "operation exceeded its deadline")
	}
	return toolErr(KindBusNotReady, "%v", err)
}
