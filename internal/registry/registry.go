// Package registry maintains the in-memory view of every known device:
// last readings, actuator states, recent errors, and online status. It
// is the source of truth for "right now" queries; durable history
// lives in the store. The registry never performs I/O while holding
// its lock.
package registry

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Reading is the latest value seen for one sensor.
type Reading struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   float64   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// ActuatorState is the latest value seen for one actuator.
type ActuatorState struct {
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeviceError is one entry in a device's recent-error ring.
type DeviceError struct {
	Type      string    `json:"error_type"`
	Message   string    `json:"message"`
	Severity  int       `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Capabilities is a device's self-described inventory.
type Capabilities struct {
	Sensors         []string                  `json:"sensors"`
	Actuators       []string                  `json:"actuators"`
	Metadata        map[string]map[string]any `json:"metadata,omitempty"`
	FirmwareVersion string                    `json:"firmware_version,omitempty"`
	HardwareVersion string                    `json:"hardware_version,omitempty"`
	ReceivedAt      time.Time                 `json:"received_at"`
}

// Device is the in-memory state of one device. Values returned by the
// registry's read projections are deep copies; callers may retain and
// mutate them freely.
type Device struct {
	ID           string                   `json:"device_id"`
	Online       bool                     `json:"online"`
	FirstSeen    time.Time                `json:"first_seen"`
	LastSeen     time.Time                `json:"last_seen"`
	Capabilities Capabilities             `json:"capabilities"`
	Sensors      map[string]Reading       `json:"sensors,omitempty"`
	Actuators    map[string]ActuatorState `json:"actuators,omitempty"`
	RecentErrors []DeviceError            `json:"recent_errors,omitempty"`

	// Bridge-derived counters. Reset on process restart.
	MessagesReceived int64 `json:"messages_received"`
	CommandsSent     int64 `json:"commands_sent"`
}

// HasSensor reports whether the device advertises the named sensor or
// has produced a reading for it.
func (d *Device) HasSensor(name string) bool {
	if _, ok := d.Sensors[name]; ok {
		return true
	}
	return slices.Contains(d.Capabilities.Sensors, name)
}

// HasActuator reports whether the device advertises the named actuator.
func (d *Device) HasActuator(name string) bool {
	return slices.Contains(d.Capabilities.Actuators, name)
}

// Registry is a thread-safe map of known devices.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	maxErrors int
}

// New creates a registry. maxRecentErrors bounds the per-device error
// ring; non-positive values fall back to 100.
func New(maxRecentErrors int) *Registry {
	if maxRecentErrors <= 0 {
		maxRecentErrors = 100
	}
	return &Registry{
		devices:   make(map[string]*Device),
		maxErrors: maxRecentErrors,
	}
}

// ensure returns the device entry for id, creating it if absent. The
// caller must hold the write lock.
func (r *Registry) ensure(id string, now time.Time) *Device {
	d, ok := r.devices[id]
	if !ok {
		d = &Device{
			ID:        id,
			FirstSeen: now,
			Sensors:   make(map[string]Reading),
			Actuators: make(map[string]ActuatorState),
		}
		r.devices[id] = d
	}
	return d
}

// UpsertCapabilities replaces a device's capability snapshot, creating
// the device if absent. Capabilities are monotone per session: the new
// snapshot fully supersedes the earlier one. The device is marked
// online.
func (r *Registry) UpsertCapabilities(id string, caps Capabilities) {
	now := time.Now()
	if caps.ReceivedAt.IsZero() {
		caps.ReceivedAt = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.ensure(id, now)
	d.Capabilities = caps
	d.Online = true
	d.LastSeen = now
	d.MessagesReceived++
}

// RecordSensorReading stores the latest reading for a sensor, creating
// the device if absent. Latest resolves by timestamp, not arrival
// order: a reading older than the current one updates counters and
// last-seen but does not replace the value.
func (r *Registry) RecordSensorReading(id, sensor string, reading Reading) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.ensure(id, now)
	if cur, ok := d.Sensors[sensor]; !ok || !reading.Timestamp.Before(cur.Timestamp) {
		d.Sensors[sensor] = reading
	}
	d.LastSeen = now
	d.MessagesReceived++
}

// RecordActuatorState stores the latest state for an actuator,
// creating the device if absent. Latest-only: prior state is
// superseded.
func (r *Registry) RecordActuatorState(id, actuator string, value any, ts time.Time) {
	now := time.Now()
	if ts.IsZero() {
		ts = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.ensure(id, now)
	d.Actuators[actuator] = ActuatorState{Value: value, UpdatedAt: ts}
	d.LastSeen = now
	d.MessagesReceived++
}

// RecordError appends to the device's bounded recent-error ring,
// evicting the oldest entry when full.
func (r *Registry) RecordError(id string, e DeviceError) {
	now := time.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.ensure(id, now)
	d.RecentErrors = append(d.RecentErrors, e)
	if len(d.RecentErrors) > r.maxErrors {
		d.RecentErrors = d.RecentErrors[len(d.RecentErrors)-r.maxErrors:]
	}
	d.LastSeen = now
	d.MessagesReceived++
}

// SetStatus sets a device's online flag, creating the device if
// absent. Going online refreshes last-seen.
func (r *Registry) SetStatus(id string, online bool) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.ensure(id, now)
	d.Online = online
	if online {
		d.LastSeen = now
	}
	d.MessagesReceived++
}

// NoteCommandSent bumps the command counter for a device. No-op for
// unknown devices.
func (r *Registry) NoteCommandSent(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.CommandsSent++
	}
}

// ScanTimeouts marks devices offline whose last-seen is older than
// timeout and that are currently online, returning their IDs. Single
// O(N) pass.
func (r *Registry) ScanTimeouts(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	defer r.mu.Unlock()

	var timedOut []string
	for id, d := range r.devices {
		if d.Online && d.LastSeen.Before(cutoff) {
			d.Online = false
			timedOut = append(timedOut, id)
		}
	}
	slices.Sort(timedOut)
	return timedOut
}

// Get returns a deep copy of the device state, or false if unknown.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return copyDevice(d), true
}

// List returns deep copies of all devices, sorted by ID. With
// onlineOnly set, offline devices are excluded.
func (r *Registry) List(onlineOnly bool) []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if onlineOnly && !d.Online {
			continue
		}
		out = append(out, copyDevice(d))
	}
	slices.SortFunc(out, func(a, b Device) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// FilterByCapability returns devices advertising the given sensor
// and/or actuator. Empty filters match everything.
func (r *Registry) FilterByCapability(sensor, actuator string, onlineOnly bool) []Device {
	all := r.List(onlineOnly)
	out := all[:0]
	for i := range all {
		if sensor != "" && !all[i].HasSensor(sensor) {
			continue
		}
		if actuator != "" && !all[i].HasActuator(actuator) {
			continue
		}
		out = append(out, all[i])
	}
	return out
}

// Counts returns the total and online device counts.
func (r *Registry) Counts() (total, online int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.devices)
	for _, d := range r.devices {
		if d.Online {
			online++
		}
	}
	return total, online
}

func copyDevice(d *Device) Device {
	cp := *d
	cp.Sensors = make(map[string]Reading, len(d.Sensors))
	for k, v := range d.Sensors {
		cp.Sensors[k] = v
	}
	cp.Actuators = make(map[string]ActuatorState, len(d.Actuators))
	for k, v := range d.Actuators {
		cp.Actuators[k] = v
	}
	cp.RecentErrors = slices.Clone(d.RecentErrors)
	cp.Capabilities = copyCapabilities(d.Capabilities)
	return cp
}

func copyCapabilities(c Capabilities) Capabilities {
	cp := c
	cp.Sensors = slices.Clone(c.Sensors)
	cp.Actuators = slices.Clone(c.Actuators)
	if c.Metadata != nil {
		cp.Metadata = make(map[string]map[string]any, len(c.Metadata))
		for k, m := range c.Metadata {
			inner := make(map[string]any, len(m))
			for mk, mv := range m {
				inner[mk] = mv
			}
			cp.Metadata[k] = inner
		}
	}
	return cp
}
