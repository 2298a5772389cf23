// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (bus, router, supervisor,
// tools) to subscribers (the entry point's operational log, future
// metrics collectors). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBus identifies events from the MQTT connection layer.
	SourceBus = "bus"
	// SourceRouter identifies events from the message router.
	SourceRouter = "router"
	// SourceSupervisor identifies events from background maintenance loops.
	SourceSupervisor = "supervisor"
	// SourceTools identifies events from MCP tool execution.
	SourceTools = "tools"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals the broker connection came up.
	// Data: broker.
	KindConnected = "connected"
	// KindDisconnected signals the broker connection dropped.
	// Data: error.
	KindDisconnected = "disconnected"

	// KindDeviceSeen signals a device was created on first sight.
	// Data: device_id, topic.
	KindDeviceSeen = "device_seen"
	// KindDeviceOnline signals a device transitioned to online.
	// Data: device_id.
	KindDeviceOnline = "device_online"
	// KindDeviceOffline signals a device transitioned to offline,
	// either by an explicit status message or a timeout scan.
	// Data: device_id, reason.
	KindDeviceOffline = "device_offline"
	// KindDeviceError signals a device reported an error.
	// Data: device_id, error_type, severity.
	KindDeviceError = "device_error"

	// KindCommandSent signals an actuator command was published.
	// Data: device_id, actuator, action.
	KindCommandSent = "command_sent"

	// KindSweepComplete signals a retention sweep finished.
	// Data: sensor_rows, error_rows.
	KindSweepComplete = "sweep_complete"
	// KindMetricsSnapshot signals a metrics snapshot was persisted.
	// Data: devices.
	KindMetricsSnapshot = "metrics_snapshot"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
