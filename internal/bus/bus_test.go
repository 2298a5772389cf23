package bus

import (
	"context"
	"testing"
	"time"

	"github.com/apicov/esp-mcp-bridge/internal/config"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"devices/+/sensors/+/data", "devices/esp32_aa11bb/sensors/temperature/data", true},
		{"devices/+/sensors/+/data", "devices/esp32_aa11bb/sensors/temperature/data/extra", false},
		{"devices/+/sensors/+/data", "devices/esp32_aa11bb/sensors/data", false},
		{"devices/+/status", "devices/esp32_aa11bb/status", true},
		{"devices/+/status", "devices/esp32_aa11bb/error", false},
		{"devices/+/capabilities", "devices/x/capabilities", true},
		{"devices/+/capabilities", "other/x/capabilities", false},
		{"devices/+/status", "devices//status", false},
		{"devices/+/actuators/+/status", "devices/d1/actuators/led/status", true},
		{"devices/+/actuators/+/status", "devices/d1/actuators/led/cmd", false},
	}

	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestDispatchFirstMatchWins(t *testing.T) {
	b := New(config.MQTTConfig{Broker: "localhost", Port: 1883}, "test", nil, nil)

	var first, second int
	b.Subscribe("devices/+/status", 1, func(_ context.Context, _ string, _ []byte) {
		first++
	})
	b.Subscribe("devices/+/+", 1, func(_ context.Context, _ string, _ []byte) {
		second++
	})

	b.dispatch(context.Background(), "devices/dev1/status", []byte("{}"))

	if first != 1 || second != 0 {
		t.Errorf("dispatch counts = (%d, %d), want first match only", first, second)
	}

	// The broader pattern catches what the first does not.
	b.dispatch(context.Background(), "devices/dev1/error", []byte("{}"))
	if second != 1 {
		t.Errorf("second handler count = %d, want 1", second)
	}
}

func TestDispatchUnmatchedCounted(t *testing.T) {
	b := New(config.MQTTConfig{Broker: "localhost", Port: 1883}, "test", nil, nil)
	b.Subscribe("devices/+/status", 1, func(_ context.Context, _ string, _ []byte) {})

	b.dispatch(context.Background(), "other/topic", []byte("{}"))
	b.dispatch(context.Background(), "devices/dev1/status/extra", []byte("{}"))

	if got := b.UnmatchedCount(); got != 2 {
		t.Errorf("UnmatchedCount() = %d, want 2", got)
	}
}

func TestDispatchContainsHandlerPanic(t *testing.T) {
	b := New(config.MQTTConfig{Broker: "localhost", Port: 1883}, "test", nil, nil)
	b.Subscribe("devices/+/status", 1, func(_ context.Context, _ string, _ []byte) {
		panic("boom")
	})

	// Must not propagate.
	b.dispatch(context.Background(), "devices/dev1/status", []byte("{}"))
}

func TestPublishNotReady(t *testing.T) {
	b := New(config.MQTTConfig{Broker: "localhost", Port: 1883}, "test", nil, nil)

	err := b.Publish(context.Background(), "devices/dev1/actuators/led/cmd", map[string]any{"action": "toggle"}, 1, false)
	if err != ErrNotReady {
		t.Errorf("Publish() on unstarted bus = %v, want ErrNotReady", err)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	r := newMessageRateLimiter(3, time.Second, nil)

	for i := range 3 {
		if !r.allow() {
			t.Fatalf("message %d rejected under limit", i)
		}
	}
	if r.allow() {
		t.Error("message over limit allowed")
	}
	if got := r.dropped.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	b := New(config.MQTTConfig{Broker: "localhost", Port: 1883}, "test", nil, nil)
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on unstarted bus = %v, want nil", err)
	}
}
