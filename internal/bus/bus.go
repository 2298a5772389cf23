// Package bus wraps the MQTT client. It owns the broker connection
// lifecycle, re-issues subscriptions on every (re-)connect, dispatches
// inbound messages to handlers by topic pattern, and publishes JSON
// payloads with per-topic QoS.
//
// The bus uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection and backoff. autopaho does
// not resubscribe after reconnection, so the OnConnectionUp callback
// re-sends SUBSCRIBE packets for every registered pattern.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/apicov/esp-mcp-bridge/internal/config"
	"github.com/apicov/esp-mcp-bridge/internal/events"
)

// ErrNotReady is returned by Publish while the broker connection is
// down. There is no in-process queueing; callers decide whether to
// retry.
var ErrNotReady = errors.New("bus not ready")

// Handler is called for each message received on a subscribed topic.
// Implementations must be safe for concurrent use and must not call
// Publish synchronously from within the same callback frame.
type Handler func(ctx context.Context, topic string, payload []byte)

// route pairs a topic pattern with its handler and subscription QoS.
type route struct {
	pattern string
	qos     byte
	handler Handler
}

// Bus manages the MQTT connection and the topic dispatch table.
type Bus struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger
	events   *events.Bus

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
	routes    []route
	unmatched atomic.Int64
	limiter   *messageRateLimiter
}

// New creates a Bus but does not connect. Register handlers with
// [Bus.Subscribe] before calling [Bus.Start]. A nil logger is replaced
// with [slog.Default]; a nil event bus disables operational events.
func New(cfg config.MQTTConfig, clientID string, evts *events.Bus, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger,
		events:   evts,
	}
}

// Subscribe registers a handler for a topic pattern. Patterns use `+`
// as a single-segment wildcard. Must be called before [Bus.Start].
// Dispatch tries patterns in registration order; the first match wins.
func (b *Bus) Subscribe(pattern string, qos byte, h Handler) {
	b.routes = append(b.routes, route{pattern: pattern, qos: qos, handler: h})
}

// Start connects to the broker and returns once the connection manager
// is running. The connection is retried in the background until ctx is
// cancelled; an initial connection failure is logged, not fatal.
func (b *Bus) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL())
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.connected.Store(true)
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.BrokerURL())
			b.events.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceBus,
				Kind:      events.KindConnected,
				Data:      map[string]any{"broker": b.cfg.BrokerURL()},
			})
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			b.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			b.connected.Store(false)
			b.logger.Warn("mqtt connection error", "error", err)
			b.events.Publish(events.Event{
				Timestamp: time.Now(),
				Source:    events.SourceBus,
				Kind:      events.KindDisconnected,
				Data:      map[string]any{"error": err.Error()},
			})
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.clientID,
			OnServerDisconnect: func(_ *paho.Disconnect) {
				b.connected.Store(false)
			},
			OnClientError: func(_ error) {
				b.connected.Store(false)
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	b.limiter = newMessageRateLimiter(500, time.Second, b.logger)
	go b.limiter.start(ctx)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if !b.limiter.allow() {
			return true, nil
		}
		b.dispatch(ctx, pr.Packet.Topic, pr.Packet.Payload)
		return true, nil
	})

	// Wait briefly for the initial connection; autopaho keeps retrying
	// in the background either way.
	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	return nil
}

// Stop disconnects from the broker. The provided context bounds how
// long to wait for the disconnect to complete.
func (b *Bus) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.connected.Store(false)
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (b *Bus) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("bus not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// Connected reports whether the broker connection is currently up.
func (b *Bus) Connected() bool {
	return b.connected.Load()
}

// UnmatchedCount returns how many inbound messages matched no
// registered pattern.
func (b *Bus) UnmatchedCount() int64 {
	return b.unmatched.Load()
}

// Publish serializes v as JSON and publishes it. Fails with
// [ErrNotReady] while the broker connection is down.
func (b *Bus) Publish(ctx context.Context, topic string, v any, qos byte, retain bool) error {
	if b.cm == nil || !b.connected.Load() {
		return ErrNotReady
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}

	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// subscribe sends SUBSCRIBE packets for all registered topic patterns.
// Called on every (re-)connect because autopaho does not automatically
// resubscribe after reconnection.
func (b *Bus) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if len(b.routes) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(b.routes))
	topics := make([]string, 0, len(b.routes))
	for _, rt := range b.routes {
		opts = append(opts, paho.SubscribeOptions{
			Topic: rt.pattern,
			QoS:   rt.qos,
		})
		topics = append(topics, rt.pattern)
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: opts,
	}); err != nil {
		b.logger.Error("mqtt subscribe failed", "error", err, "topics", topics)
	} else {
		b.logger.Info("mqtt subscribed to topics", "topics", topics)
	}
}

// dispatch matches the topic against the registered patterns in
// insertion order and invokes the first matching handler. Handler
// panics are contained; unmatched topics are counted and dropped.
func (b *Bus) dispatch(ctx context.Context, topic string, payload []byte) {
	for _, rt := range b.routes {
		if !MatchTopic(rt.pattern, topic) {
			continue
		}
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("mqtt message handler panicked",
					"topic", topic,
					"panic", r,
				)
			}
		}()
		rt.handler(ctx, topic, payload)
		return
	}

	b.unmatched.Add(1)
	b.logger.Debug("mqtt message unmatched", "topic", topic)
}
