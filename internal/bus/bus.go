// Package bus wraps the MQTT publish/subscribe transport the engine
// drives devices over. It owns connect/reconnect/resubscribe and turns
// incoming wire payloads into a single event stream; publish and
// subscribe failures are logged and also returned as the method's error.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Message is one inbound (topic, parsedValue) event. Value is the
// JSON-decoded payload, or the raw string if it did not decode as JSON.
type Message struct {
	Topic string
	Value any
	Raw   []byte
}

// Handler receives every message delivered on a subscribed topic.
type Handler func(Message)

// Client is the bus surface the rest of the engine depends on.
type Client interface {
	Connect() error
	Disconnect()
	Subscribe(topic string, handler Handler) error
	Publish(topic string, value any) error
	// PublishRetained publishes with the broker's retained flag set, for
	// topics late subscribers must see immediately (config, registries).
	PublishRetained(topic string, value any) error
	Events() <-chan Message
}

// Config configures the MQTT client.
type Config struct {
	BrokerURL string
	ClientID  string
	Logger    *zap.Logger

	ConnectTimeout time.Duration
}

// MQTTClient is the production bus.Client backed by paho.mqtt.golang.
type MQTTClient struct {
	logger *zap.Logger
	opts   *mqtt.ClientOptions
	client mqtt.Client

	mu       sync.RWMutex
	handlers map[string]Handler

	events chan Message
}

// New constructs a disconnected MQTTClient. Call Connect to dial.
func New(cfg Config) *MQTTClient {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &MQTTClient{
		logger:   logger,
		handlers: make(map[string]Handler),
		events:   make(chan Message, 256),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(orDefault(cfg.ConnectTimeout, 10*time.Second))

	opts.SetOnConnectHandler(func(mqtt.Client) {
		b.logger.Info("bus connected", zap.String("broker", cfg.BrokerURL))
		b.resubscribeAll()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("bus connection lost", zap.Error(err))
	})

	b.opts = opts
	return b
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (b *MQTTClient) Connect() error {
	b.client = mqtt.NewClient(b.opts)
	token := b.client.Connect()
	token.Wait()
	return token.Error()
}

func (b *MQTTClient) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		b.client.Disconnect(250)
	}
	close(b.events)
}

// Subscribe registers a handler for topic and records it so a
// reconnect re-subscribes automatically.
func (b *MQTTClient) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	b.handlers[topic] = handler
	b.mu.Unlock()
	return b.subscribeOnce(topic)
}

func (b *MQTTClient) subscribeOnce(topic string) error {
	if b.client == nil {
		return nil
	}
	token := b.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		b.deliver(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		b.logger.Warn("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return nil
}

func (b *MQTTClient) resubscribeAll() {
	b.mu.RLock()
	topics := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		topics = append(topics, t)
	}
	b.mu.RUnlock()
	for _, t := range topics {
		_ = b.subscribeOnce(t)
	}
}

func (b *MQTTClient) deliver(topic string, payload []byte) {
	value, isJSON := decode(payload)
	msg := Message{Topic: topic, Value: value, Raw: payload}
	if !isJSON {
		b.logger.Debug("non-JSON payload, passing raw string", zap.String("topic", topic))
	}

	b.mu.RLock()
	handler := b.handlers[topic]
	b.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}

	select {
	case b.events <- msg:
	default:
		b.logger.Warn("event stream full, dropping message", zap.String("topic", topic))
	}
}

func decode(payload []byte) (any, bool) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload), false
	}
	return v, true
}

// Publish marshals value to JSON unless it is already a string, and
// publishes it. Failures are logged, never returned to callers beyond
// the error value itself (callers on the hot path should ignore it).
func (b *MQTTClient) Publish(topic string, value any) error {
	return b.publish(topic, value, false)
}

func (b *MQTTClient) PublishRetained(topic string, value any) error {
	return b.publish(topic, value, true)
}

func (b *MQTTClient) publish(topic string, value any, retained bool) error {
	payload, err := toWire(value)
	if err != nil {
		b.logger.Error("publish marshal failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	if b.client == nil {
		b.logger.Warn("publish with no connection", zap.String("topic", topic))
		return nil
	}
	token := b.client.Publish(topic, 1, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		b.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return nil
}

func toWire(value any) ([]byte, error) {
	if s, ok := value.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(value)
}

func (b *MQTTClient) Events() <-chan Message {
	return b.events
}
