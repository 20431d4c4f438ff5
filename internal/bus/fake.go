package bus

import (
	"encoding/json"
	"sync"
)

// Fake is an in-memory bus.Client for unit tests that don't need a real
// broker. Publish delivers synchronously to any matching subscriber.
type Fake struct {
	mu        sync.Mutex
	handlers  map[string]Handler
	published []Published
	events    chan Message
}

type Published struct {
	Topic    string
	Value    any
	Retained bool
}

func NewFake() *Fake {
	return &Fake{
		handlers: make(map[string]Handler),
		events:   make(chan Message, 256),
	}
}

func (f *Fake) Connect() error { return nil }
func (f *Fake) Disconnect()    {}

func (f *Fake) Subscribe(topic string, handler Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *Fake) Publish(topic string, value any) error {
	return f.publish(topic, value, false)
}

func (f *Fake) PublishRetained(topic string, value any) error {
	return f.publish(topic, value, true)
}

func (f *Fake) publish(topic string, value any, retained bool) error {
	f.mu.Lock()
	f.published = append(f.published, Published{Topic: topic, Value: value, Retained: retained})
	handler := f.handlers[topic]
	f.mu.Unlock()

	raw, _ := toWire(value)
	msg := Message{Topic: topic, Value: value, Raw: raw}
	if handler != nil {
		handler(msg)
	}
	select {
	case f.events <- msg:
	default:
	}
	return nil
}

func (f *Fake) Events() <-chan Message {
	return f.events
}

// Published returns every message published so far, for test assertions.
func (f *Fake) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.published))
	copy(out, f.published)
	return out
}

// Deliver injects an inbound message as if it arrived from the broker,
// for tests of subscribe handlers.
func (f *Fake) Deliver(topic string, raw []byte) {
	f.mu.Lock()
	handler := f.handlers[topic]
	f.mu.Unlock()

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		v = string(raw)
	}
	msg := Message{Topic: topic, Value: v, Raw: raw}
	if handler != nil {
		handler(msg)
	}
	select {
	case f.events <- msg:
	default:
	}
}

var _ Client = (*Fake)(nil)
