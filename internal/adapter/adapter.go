// Package adapter defines the device-adapter interface that translates
// engine verbs into device wire payloads. Concrete adapters (media,
// lights, clock) live in sibling packages; the zone registry is the
// only owner of adapter instances.
package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/bus"
)

// Result is the outcome of executing a verb against an adapter.
type Result struct {
	Success bool
	Data    map[string]any
}

// Adapter is implemented by every concrete device translator.
type Adapter interface {
	// Execute dispatches verb with options and returns the outcome.
	Execute(ctx context.Context, verb string, options map[string]any) (Result, error)
	// Capabilities returns the verb set this adapter accepts.
	Capabilities() map[string]struct{}
	// Cleanup releases any subscriptions the adapter holds. The bus
	// itself outlives every adapter; Cleanup never closes it.
	Cleanup()
}

// TimeProvider supplies the current game phase label and remaining
// seconds, used by the clock adapter to derive MM:SS when no explicit
// time argument is given.
type TimeProvider func() (phase string, remainingSeconds int)

// Context is handed to every adapter constructor: a weak (interface
// only) reference to the bus, the base topics it should publish to,
// and the engine-wide defaults it needs.
type Context struct {
	Logger      *zap.Logger
	Bus         bus.Client
	GameTopic   string
	BaseTopic   string
	Provider    TimeProvider
	DefaultFade int // ms; carried from the registry options, not read by the lights or media adapters
}

func (c Context) CommandsTopic() string { return c.BaseTopic + "/commands" }
func (c Context) StateTopic() string    { return c.BaseTopic + "/state" }
func (c Context) EventsTopic() string   { return c.BaseTopic + "/events" }
func (c Context) WarningsTopic() string { return c.BaseTopic + "/warnings" }
func (c Context) UITopic() string       { return c.GameTopic + "/ui" }

// CapabilitySet builds a capability set from a verb list, the shape
// every concrete adapter's Capabilities method returns.
func CapabilitySet(verbs ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(verbs))
	for _, v := range verbs {
		set[v] = struct{}{}
	}
	return set
}

// ErrUnknownVerb is returned (and logged, never thrown past the zone
// registry) when an adapter is asked for a verb outside its capability
// set; this is a warning-level condition, not a fatal one.
type ErrUnknownVerb struct {
	Verb string
}

func (e *ErrUnknownVerb) Error() string {
	return "unknown verb: " + e.Verb
}
