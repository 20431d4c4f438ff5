// Package zone constructs device adapters from zone configuration and
// routes (zone, verb, options) invocations to them. It is the sole
// owner of adapter instances for the process lifetime.
package zone

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/adapter"
	"github.com/qingchang/escape-engine/internal/adapter/clock"
	"github.com/qingchang/escape-engine/internal/adapter/lights"
	"github.com/qingchang/escape-engine/internal/adapter/media"
	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/config"
)

// ErrUnknownType is returned at construction when a zone names a type
// not in {media, lights, clock}; this is a fatal configuration error.
type ErrUnknownType struct {
	Zone string
	Type config.ZoneType
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("zone %q: unknown adapter type %q", e.Zone, e.Type)
}

// ExecError wraps any adapter error with the zone/verb context that
// caused it.
type ExecError struct {
	Zone  string
	Verb  string
	Cause error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("zone %q verb %q: %v", e.Zone, e.Verb, e.Cause)
}

func (e *ExecError) Unwrap() error { return e.Cause }

type entry struct {
	zone    config.Zone
	adapter adapter.Adapter
}

// Registry owns every zone's adapter instance.
type Registry struct {
	logger *zap.Logger
	zones  map[string]*entry
	nextID atomic.Int64
}

// Options bundles the ambient values every adapter's Context needs.
type Options struct {
	GameTopic   string
	Logger      *zap.Logger
	Bus         bus.Client
	Provider    adapter.TimeProvider
	DefaultFade int
	MirrorUI    bool
}

// NewRegistry constructs one adapter per zone. An unknown zone type is
// a fatal error, returned to the caller (main exits 1 on it).
func NewRegistry(zones map[string]config.Zone, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{logger: logger, zones: make(map[string]*entry, len(zones))}

	for name, z := range zones {
		actx := adapter.Context{
			Logger:      logger,
			Bus:         opts.Bus,
			GameTopic:   opts.GameTopic,
			BaseTopic:   z.BaseTopic,
			Provider:    opts.Provider,
			DefaultFade: opts.DefaultFade,
		}

		var a adapter.Adapter
		switch z.Type {
		case config.ZoneMedia:
			a = media.New(actx)
		case config.ZoneLights:
			a = lights.New(actx)
		case config.ZoneClock:
			a = clock.New(actx, opts.MirrorUI)
		default:
			return nil, &ErrUnknownType{Zone: name, Type: z.Type}
		}

		r.zones[name] = &entry{zone: z, adapter: a}
	}

	return r, nil
}

// Execute validates the zone, attaches a monotonic correlation ID, and
// invokes the adapter.
func (r *Registry) Execute(ctx context.Context, zoneName, verb string, options map[string]any) (adapter.Result, error) {
	e, ok := r.zones[zoneName]
	if !ok {
		return adapter.Result{}, &ExecError{Zone: zoneName, Verb: verb, Cause: fmt.Errorf("unknown zone")}
	}

	correlationID := r.nextID.Add(1)
	res, err := e.adapter.Execute(ctx, verb, options)
	if err != nil {
		r.logger.Warn("zone execute failed",
			zap.String("zone", zoneName), zap.String("verb", verb),
			zap.Int64("correlation_id", correlationID), zap.Error(err))
		return res, &ExecError{Zone: zoneName, Verb: verb, Cause: err}
	}
	return res, nil
}

// CanExecute consults the adapter's capability set.
func (r *Registry) CanExecute(zoneName, verb string) bool {
	e, ok := r.zones[zoneName]
	if !ok {
		return false
	}
	_, ok = e.adapter.Capabilities()[verb]
	return ok
}

// ZonesByType returns every zone name of the given type.
func (r *Registry) ZonesByType(t config.ZoneType) []string {
	var out []string
	for name, e := range r.zones {
		if e.zone.Type == t {
			out = append(out, name)
		}
	}
	return out
}

// ZoneNames returns every registered zone name.
func (r *Registry) ZoneNames() []string {
	out := make([]string, 0, len(r.zones))
	for name := range r.zones {
		out = append(out, name)
	}
	return out
}

// EventTopics returns the {base}/events topic for every zone, for
// subscribing diagnostics collectors.
func (r *Registry) EventTopics() []string {
	out := make([]string, 0, len(r.zones))
	for _, e := range r.zones {
		out = append(out, e.zone.BaseTopic+"/events")
	}
	return out
}

// Cleanup releases every adapter's resources (e.g. state subscriptions).
func (r *Registry) Cleanup() {
	for _, e := range r.zones {
		e.adapter.Cleanup()
	}
}
