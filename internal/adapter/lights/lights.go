// Package lights implements the lights-zone device adapter: a single
// scene(name) verb with consecutive-duplicate de-duplication.
package lights

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/adapter"
)

var capabilities = adapter.CapabilitySet("scene")

// Adapter is the lights-zone device translator. Two consecutive
// identical scene calls issue exactly one wire publish.
type Adapter struct {
	ctx adapter.Context

	mu        sync.Mutex
	lastScene string
	hasLast   bool
}

func New(ctx adapter.Context) *Adapter {
	return &Adapter{ctx: ctx}
}

func (a *Adapter) Capabilities() map[string]struct{} { return capabilities }

func (a *Adapter) Cleanup() {}

func (a *Adapter) Execute(ctx context.Context, verb string, options map[string]any) (adapter.Result, error) {
	if verb != "scene" {
		a.ctx.Logger.Warn("lights adapter: unknown verb", zap.String("verb", verb))
		return adapter.Result{}, &adapter.ErrUnknownVerb{Verb: verb}
	}

	name, _ := options["name"].(string)

	a.mu.Lock()
	if a.hasLast && a.lastScene == name {
		a.mu.Unlock()
		return adapter.Result{Success: true, Data: map[string]any{"deduplicated": true}}, nil
	}
	a.lastScene = name
	a.hasLast = true
	a.mu.Unlock()

	if err := a.ctx.Bus.Publish(a.ctx.CommandsTopic(), map[string]any{
		"command": "setColorScene",
		"scene":   name,
	}); err != nil {
		return adapter.Result{}, err
	}
	return adapter.Result{Success: true}, nil
}

var _ adapter.Adapter = (*Adapter)(nil)
