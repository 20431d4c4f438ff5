// Package clock implements the clock-zone device adapter: countdown
// start/pause/resume/fade verbs and time-setting, optionally mirrored
// to the engine's UI topic.
package clock

import (
	"context"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/adapter"
	"github.com/qingchang/escape-engine/internal/timeformat"
)

var capabilities = adapter.CapabilitySet(
	"start", "pause", "resume", "fade-in", "fade-out", "set-time", "hint",
)

// Adapter is the clock-zone device translator.
type Adapter struct {
	ctx      adapter.Context
	mirrorUI bool
}

func New(ctx adapter.Context, mirrorUI bool) *Adapter {
	return &Adapter{ctx: ctx, mirrorUI: mirrorUI}
}

func (a *Adapter) Capabilities() map[string]struct{} { return capabilities }

func (a *Adapter) Cleanup() {}

func (a *Adapter) Execute(ctx context.Context, verb string, options map[string]any) (adapter.Result, error) {
	if _, ok := capabilities[verb]; !ok {
		a.ctx.Logger.Warn("clock adapter: unknown verb", zap.String("verb", verb))
		return adapter.Result{}, &adapter.ErrUnknownVerb{Verb: verb}
	}

	payload := map[string]any{"command": verb}
	for k, v := range options {
		payload[k] = v
	}

	if verb == "set-time" || verb == "start" {
		if _, has := payload["time"]; !has {
			payload["time"] = a.deriveTime()
		}
	}

	if err := a.ctx.Bus.Publish(a.ctx.CommandsTopic(), payload); err != nil {
		return adapter.Result{}, err
	}

	if a.mirrorUI {
		if err := a.ctx.Bus.Publish(a.ctx.UITopic(), payload); err != nil {
			return adapter.Result{}, err
		}
	}

	return adapter.Result{Success: true, Data: map[string]any{"time": payload["time"]}}, nil
}

func (a *Adapter) deriveTime() string {
	if a.ctx.Provider == nil {
		return timeformat.SecondsToMMSS(0)
	}
	_, remaining := a.ctx.Provider()
	return timeformat.SecondsToMMSS(remaining)
}

var _ adapter.Adapter = (*Adapter)(nil)
