// Package media implements the media-zone device adapter: video,
// background, audio fx, speech, browser/image display and power verbs,
// plus the verifyBrowser/verifyImage polling operations.
package media

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qingchang/escape-engine/internal/adapter"
	"github.com/qingchang/escape-engine/internal/bus"
)

// Poll cadences and timeout defaults; vars so tests can tighten them.
var (
	defaultVerifyBrowserTimeout = 20 * time.Second
	verifyBrowserPollInterval   = 2 * time.Second

	defaultVerifyImageTimeout = 10 * time.Second
	verifyImagePollInterval   = 1 * time.Second
)

var capabilities = adapter.CapabilitySet(
	"playVideo", "playBackground", "playAudioFX", "playSpeech",
	"stopAll", "stopBackground", "stopSpeech", "stopAudio", "stopVideo",
	"setImage", "setVolume",
	"enable", "disable", "show", "hide", "sleep", "wakeBrowser", "setBrowserUrl",
	"setColor", "setColorScene",
	"shutdown", "reboot", "poweroff", "kill", "restart",
	"requestState", "verifyBrowser", "verifyImage",
)

// Adapter is the media-zone device translator.
type Adapter struct {
	ctx adapter.Context

	mu    sync.RWMutex
	state map[string]any
}

// New constructs a media adapter and subscribes to its state topic.
func New(ctx adapter.Context) *Adapter {
	a := &Adapter{ctx: ctx, state: map[string]any{}}
	_ = ctx.Bus.Subscribe(ctx.StateTopic(), a.onState)
	return a
}

func (a *Adapter) onState(msg bus.Message) {
	if m, ok := msg.Value.(map[string]any); ok {
		a.mu.Lock()
		a.state = m
		a.mu.Unlock()
	}
}

func (a *Adapter) snapshot() map[string]any {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]any, len(a.state))
	for k, v := range a.state {
		out[k] = v
	}
	return out
}

func (a *Adapter) Capabilities() map[string]struct{} { return capabilities }

func (a *Adapter) Cleanup() {}

func (a *Adapter) Execute(ctx context.Context, verb string, options map[string]any) (adapter.Result, error) {
	switch verb {
	case "verifyBrowser":
		return a.verifyBrowser(ctx, options)
	case "verifyImage":
		return a.verifyImage(ctx, options)
	case "requestState":
		return adapter.Result{Success: true, Data: a.snapshot()}, nil
	case "setVolume":
		return a.publishCommand(verb, resolveVolume(options))
	default:
		if _, ok := capabilities[verb]; !ok {
			a.ctx.Logger.Warn("media adapter: unknown verb", zap.String("verb", verb))
			return adapter.Result{}, &adapter.ErrUnknownVerb{Verb: verb}
		}
		return a.publishCommand(verb, withDefaults(verb, options))
	}
}

// resolveVolume applies the precedence rule: an explicit absolute
// `volume` always wins over a relative `volumeAdjust`.
func resolveVolume(options map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range options {
		out[k] = v
	}
	if _, hasAbsolute := out["volume"]; hasAbsolute {
		delete(out, "volumeAdjust")
	}
	return out
}

func withDefaults(verb string, options map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range options {
		out[k] = v
	}
	if verb == "playBackground" {
		if _, ok := out["loop"]; !ok {
			out["loop"] = true
		}
	}
	return out
}

func (a *Adapter) publishCommand(command string, options map[string]any) (adapter.Result, error) {
	payload := map[string]any{"command": command}
	for k, v := range options {
		payload[k] = v
	}
	if err := a.ctx.Bus.Publish(a.ctx.CommandsTopic(), payload); err != nil {
		return adapter.Result{}, err
	}
	return adapter.Result{Success: true}, nil
}

// VerifyBrowserResult is the structured return of verifyBrowser.
type VerifyBrowserResult struct {
	Success           bool
	TimeElapsed       time.Duration
	Restarted         bool
	URLChanged        bool
	VisibilityChanged bool
	TimedOut          bool
}

func (a *Adapter) verifyBrowser(ctx context.Context, options map[string]any) (adapter.Result, error) {
	url, _ := options["url"].(string)
	visible, _ := options["visible"].(bool)
	timeout := durationOption(options, "timeoutMs", defaultVerifyBrowserTimeout)

	start := time.Now()
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var result VerifyBrowserResult
	g, gctx := errgroup.WithContext(pollCtx)
	g.Go(func() error {
		ticker := time.NewTicker(verifyBrowserPollInterval)
		defer ticker.Stop()
		for {
			browser := browserState(a.snapshot())

			if !browser.enabled {
				if _, err := a.publishCommand("enable", map[string]any{"url": url}); err != nil {
					return err
				}
				result.Restarted = true
			} else if browser.url != url {
				if _, err := a.publishCommand("setBrowserUrl", map[string]any{"url": url}); err != nil {
					return err
				}
				result.URLChanged = true
			} else if browser.visible != visible {
				verb := "show"
				if !visible {
					verb = "hide"
				}
				if _, err := a.publishCommand(verb, nil); err != nil {
					return err
				}
				result.VisibilityChanged = true
			} else {
				result.Success = true
				return nil
			}

			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	_ = g.Wait()

	result.TimeElapsed = time.Since(start)
	if !result.Success {
		result.TimedOut = true
	}

	return adapter.Result{
		Success: result.Success,
		Data: map[string]any{
			"success":           result.Success,
			"timeElapsed":       result.TimeElapsed,
			"restarted":         result.Restarted,
			"urlChanged":        result.URLChanged,
			"visibilityChanged": result.VisibilityChanged,
			"timedOut":          result.TimedOut,
		},
	}, nil
}

type browserSnapshot struct {
	enabled bool
	url     string
	visible bool
}

func browserState(state map[string]any) browserSnapshot {
	raw, _ := state["browser"].(map[string]any)
	snap := browserSnapshot{}
	if raw == nil {
		return snap
	}
	snap.enabled, _ = raw["enabled"].(bool)
	snap.url, _ = raw["url"].(string)
	snap.visible, _ = raw["visible"].(bool)
	return snap
}

func (a *Adapter) verifyImage(ctx context.Context, options map[string]any) (adapter.Result, error) {
	file, _ := options["file"].(string)
	timeout := durationOption(options, "timeoutMs", defaultVerifyImageTimeout)

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attempts := 0
	ticker := time.NewTicker(verifyImagePollInterval)
	defer ticker.Stop()

	for {
		attempts++
		current, _ := a.snapshot()["image"].(string)
		if current == file {
			return adapter.Result{Success: true, Data: map[string]any{
				"success": true, "timedOut": false, "attempts": attempts,
			}}, nil
		}
		if _, err := a.publishCommand("setImage", map[string]any{"file": file}); err != nil {
			return adapter.Result{}, err
		}

		select {
		case <-pollCtx.Done():
			a.publishWarning("media_verification_error", "verifyImage timed out", map[string]any{
				"file": file, "attempts": attempts,
			})
			return adapter.Result{Success: false, Data: map[string]any{
				"success": false, "timedOut": true, "attempts": attempts,
			}}, nil
		case <-ticker.C:
		}
	}
}

func (a *Adapter) publishWarning(kind, message string, extra map[string]any) {
	payload := map[string]any{
		"warning":   kind,
		"message":   message,
		"timestamp": time.Now().UnixMilli(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	_ = a.ctx.Bus.Publish(a.ctx.WarningsTopic(), payload)
}

func durationOption(options map[string]any, key string, def time.Duration) time.Duration {
	if v, ok := options[key]; ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Millisecond
		case int64:
			return time.Duration(n) * time.Millisecond
		case float64:
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

var _ adapter.Adapter = (*Adapter)(nil)
