// Package sequence resolves named sequences across namespaces and runs
// them step by step (ordered form) or scheduled by offset (timeline
// form), substituting `{{var}}` placeholders and guarding against
// unbounded fire-seq recursion.
package sequence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/classify"
	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/hint"
	"github.com/qingchang/escape-engine/internal/observability"
	"github.com/qingchang/escape-engine/internal/zone"
)

// ErrDepthExceeded is returned when a fire-seq chain nests deeper than
// a sequence's configured max depth.
type ErrDepthExceeded struct {
	Name  string
	Depth int
}

func (e *ErrDepthExceeded) Error() string {
	return fmt.Sprintf("sequence %q: max depth %d exceeded", e.Name, e.Depth)
}

// ErrCycle is returned when a fire-seq chain revisits a sequence
// already on its own call stack.
type ErrCycle struct {
	Name  string
	Stack []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("sequence %q: cycle detected (stack: %s)", e.Name, strings.Join(e.Stack, " -> "))
}

// ErrMissing is returned when a named sequence resolves in no namespace.
type ErrMissing struct{ Name string }

func (e *ErrMissing) Error() string { return fmt.Sprintf("sequence %q not found", e.Name) }

// CueFirer is the subset of cue.Dispatcher a running sequence needs for
// `fire`/`fire-cue` steps, injected as an interface so this package
// never imports internal/cue.
type CueFirer interface {
	Fire(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string) error
}

// HintFirer is the subset of hint.Subsystem a running sequence needs
// for `hint`/`hint-text` steps.
type HintFirer interface {
	Fire(ctx context.Context, cfg config.GameConfig, mode config.Mode, id string, source hint.Source, textOverride string) error
}

// EventSink publishes sequence lifecycle events, satisfied by the
// phase engine.
type EventSink interface {
	EmitEvent(event string, data map[string]any)
	EmitWarning(warning, message string, extra map[string]any)
}

// Resolver supplies the active GameConfig/Mode pair at call time; the
// phase engine owns mode switches so the runner never caches them.
type Resolver interface {
	GameConfig() config.GameConfig
	Mode() config.Mode
}

// Runner executes sequences by name, resolving across namespaces in
// priority order: per-mode > global > system > command.
type Runner struct {
	logger   *zap.Logger
	zones    *zone.Registry
	bus      bus.Client
	cues     CueFirer
	hints    HintFirer
	sink     EventSink
	resolver Resolver
	metrics  *observability.Metrics
}

func New(zones *zone.Registry, busClient bus.Client, cues CueFirer, sink EventSink, resolver Resolver, metrics *observability.Metrics, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger, zones: zones, bus: busClient, cues: cues, sink: sink, resolver: resolver, metrics: metrics}
}

// SetHints wires the hint subsystem after construction, breaking the
// hint<->sequence initialization cycle (hint.New needs a SequenceRunner,
// sequence.New needs a HintFirer).
func (r *Runner) SetHints(h HintFirer) { r.hints = h }

// RunNamed is the SequenceRunner entry point used by internal/hint for
// `text`-type hints.
func (r *Runner) RunNamed(ctx context.Context, name, modeID string, vars map[string]any) error {
	cfg := r.resolver.GameConfig()
	mode := r.resolver.Mode()
	if mode.ID != modeID {
		if m, ok := cfg.Modes[modeID]; ok {
			mode = m
		}
	}
	return r.Run(ctx, cfg, mode, name, vars)
}

// Run resolves name and executes it from a fresh call stack.
func (r *Runner) Run(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string, vars map[string]any) error {
	start := time.Now()
	err := r.run(ctx, cfg, mode, name, vars, nil)
	if r.metrics != nil {
		r.metrics.SequenceLatency.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			r.metrics.SequenceFailTotal.WithLabelValues(reasonFor(err)).Inc()
		}
	}
	return err
}

// RunDef executes an already-resolved definition (an inline phase
// sequence that has no addressable name) under the same depth/cycle
// guard and event lifecycle as a named run. name is only used for
// events and stack entries.
func (r *Runner) RunDef(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string, def config.SequenceDef, vars map[string]any) error {
	start := time.Now()
	err := r.runResolved(ctx, cfg, mode, name, def, vars, []string{name})
	if r.metrics != nil {
		r.metrics.SequenceLatency.WithLabelValues(name).Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			r.metrics.SequenceFailTotal.WithLabelValues(reasonFor(err)).Inc()
		}
	}
	return err
}

func reasonFor(err error) string {
	switch err.(type) {
	case *ErrDepthExceeded:
		return "depth_exceeded"
	case *ErrCycle:
		return "cycle"
	case *ErrMissing:
		return "missing"
	default:
		return "step_failed"
	}
}

// Resolve looks up name in per-mode sequences, then global, system, and
// command namespaces, applying the legacy alias table first. Within
// each lookup the raw name, the `-sequence`-suffixed variant, and the
// suffix-stripped base are all tried, so configurations may refer to
// `intro` or `intro-sequence` interchangeably.
func Resolve(cfg config.GameConfig, mode config.Mode, name string) (config.SequenceDef, bool) {
	name = config.ResolveLegacyAlias(name)
	for _, ns := range []map[string]config.SequenceDef{mode.Sequences, cfg.GlobalSequences, cfg.SystemSequences, cfg.CommandSequences} {
		for _, candidate := range nameVariants(name) {
			if s, ok := ns[candidate]; ok {
				return s, true
			}
		}
	}
	return config.SequenceDef{}, false
}

func nameVariants(name string) []string {
	variants := []string{name}
	if base := strings.TrimSuffix(name, "-sequence"); base != name {
		variants = append(variants, base)
	} else {
		variants = append(variants, name+"-sequence")
	}
	return variants
}

func (r *Runner) run(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string, vars map[string]any, stack []string) error {
	def, ok := Resolve(cfg, mode, name)
	if !ok {
		r.sink.EmitWarning("sequence_missing", fmt.Sprintf("sequence %q not found", name), map[string]any{"sequence": name})
		return &ErrMissing{Name: name}
	}

	maxDepth := def.MaxDepth()
	if len(stack) >= maxDepth {
		r.sink.EmitWarning("sequence_depth_exceeded", fmt.Sprintf("sequence %q exceeds max depth %d", name, maxDepth), map[string]any{"sequence": name, "depth": len(stack)})
		return &ErrDepthExceeded{Name: name, Depth: maxDepth}
	}
	for _, seen := range stack {
		if seen == name {
			r.sink.EmitWarning("sequence_cycle_detected", fmt.Sprintf("sequence %q cycles back to itself", name), map[string]any{"sequence": name, "stack": append(append([]string{}, stack...), name)})
			return &ErrCycle{Name: name, Stack: append(append([]string{}, stack...), name)}
		}
	}
	stack = append(stack, name)
	return r.runResolved(ctx, cfg, mode, name, def, vars, stack)
}

func (r *Runner) runResolved(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string, def config.SequenceDef, vars map[string]any, stack []string) error {
	r.sink.EmitEvent("sequence_start", map[string]any{"sequence": name, "depth": len(stack)})

	var err error
	if def.IsTimeline() {
		err = r.runTimeline(ctx, cfg, mode, name, def, vars, stack)
	} else {
		err = r.runOrdered(ctx, cfg, mode, name, def, vars, stack)
	}

	if err != nil {
		r.sink.EmitEvent("sequence_failed", map[string]any{"sequence": name, "error": err.Error()})
		return err
	}
	r.sink.EmitEvent("sequence_complete", map[string]any{"sequence": name})
	return nil
}

func (r *Runner) runOrdered(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string, def config.SequenceDef, vars map[string]any, stack []string) error {
	// A meta.duration that disagrees with the step-sum estimate both
	// warns and caps the run: waits past the override are trimmed and
	// the remaining steps are skipped.
	budget := -1
	estimated := def.EstimatedDuration()
	if def.MetaDuration > 0 && def.MetaDuration != estimated {
		r.sink.EmitWarning("sequence_duration_mismatch", fmt.Sprintf("sequence %q declares duration %ds but steps sum to %ds", name, def.MetaDuration, estimated), map[string]any{"sequence": name})
		budget = def.MetaDuration
	}

	elapsed := 0
	doWait := func(seconds int) error {
		if budget >= 0 && elapsed+seconds > budget {
			seconds = budget - elapsed
		}
		if seconds <= 0 {
			return nil
		}
		if err := sleep(ctx, time.Duration(seconds)*time.Second); err != nil {
			return err
		}
		elapsed += seconds
		return nil
	}

	for i, step := range def.Steps {
		if budget >= 0 && elapsed >= budget {
			break
		}
		r.sink.EmitEvent("sequence_step_start", map[string]any{"sequence": name, "index": i})
		if err := r.runStep(ctx, cfg, mode, step, vars, stack); err != nil {
			r.sink.EmitEvent("sequence_step_failed", map[string]any{"sequence": name, "index": i, "error": err.Error()})
			return err
		}
		r.sink.EmitEvent("sequence_step_complete", map[string]any{"sequence": name, "index": i})

		if step.Wait > 0 {
			if err := doWait(step.Wait); err != nil {
				return err
			}
		}
		if step.TrailingWait > 0 || step.TrailingWaitUseDuration {
			wait := step.TrailingWait
			if step.TrailingWaitUseDuration {
				wait = step.Wait
			}
			if wait > 0 {
				if err := doWait(wait); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// runTimeline schedules each timeline entry's actions to fire (duration
// - at) seconds after the run starts; at==duration entries fire
// synchronously before returning (cue timelines instead start them on a
// background goroutine).
func (r *Runner) runTimeline(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string, def config.SequenceDef, vars map[string]any, stack []string) error {
	if def.Duration <= 0 {
		r.sink.EmitWarning("sequence_timeline_invalid", fmt.Sprintf("sequence %q timeline duration must be positive", name), nil)
		return fmt.Errorf("sequence %q: invalid timeline duration", name)
	}

	var final []config.TimelineEntry
	for _, entry := range def.Timeline {
		entry := entry
		if entry.At < 0 || entry.At > def.Duration {
			r.sink.EmitWarning("sequence_timeline_invalid", fmt.Sprintf("sequence %q timeline entry at=%d out of range", name, entry.At), nil)
			continue
		}
		delay := time.Duration(def.Duration-entry.At) * time.Second
		if delay <= 0 {
			final = append(final, entry)
			continue
		}
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				r.runCueActions(ctx, entry.Actions, vars)
			}
		}()
	}
	for _, entry := range final {
		r.runCueActions(ctx, entry.Actions, vars)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) runStep(ctx context.Context, cfg config.GameConfig, mode config.Mode, step config.Step, vars map[string]any, stack []string) error {
	switch {
	case step.FireSeq != "":
		return r.run(ctx, cfg, mode, substitute(step.FireSeq, vars), vars, stack)
	case step.FireCue != "":
		return r.cues.Fire(ctx, cfg, mode, substitute(step.FireCue, vars))
	case step.Fire != "":
		name := substitute(step.Fire, vars)
		switch classify.Name(cfg, mode, name) {
		case classify.KindHint:
			r.sink.EmitWarning("deprecated_fire_hint", fmt.Sprintf("fire %q resolved to a hint; use a hint step instead", name), nil)
			if r.hints == nil {
				return nil
			}
			return r.hints.Fire(ctx, cfg, mode, name, hint.SourceSequence, "")
		case classify.KindSequence:
			return r.run(ctx, cfg, mode, name, vars, stack)
		default:
			return r.cues.Fire(ctx, cfg, mode, name)
		}
	case step.Hint != "":
		if r.hints == nil {
			return fmt.Errorf("sequence step: hint subsystem not wired")
		}
		return r.hints.Fire(ctx, cfg, mode, substitute(step.Hint, vars), hint.SourceSequence, "")
	case step.HintText != "":
		if r.hints == nil {
			return fmt.Errorf("sequence step: hint subsystem not wired")
		}
		return r.hints.Fire(ctx, cfg, mode, "", hint.SourceSequence, substitute(step.HintText, vars))
	case step.PublishTopic != "":
		return r.bus.Publish(substitute(step.PublishTopic, vars), substituteAny(step.PublishPayload, vars))
	case step.VerifyBrowser != nil:
		_, err := r.zones.Execute(ctx, step.VerifyBrowser.Zone, "verifyBrowser", map[string]any{
			"url": substitute(step.VerifyBrowser.URL, vars), "visible": step.VerifyBrowser.Visible, "timeoutMs": step.VerifyBrowser.TimeoutMs,
		})
		return err
	case step.VerifyImage != nil:
		_, err := r.zones.Execute(ctx, step.VerifyImage.Zone, "verifyImage", map[string]any{
			"file": substitute(step.VerifyImage.File, vars), "timeoutMs": step.VerifyImage.TimeoutMs,
		})
		return err
	case step.Command != "":
		zones := step.Zones
		if step.Zone != "" {
			zones = append(zones, step.Zone)
		}
		options := substituteOptions(step.Options, vars)
		for _, z := range zones {
			if _, err := r.zones.Execute(ctx, z, step.Command, options); err != nil {
				r.logger.Warn("sequence step adapter error", zap.String("zone", z), zap.String("command", step.Command), zap.Error(err))
			}
		}
		return nil
	case step.Wait > 0:
		// wait-only step: the caller's post-step wait handling covers it.
		return nil
	default:
		return nil
	}
}

func (r *Runner) runCueActions(ctx context.Context, actions []config.CueAction, vars map[string]any) {
	for _, a := range actions {
		zones := a.Zones
		if a.Zone != "" {
			zones = append(zones, a.Zone)
		}
		verb, options := "", map[string]any(nil)
		switch {
		case a.Scene != "":
			verb, options = "scene", map[string]any{"name": a.Scene}
		case a.Command != "":
			verb, options = a.Command, substituteOptions(a.Options, vars)
		}
		if verb == "" {
			continue
		}
		for _, z := range zones {
			if _, err := r.zones.Execute(ctx, z, verb, options); err != nil {
				r.logger.Warn("sequence timeline action failed", zap.String("zone", z), zap.String("verb", verb), zap.Error(err))
			}
		}
	}
}

// substitute replaces every `{{key}}` occurrence in s with vars[key]'s
// string form, leaving unknown keys untouched.
func substitute(s string, vars map[string]any) string {
	if vars == nil || !strings.Contains(s, "{{") {
		return s
	}
	out := s
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}

func substituteAny(v any, vars map[string]any) any {
	if s, ok := v.(string); ok {
		return substitute(s, vars)
	}
	return v
}

func substituteOptions(options map[string]any, vars map[string]any) map[string]any {
	if options == nil {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = substituteAny(v, vars)
	}
	return out
}
