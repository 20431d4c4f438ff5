// Package cue resolves named cues, classifies their structural shape,
// and fans them out to device zones without ever blocking the caller.
// Dispatch is fire-and-forget: callers get an immediate return once the
// cue has been resolved and handed to the async worker.
package cue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/observability"
	"github.com/qingchang/escape-engine/internal/queue"
	"github.com/qingchang/escape-engine/internal/zone"
)

// EventSink publishes a structured event/warning; satisfied by the
// phase engine so cue dispatch never has to know about topic shapes.
type EventSink interface {
	EmitEvent(event string, data map[string]any)
	EmitWarning(warning, message string, extra map[string]any)
}

// Dispatcher resolves and fires cues. When q is non-nil, the action of
// a single-action cue (other than a raw publish) is published as a
// queue.Task onto the RabbitMQ-backed worker pool (retry + DLQ) and
// executed by the handler registered via RegisterWorker. List,
// timeline and legacy cues, raw publishes, and every action when no
// queue is configured run on a plain background goroutine, so unit
// tests don't need a live broker.
type Dispatcher struct {
	logger  *zap.Logger
	zones   *zone.Registry
	bus     bus.Client
	queue   *queue.Queue
	factory *queue.TaskFactory
	metrics *observability.Metrics
	sink    EventSink
}

func New(zones *zone.Registry, busClient bus.Client, q *queue.Queue, metrics *observability.Metrics, sink EventSink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger: logger, zones: zones, bus: busClient, queue: q,
		factory: queue.NewTaskFactory(), metrics: metrics, sink: sink,
	}
}

// RegisterWorker wires the dispatcher's task handler into q, so queued
// cue actions are actually executed against the zone registry. Call
// once at startup when a queue is configured.
func (d *Dispatcher) RegisterWorker(q *queue.Queue) {
	q.RegisterHandler(queue.TaskTypeCueAction, func(ctx context.Context, task queue.Task) (map[string]interface{}, error) {
		zones := queue.ZoneTargets(task.Data)
		options, _ := task.Data["options"].(map[string]interface{})
		if err := d.execEach(ctx, zones, task.Command(), options); err != nil {
			return nil, err
		}
		return map[string]interface{}{"dispatched": true}, nil
	})
}

// Resolve looks up name in per-mode cues, then global cues.
func Resolve(cfg config.GameConfig, mode config.Mode, name string) (config.CueDef, bool) {
	if mode.Cues != nil {
		if c, ok := mode.Cues[name]; ok {
			return c, true
		}
	}
	if c, ok := cfg.GlobalCues[name]; ok {
		return c, true
	}
	return config.CueDef{}, false
}

// Fire resolves name and dispatches it fire-and-forget. The returned
// error only ever reflects resolution failure (cue_missing); execution
// failures land on the events/warnings topics, never on the caller.
func (d *Dispatcher) Fire(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string) error {
	def, ok := Resolve(cfg, mode, name)
	if !ok {
		d.sink.EmitWarning("cue_missing", fmt.Sprintf("cue %q not found", name), map[string]any{"cue": name})
		return fmt.Errorf("cue %q not found", name)
	}
	d.dispatch(ctx, def)
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, def config.CueDef) {
	if d.metrics != nil {
		d.metrics.CueDispatchTotal.WithLabelValues(string(def.Kind)).Inc()
	}
	switch def.Kind {
	case config.CueSingle:
		d.enqueueAction(ctx, *def.Single)
	case config.CueList:
		d.spawn(func() {
			for _, a := range def.List {
				d.runActionSync(ctx, a)
			}
		})
	case config.CueTimeline:
		d.dispatchTimeline(ctx, def)
	case config.CueLegacyActions:
		d.sink.EmitWarning("deprecated_cue_shape", "legacy {commands|actions} cue shape is deprecated", nil)
		d.spawn(func() {
			for _, a := range def.Legacy {
				d.runActionSync(ctx, a)
			}
		})
	}
}

// dispatchTimeline validates (duration positive, every at in
// [0,duration], warns on missing at=0/at=duration entries) then
// schedules each actions array at delay (duration-at) from now;
// at-start entries are started at once on a background goroutine,
// without a timer.
func (d *Dispatcher) dispatchTimeline(ctx context.Context, def config.CueDef) {
	if def.Duration <= 0 {
		d.sink.EmitWarning("cue_timeline_invalid", "timeline cue duration must be positive", nil)
		return
	}
	hasZero, hasDuration := false, false
	for _, e := range def.Timeline {
		if e.At < 0 || e.At > def.Duration {
			d.sink.EmitWarning("cue_timeline_invalid", "timeline entry at out of range", map[string]any{"at": e.At})
			continue
		}
		if e.At == 0 {
			hasZero = true
		}
		if e.At == def.Duration {
			hasDuration = true
		}
	}
	if !hasZero {
		d.sink.EmitWarning("cue_timeline_missing_start", "timeline cue has no at=0 entry", nil)
	}
	if !hasDuration {
		d.sink.EmitWarning("cue_timeline_missing_end", "timeline cue has no at=duration entry", nil)
	}

	for _, entry := range def.Timeline {
		entry := entry
		delay := time.Duration(def.Duration-entry.At) * time.Second
		if delay <= 0 {
			d.spawn(func() { d.runEntryActions(ctx, entry) })
			continue
		}
		time.AfterFunc(delay, func() { d.spawn(func() { d.runEntryActions(ctx, entry) }) })
	}
}

func (d *Dispatcher) runEntryActions(ctx context.Context, entry config.TimelineEntry) {
	for _, a := range entry.Actions {
		d.runActionSync(ctx, a)
	}
}

// spawn is the fire-and-forget task-spawning primitive used when an
// action doesn't need to be individually queued (lists/timelines run
// their own actions in order on one goroutine).
func (d *Dispatcher) spawn(fn func()) { go fn() }

// enqueueAction is the single-action fast path: published as its own
// queue.Task when a broker is configured (so a failing action retries
// independently and eventually lands on the DLQ), else executed inline
// on a background goroutine.
func (d *Dispatcher) enqueueAction(ctx context.Context, a config.CueAction) {
	if a.Publish != nil || d.queue == nil {
		d.spawn(func() { d.runActionSync(ctx, a) })
		return
	}

	zones := a.Zones
	if a.Zone != "" {
		zones = append(zones, a.Zone)
	}
	verb, options := actionVerbAndOptions(a)
	task := d.factory.CreateCueActionTask("", queue.CueActionData{
		Zones: zones, Command: verb, Options: options,
	})
	if err := d.queue.Publish(ctx, task); err != nil {
		d.logger.Warn("cue action enqueue failed, running inline", zap.Error(err))
		d.spawn(func() { d.runActionSync(ctx, a) })
	}
}

func (d *Dispatcher) runActionSync(ctx context.Context, a config.CueAction) {
	zones := a.Zones
	if a.Zone != "" {
		zones = append(zones, a.Zone)
	}
	if a.Publish != nil {
		if err := d.bus.Publish(a.Publish.Topic, a.Publish.Payload); err != nil {
			d.logger.Warn("cue publish failed", zap.String("topic", a.Publish.Topic), zap.Error(err))
		}
		return
	}
	verb, options := actionVerbAndOptions(a)
	if verb == "" {
		return
	}
	d.execEach(ctx, zones, verb, options)
}

func actionVerbAndOptions(a config.CueAction) (string, map[string]interface{}) {
	switch {
	case a.Scene != "":
		return "scene", map[string]interface{}{"name": a.Scene}
	case a.Play != nil:
		verb, options := playVerb(a.Play)
		return verb, mergeOptions(options, a.Options)
	case a.Command != "":
		return a.Command, normalizeOptions(a.Options)
	}
	return "", nil
}

// execEach runs verb on every zone, logging each failure, and returns
// the first error so the queue worker can retry the task.
func (d *Dispatcher) execEach(ctx context.Context, zones []string, verb string, options map[string]interface{}) error {
	var first error
	for _, z := range zones {
		if _, err := d.zones.Execute(ctx, z, verb, options); err != nil {
			if d.metrics != nil {
				d.metrics.AdapterErrorTotal.WithLabelValues(z).Inc()
			}
			d.logger.Warn("cue action failed", zap.String("zone", z), zap.String("verb", verb), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// playVerb maps a `play` action's single key (file|video|speech|fx|
// background|image) to the corresponding media verb. `loop` defaults
// to true for `background` when unset.
func playVerb(play map[string]any) (string, map[string]any) {
	options := map[string]any{}
	for k, v := range play {
		if k == "loop" {
			continue
		}
		switch k {
		case "video", "file":
			options["file"] = v
			return "playVideo", options
		case "speech":
			options["file"] = v
			return "playSpeech", options
		case "fx":
			options["file"] = v
			return "playAudioFX", options
		case "background":
			options["file"] = v
			if loop, ok := play["loop"]; ok {
				options["loop"] = loop
			} else {
				options["loop"] = true
			}
			return "playBackground", options
		case "image":
			options["file"] = v
			return "setImage", options
		}
	}
	return "", options
}

func mergeOptions(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// normalizeOptions folds mm/ss into MM:SS and ms/seconds into duration.
func normalizeOptions(options map[string]any) map[string]any {
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = v
	}
	if mm, ok := out["mm"]; ok {
		ss := out["ss"]
		out["MM:SS"] = fmt.Sprintf("%02v:%02v", mm, ss)
		delete(out, "mm")
		delete(out, "ss")
	}
	if ms, ok := out["ms"]; ok {
		out["duration"] = ms
		delete(out, "ms")
	}
	if seconds, ok := out["seconds"]; ok {
		out["duration"] = seconds
		delete(out, "seconds")
	}
	return out
}
