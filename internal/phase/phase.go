// Package phase implements the state machine at the center of the
// engine: phase transitions, the countdown timers, phase-scoped
// schedule registration, and end-triggering. It is the single owner of
// engine state; every mutation happens on its own job-processing
// goroutine, so commands, ticks, and heartbeats never race each other.
package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/classify"
	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/cue"
	"github.com/qingchang/escape-engine/internal/hint"
	"github.com/qingchang/escape-engine/internal/observability"
	"github.com/qingchang/escape-engine/internal/scheduler"
	"github.com/qingchang/escape-engine/internal/sequence"
	"github.com/qingchang/escape-engine/internal/timeformat"
	"github.com/qingchang/escape-engine/internal/types"
	"github.com/qingchang/escape-engine/internal/zone"
)

// Phase is one named stage of the engine lifecycle.
type Phase string

const (
	PhaseResetting Phase = "resetting"
	PhaseReady     Phase = "ready"
	PhaseIntro     Phase = "intro"
	PhaseGameplay  Phase = "gameplay"
	PhasePaused    Phase = "paused"
	PhaseSolved    Phase = "solved"
	PhaseFailed    Phase = "failed"
	PhaseReset     Phase = "reset"
)

// tickingPhases is the set of phases the scheduler must be running in.
var tickingPhases = map[Phase]bool{
	PhaseIntro: true, PhaseGameplay: true, PhaseSolved: true, PhaseFailed: true,
}

// State is the complete engine state snapshot.
type State struct {
	Phase           Phase
	Mode            string
	Remaining       int
	ResetRemaining  int
	MarkedActions   map[string]bool
	RunningSequence string
	PausedFrom      Phase
	ResetPaused     bool
	IdleElapsed     int
	endTriggered    bool
}

// job is one unit of serialized work on the engine's single owner
// goroutine: ticks, heartbeats, and external commands all funnel
// through the same channel so nothing races engine state.
type job func()

// Engine is the phase/state machine. It owns the zone registry, cue
// dispatcher, sequence runner, hint subsystem, and scheduler for the
// process lifetime, and is the sole mutator of State.
type Engine struct {
	logger  *zap.Logger
	metrics *observability.Metrics
	bus     bus.Client
	zones   *zone.Registry
	cues    *cue.Dispatcher
	seqs    *sequence.Runner
	hints   *hint.Subsystem
	sched   *scheduler.Scheduler

	gameCfg config.GameConfig

	mu    sync.RWMutex
	state State

	jobs    chan job
	eventSq atomic.Int64
}

// New wires an engine with all core collaborators. The scheduler must
// be constructed with Engine.onTick/Engine.onHeartbeat as its
// callbacks, so it is passed in after construction via AttachScheduler.
func New(cfg config.GameConfig, busClient bus.Client, zones *zone.Registry, cues *cue.Dispatcher, seqs *sequence.Runner, hints *hint.Subsystem, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		logger: logger, metrics: metrics, bus: busClient, zones: zones,
		cues: cues, seqs: seqs, hints: hints, gameCfg: cfg,
		state: State{Phase: PhaseReady, MarkedActions: make(map[string]bool)},
		jobs:  make(chan job, 64),
	}
}

// AttachScheduler wires the scheduler after construction, avoiding an
// initialization cycle (the scheduler's callbacks close over e).
func (e *Engine) AttachScheduler(s *scheduler.Scheduler) { e.sched = s }

// Run drives the engine's job queue until ctx is cancelled. Every
// external command and every scheduler callback enqueues here; Run is
// the only goroutine that ever mutates state.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.jobs:
			e.runJob(j)
		}
	}
}

// runJob isolates one job so a panicking command or tick never takes
// down the loop; the engine stays alive and keeps serving commands.
func (e *Engine) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine job panicked", zap.Any("panic", r), zap.Stack("stack"))
			e.EmitWarning("engine_job_panic", fmt.Sprintf("recovered: %v", r), nil)
		}
	}()
	j()
}

func (e *Engine) enqueue(j job) { e.jobs <- j }

// GameConfig implements sequence.Resolver.
func (e *Engine) GameConfig() config.GameConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gameCfg
}

// Mode implements sequence.Resolver.
func (e *Engine) Mode() config.Mode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gameCfg.Modes[e.state.Mode]
}

// Snapshot returns a read-only copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// ---- EventSink: satisfies cue.EventSink, hint.EventSink, sequence.EventSink ----

func (e *Engine) EmitEvent(event string, data map[string]any) {
	payload, _ := json.Marshal(data)
	evt := types.Event{Seq: e.eventSq.Add(1), Event: event, T: time.Now().UnixMilli(), Data: payload}
	if e.metrics != nil && event == "phase_transition" {
		to, _ := data["to"].(string)
		e.metrics.PhaseTransitions.WithLabelValues(to).Inc()
	}
	if err := e.bus.Publish(e.eventsTopic(), evt); err != nil {
		e.logger.Warn("events publish failed", zap.Error(err))
	}
}

func (e *Engine) EmitWarning(warning, message string, extra map[string]any) {
	w := types.Warning{Warning: warning, Message: message, Timestamp: time.Now().UnixMilli(), Extra: extra}
	if err := e.bus.Publish(e.warningsTopic(), w); err != nil {
		e.logger.Warn("warnings publish failed", zap.Error(err))
	}
}

func (e *Engine) eventsTopic() string   { return e.GameConfig().GameTopic + "/events" }
func (e *Engine) warningsTopic() string { return e.GameConfig().GameTopic + "/warnings" }
func (e *Engine) stateTopic() string    { return e.GameConfig().GameTopic + "/state" }

func (e *Engine) publishState() {
	e.mu.RLock()
	s := e.state
	cfg := e.gameCfg
	e.mu.RUnlock()

	remaining := s.Remaining
	if s.Phase == PhaseSolved || s.Phase == PhaseFailed || s.Phase == PhaseReset {
		remaining = s.ResetRemaining
	}
	snap := types.StateSnapshot{
		GameState:       string(s.Phase),
		TimeLeft:        timeformat.SecondsToMMSS(remaining),
		GameType:        cfg.GameType,
		CurrentGameMode: s.Mode,
	}
	if err := e.bus.Publish(e.stateTopic(), snap); err != nil {
		e.logger.Warn("state publish failed", zap.Error(err))
	}
}

// Start begins a new game in mode, from the ready phase only.
func (e *Engine) Start(ctx context.Context, modeID string) error {
	resultCh := make(chan error, 1)
	e.enqueue(func() {
		e.mu.Lock()
		if e.state.Phase != PhaseReady {
			e.mu.Unlock()
			resultCh <- fmt.Errorf("cannot start: phase is %q, not ready", e.state.Phase)
			return
		}
		mode, ok := e.gameCfg.Modes[modeID]
		if !ok {
			e.mu.Unlock()
			resultCh <- fmt.Errorf("unknown mode %q", modeID)
			return
		}
		e.state.Mode = mode.ID
		e.state.MarkedActions = make(map[string]bool)
		e.state.endTriggered = false
		e.mu.Unlock()

		if err := e.validateMode(mode); err != nil {
			e.logger.Warn("mode validation found issues", zap.Error(err))
		}
		e.transitionToPhase(ctx, PhaseIntro)
		resultCh <- nil
	})
	return <-resultCh
}

// validateMode flags a phase that has both a sequence and a schedule or
// has no work at all, and checks that each phase's named sequence
// resolves. fire-seq steps inside sequences are not followed; a missing
// nested reference only surfaces as a warning at fire time. Issues are
// logged, never fatal.
func (e *Engine) validateMode(mode config.Mode) error {
	cfg := e.GameConfig()
	var issues []string
	for name, p := range mode.Phases {
		hasSeq := p.Sequence != "" || p.InlineSequence != nil
		hasSched := len(p.Schedule) > 0
		if hasSeq && hasSched {
			issues = append(issues, fmt.Sprintf("phase %q has both sequence and schedule", name))
		}
		if !p.HasWork() {
			issues = append(issues, fmt.Sprintf("phase %q has no duration, sequence, or schedule", name))
		}
		if p.Sequence != "" {
			if _, ok := sequence.Resolve(cfg, mode, p.Sequence); !ok {
				issues = append(issues, fmt.Sprintf("phase %q references missing sequence %q", name, p.Sequence))
			}
		}
	}
	if len(issues) > 0 {
		return fmt.Errorf("%d validation issue(s): %v", len(issues), issues)
	}
	return nil
}

// phaseDuration computes the per-phase duration: explicit phase
// duration wins, else the phase's sequence estimate, else 0.
func (e *Engine) phaseDuration(mode config.Mode, p config.Phase) int {
	if p.Duration > 0 {
		return p.Duration
	}
	if p.InlineSequence != nil {
		return p.InlineSequence.EstimatedDuration()
	}
	if p.Sequence != "" {
		cfg := e.GameConfig()
		if def, ok := sequence.Resolve(cfg, mode, p.Sequence); ok {
			return def.EstimatedDuration()
		}
	}
	return 0
}

// transitionToPhase stops the scheduler, clears all phase-scoped
// schedules, sets the new phase and its countdown, publishes state,
// emits phase_transition, restarts the scheduler if the new phase
// ticks, then runs the phase's sequence/schedule.
func (e *Engine) transitionToPhase(ctx context.Context, name Phase) {
	e.sched.StopTicking()
	e.sched.ClearAllPhaseSchedules()

	e.mu.Lock()
	from := e.state.Phase
	e.state.Phase = name
	mode := e.gameCfg.Modes[e.state.Mode]
	p, hasPhase := mode.Phases[string(name)]
	var duration int
	if hasPhase {
		duration = e.phaseDuration(mode, p)
	}
	switch name {
	case PhaseIntro, PhaseGameplay:
		e.state.Remaining = duration
	case PhaseSolved, PhaseFailed, PhaseReset:
		e.state.ResetRemaining = duration
	}
	e.mu.Unlock()

	e.publishState()
	e.EmitEvent("phase_transition", map[string]any{"from": string(from), "to": string(name), "duration": duration})

	if tickingPhases[name] {
		e.sched.StartTicking()
	}

	if !hasPhase {
		e.runPostConditions(ctx, name)
		return
	}

	hasSeq := p.InlineSequence != nil || p.Sequence != ""
	if hasSeq {
		go func() {
			e.runPhaseSequence(ctx, mode, name, p)
			e.enqueue(func() { e.afterPhaseSequence(ctx, name, duration) })
		}()
	}

	if len(p.Schedule) > 0 {
		e.sched.RegisterPhaseSchedule(string(name), p.Schedule)
		for _, due := range e.sched.DueEntries(string(name), duration) {
			e.fireScheduleEntry(ctx, mode, due)
		}
	}

	switch name {
	case PhaseIntro, PhaseGameplay:
		// Duration-bearing phases advance on the tick's zero crossing;
		// an empty intro falls straight through to gameplay.
		if name == PhaseIntro && !hasSeq && duration == 0 && len(p.Schedule) == 0 {
			e.runPostConditions(ctx, name)
		}
	case PhaseReset:
		if !hasSeq {
			if duration > 0 {
				go func() {
					timer := time.NewTimer(time.Duration(duration) * time.Second)
					defer timer.Stop()
					select {
					case <-ctx.Done():
					case <-timer.C:
						e.enqueue(func() { e.settleReady() })
					}
				}()
			} else {
				e.settleReady()
			}
		}
	}
}

// runPhaseSequence awaits the phase's inline or named sequence.
func (e *Engine) runPhaseSequence(ctx context.Context, mode config.Mode, name Phase, p config.Phase) {
	var err error
	if p.InlineSequence != nil {
		err = e.seqs.RunDef(ctx, e.GameConfig(), mode, string(name)+"-inline", *p.InlineSequence, nil)
	} else {
		err = e.seqs.Run(ctx, e.GameConfig(), mode, p.Sequence, nil)
	}
	if err != nil {
		e.logger.Warn("phase sequence failed", zap.String("phase", string(name)), zap.Error(err))
	}
}

// afterPhaseSequence advances phases whose progression is gated on
// their sequence rather than the countdown.
func (e *Engine) afterPhaseSequence(ctx context.Context, name Phase, duration int) {
	if e.Snapshot().Phase != name {
		return
	}
	switch name {
	case PhaseIntro:
		if duration == 0 {
			e.transitionToPhase(ctx, PhaseGameplay)
		}
	case PhaseReset:
		e.settleReady()
	}
}

// runPostConditions advances phases that chain into another one: intro
// rolls into gameplay and reset settles in ready. Solved/failed wait on
// the reset-remaining countdown, which the tick drives separately.
func (e *Engine) runPostConditions(ctx context.Context, name Phase) {
	switch name {
	case PhaseIntro:
		e.transitionToPhase(ctx, PhaseGameplay)
	case PhaseReset:
		e.settleReady()
	}
}

// settleReady parks the engine in ready after a completed reset path.
// With an enabled idle sequence the ticker keeps running so the idle
// count-up has a clock; otherwise ready does not tick.
func (e *Engine) settleReady() {
	e.mu.Lock()
	e.state.Phase = PhaseReady
	e.state.endTriggered = false
	e.state.IdleElapsed = 0
	e.mu.Unlock()
	e.publishState()
	e.EmitEvent("phase_transition", map[string]any{"from": string(PhaseReset), "to": string(PhaseReady)})
	e.startIdleTickingIfEnabled()
}

func (e *Engine) startIdleTickingIfEnabled() {
	if idle := e.GameConfig().IdleSequence; idle != nil && idle.Enabled {
		e.sched.StartTicking()
	}
}

// TriggerEnd re-routes gameplay to solved or failed. A duplicate
// trigger while already in a closing phase is ignored.
func (e *Engine) TriggerEnd(ctx context.Context, outcome config.EndOutcome) {
	e.enqueue(func() {
		e.mu.Lock()
		if e.state.endTriggered || e.state.Phase == PhaseSolved || e.state.Phase == PhaseFailed {
			e.mu.Unlock()
			return
		}
		e.state.endTriggered = true
		e.mu.Unlock()

		e.EmitEvent("game_end_trigger", map[string]any{"outcome": string(outcome)})
		if outcome == config.EndWin {
			e.transitionToPhase(ctx, PhaseSolved)
		} else {
			e.transitionToPhase(ctx, PhaseFailed)
		}
	})
}

// onTick is the scheduler's 1Hz callback. It always runs inside the
// engine's job loop via enqueue, so it never races a concurrent
// command.
func (e *Engine) onTick(ctx context.Context) scheduler.TickFunc {
	return func(now time.Time) {
		e.enqueue(func() { e.tick(ctx) })
	}
}

func (e *Engine) tick(ctx context.Context) {
	e.mu.Lock()
	phase := e.state.Phase
	e.mu.Unlock()

	switch phase {
	case PhaseIntro, PhaseGameplay:
		e.mu.Lock()
		if e.state.Remaining > 0 {
			e.state.Remaining--
		}
		remaining := e.state.Remaining
		e.mu.Unlock()

		mode := e.Mode()
		for _, due := range e.sched.DueEntries(string(phase), remaining) {
			e.fireScheduleEntry(ctx, mode, due)
		}
		e.publishState()

		if remaining == 0 {
			if phase == PhaseGameplay {
				e.TriggerEnd(ctx, config.EndFail)
			} else {
				e.transitionToPhase(ctx, PhaseGameplay)
			}
		}

	case PhaseSolved, PhaseFailed:
		e.mu.Lock()
		paused := e.state.ResetPaused
		if !paused && e.state.ResetRemaining > 0 {
			e.state.ResetRemaining--
		}
		remaining := e.state.ResetRemaining
		e.mu.Unlock()
		if paused {
			return
		}

		mode := e.Mode()
		for _, due := range e.sched.DueEntriesBypassFired(string(phase), remaining) {
			e.fireScheduleEntry(ctx, mode, due)
		}
		e.publishState()

		if remaining == 0 {
			e.enterReset(ctx, mode)
		}

	case PhaseReady:
		idle := e.GameConfig().IdleSequence
		if idle == nil || !idle.Enabled {
			return
		}
		e.mu.Lock()
		e.state.IdleElapsed++
		elapsed := e.state.IdleElapsed
		e.mu.Unlock()
		if elapsed >= idle.IntervalSeconds {
			e.mu.Lock()
			e.state.IdleElapsed = 0
			e.mu.Unlock()
			go func() {
				if err := e.seqs.Run(ctx, e.GameConfig(), e.Mode(), idle.SequenceName, nil); err != nil {
					e.logger.Warn("idle sequence failed", zap.Error(err))
				}
			}()
		}
	}
}

// enterReset is the tick path's zero-crossing entry. It must not block
// the job loop, so the reset sequence runs on its own goroutine.
func (e *Engine) enterReset(ctx context.Context, mode config.Mode) {
	e.sched.StopTicking()
	if _, hasReset := mode.Phases[string(PhaseReset)]; hasReset {
		e.transitionToPhase(ctx, PhaseReset)
		return
	}
	go e.runResetSequence(ctx, mode)
}

// runResetSequence awaits the reset sequence then settles in ready.
func (e *Engine) runResetSequence(ctx context.Context, mode config.Mode) {
	if err := e.seqs.Run(ctx, e.GameConfig(), mode, "reset-sequence", nil); err != nil {
		e.logger.Warn("reset sequence failed", zap.Error(err))
	}
	e.enqueue(func() { e.settleReady() })
}

// onHeartbeat republishes state and sweeps expired hint-suppression
// entries regardless of phase, per the heartbeat/janitor design.
func (e *Engine) onHeartbeat() scheduler.HeartbeatFunc {
	return func(now time.Time) {
		e.hints.Sweep()
		e.enqueue(func() { e.publishState() })
	}
}

// SchedulerCallbacks exposes the tick and heartbeat closures the
// unified scheduler must be constructed with.
func (e *Engine) SchedulerCallbacks(ctx context.Context) (scheduler.TickFunc, scheduler.HeartbeatFunc) {
	return e.onTick(ctx), e.onHeartbeat()
}

// AnnounceStartup publishes the retained config and hints-registry
// topics plus an initial state snapshot, once the bus is connected.
// The engine boots in ready, so idle ticking starts here when enabled.
func (e *Engine) AnnounceStartup() {
	e.publishConfig()
	e.publishHintsRegistry()
	e.publishState()
	e.startIdleTickingIfEnabled()
}

// classifyAndFire implements the unified `fire` classifier: hint > cue
// > sequence, in priority order, matching Design Note "name
// classification for unified fire."
func (e *Engine) classifyAndFire(ctx context.Context, mode config.Mode, name string) {
	cfg := e.GameConfig()
	switch classify.Name(cfg, mode, name) {
	case classify.KindHint:
		e.EmitWarning("deprecated_fire_hint", fmt.Sprintf("fire %q resolved to a hint; use playHint instead", name), nil)
		go func() {
			if err := e.hints.Fire(ctx, cfg, mode, name, hint.SourceSequence, ""); err != nil {
				e.logger.Warn("fire->hint failed", zap.String("name", name), zap.Error(err))
			}
		}()
	case classify.KindCue:
		if err := e.cues.Fire(ctx, cfg, mode, name); err != nil {
			e.logger.Warn("fire->cue failed", zap.String("name", name), zap.Error(err))
		}
	case classify.KindSequence:
		go func() {
			if err := e.seqs.Run(ctx, cfg, mode, name, nil); err != nil {
				e.logger.Warn("fire->sequence failed", zap.String("name", name), zap.Error(err))
			}
		}()
	default:
		e.EmitWarning("fire_target_missing", fmt.Sprintf("fire %q did not resolve to a hint, cue, or sequence", name), map[string]any{"name": name})
	}
}
