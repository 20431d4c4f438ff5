package phase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/cue"
	"github.com/qingchang/escape-engine/internal/hint"
	"github.com/qingchang/escape-engine/internal/scheduler"
	"github.com/qingchang/escape-engine/internal/sequence"
	"github.com/qingchang/escape-engine/internal/timeformat"
	"github.com/qingchang/escape-engine/internal/types"
	"github.com/qingchang/escape-engine/internal/zone"
)

// engineShim defers the engine reference for collaborators constructed
// before it, mirroring the wiring in cmd/server.
type engineShim struct{ e *Engine }

func (s *engineShim) EmitEvent(event string, data map[string]any) {
	if s.e != nil {
		s.e.EmitEvent(event, data)
	}
}

func (s *engineShim) EmitWarning(warning, message string, extra map[string]any) {
	if s.e != nil {
		s.e.EmitWarning(warning, message, extra)
	}
}

func (s *engineShim) GameConfig() config.GameConfig {
	if s.e != nil {
		return s.e.GameConfig()
	}
	return config.GameConfig{}
}

func (s *engineShim) Mode() config.Mode {
	if s.e != nil {
		return s.e.Mode()
	}
	return config.Mode{}
}

type harness struct {
	engine *Engine
	fake   *bus.Fake
	ctx    context.Context
}

func newHarness(t *testing.T, cfg config.GameConfig) *harness {
	t.Helper()
	if cfg.GameTopic == "" {
		cfg.GameTopic = "game"
	}
	if cfg.Zones == nil {
		cfg.Zones = map[string]config.Zone{
			"lights": {Name: "lights", Type: config.ZoneLights, BaseTopic: "lights"},
			"mirror": {Name: "mirror", Type: config.ZoneMedia, BaseTopic: "mirror"},
			"audio":  {Name: "audio", Type: config.ZoneMedia, BaseTopic: "audio"},
		}
	}

	fake := bus.NewFake()
	registry, err := zone.NewRegistry(cfg.Zones, zone.Options{GameTopic: cfg.GameTopic, Bus: fake})
	require.NoError(t, err)

	shim := &engineShim{}
	cues := cue.New(registry, fake, nil, nil, shim, nil)
	seqs := sequence.New(registry, fake, cues, shim, shim, nil, nil)
	hints := hint.New(registry, seqs, shim, nil, nil)
	t.Cleanup(hints.Close)
	seqs.SetHints(hints)

	e := New(cfg, fake, registry, cues, seqs, hints, nil, nil)
	shim.e = e

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tick, heartbeat := e.SchedulerCallbacks(ctx)
	sched := scheduler.New(tick, heartbeat, time.Hour, nil, nil)
	e.AttachScheduler(sched)
	t.Cleanup(sched.StopTicking)

	go e.Run(ctx)
	return &harness{engine: e, fake: fake, ctx: ctx}
}

func (h *harness) stateValues(phase string) []string {
	var out []string
	for _, p := range h.fake.Published() {
		if p.Topic != "game/state" {
			continue
		}
		snap, ok := p.Value.(types.StateSnapshot)
		if !ok || snap.GameState != phase {
			continue
		}
		out = append(out, snap.TimeLeft)
	}
	return out
}

func (h *harness) events(name string) []types.Event {
	var out []types.Event
	for _, p := range h.fake.Published() {
		if p.Topic != "game/events" {
			continue
		}
		evt, ok := p.Value.(types.Event)
		if !ok || evt.Event != name {
			continue
		}
		out = append(out, evt)
	}
	return out
}

func (h *harness) command(t *testing.T, cmd string) *types.CommandResult {
	t.Helper()
	return h.engine.HandleCommand(h.ctx, types.CommandEnvelope{CommandID: cmd, Type: cmd})
}

func demoMode(gameplay config.Phase) config.GameConfig {
	return config.GameConfig{
		Modes: map[string]config.Mode{
			"hc-demo": {
				ID:     "hc-demo",
				Phases: map[string]config.Phase{"gameplay": gameplay},
			},
		},
	}
}

func TestStartCountsDownAndFailsOnZero(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 3}))

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	assert.Equal(t, PhaseGameplay, h.engine.Snapshot().Phase)

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseFailed
	}, 6*time.Second, 50*time.Millisecond)

	assert.Equal(t, []string{"00:03", "00:02", "00:01", "00:00"}, h.stateValues("gameplay"))

	triggers := h.events("game_end_trigger")
	require.Len(t, triggers, 1)
	var data map[string]any
	require.NoError(t, json.Unmarshal(triggers[0].Data, &data))
	assert.Equal(t, "fail", data["outcome"])
}

func TestRemainingMonotonicallyNonIncreasing(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 3}))
	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseFailed
	}, 6*time.Second, 50*time.Millisecond)

	values := h.stateValues("gameplay")
	for i := 1; i < len(values); i++ {
		prev, ok := timeformat.MMSSToSeconds(values[i-1])
		require.True(t, ok)
		cur, ok := timeformat.MMSSToSeconds(values[i])
		require.True(t, ok)
		assert.LessOrEqual(t, cur, prev)
	}
}

func TestScheduleEntryFiresAtMatchingRemaining(t *testing.T) {
	cfg := demoMode(config.Phase{
		Duration: 4,
		Schedule: []config.ScheduleEntry{{At: 3, FireCue: "flash"}},
	})
	cfg.GlobalCues = map[string]config.CueDef{
		"flash": {Kind: config.CueSingle, Single: &config.CueAction{Zone: "lights", Scene: "red"}},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))

	require.Eventually(t, func() bool {
		for _, p := range h.fake.Published() {
			if p.Topic == "lights/commands" {
				return true
			}
		}
		return false
	}, 4*time.Second, 50*time.Millisecond)
}

func TestScheduleEntryAtDurationFiresSynchronously(t *testing.T) {
	cfg := demoMode(config.Phase{
		Duration: 30,
		Schedule: []config.ScheduleEntry{{At: 30, FireCue: "flash"}},
	})
	cfg.GlobalCues = map[string]config.CueDef{
		"flash": {Kind: config.CueSingle, Single: &config.CueAction{Zone: "lights", Scene: "red"}},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))

	// Fires at phase entry, well before the first 1Hz tick.
	require.Eventually(t, func() bool {
		for _, p := range h.fake.Published() {
			if p.Topic == "lights/commands" {
				return true
			}
		}
		return false
	}, 500*time.Millisecond, 10*time.Millisecond)
}

func TestPhaseTransitionClearsPendingSchedules(t *testing.T) {
	cfg := config.GameConfig{
		Modes: map[string]config.Mode{
			"hc-demo": {
				ID: "hc-demo",
				Phases: map[string]config.Phase{
					"gameplay": {
						Duration: 5,
						Schedule: []config.ScheduleEntry{{At: 2, FireCue: "flash"}},
					},
					"solved": {Duration: 5},
				},
			},
		},
		GlobalCues: map[string]config.CueDef{
			"flash": {Kind: config.CueSingle, Single: &config.CueAction{Zone: "lights", Scene: "red"}},
		},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	h.command(t, "solve")

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseSolved
	}, 2*time.Second, 20*time.Millisecond)

	// The gameplay schedule would have fired around t=3s; it was
	// cleared by the transition and must stay silent.
	time.Sleep(3500 * time.Millisecond)
	for _, p := range h.fake.Published() {
		assert.NotEqual(t, "lights/commands", p.Topic)
	}
}

func TestSolvedCountdownRunsResetAndSettlesReady(t *testing.T) {
	cfg := config.GameConfig{
		Modes: map[string]config.Mode{
			"hc-demo": {
				ID: "hc-demo",
				Phases: map[string]config.Phase{
					"gameplay": {Duration: 30},
					"solved":   {Duration: 1},
				},
			},
		},
		SystemSequences: map[string]config.SequenceDef{
			"reset-sequence": {Steps: []config.Step{{Zone: "lights", Command: "scene", Options: map[string]any{"name": "idle"}}}},
		},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	h.command(t, "solve")

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseReady
	}, 5*time.Second, 50*time.Millisecond)

	var resetRan bool
	for _, p := range h.fake.Published() {
		if p.Topic == "lights/commands" {
			resetRan = true
		}
	}
	assert.True(t, resetRan)
}

func TestDuplicateEndTriggerIgnored(t *testing.T) {
	cfg := demoMode(config.Phase{Duration: 30})
	cfg.Modes["hc-demo"] = config.Mode{
		ID: "hc-demo",
		Phases: map[string]config.Phase{
			"gameplay": {Duration: 30},
			"solved":   {Duration: 30},
		},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	h.command(t, "solve")
	h.command(t, "fail")
	h.command(t, "solve")

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseSolved
	}, 2*time.Second, 20*time.Millisecond)
	assert.Len(t, h.events("game_end_trigger"), 1)
}

func TestPauseStopsCountdownAndResumeRestores(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	res := h.command(t, "pause")
	assert.Equal(t, "accepted", res.Status)

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhasePaused
	}, time.Second, 20*time.Millisecond)

	frozen := h.engine.Snapshot().Remaining
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, frozen, h.engine.Snapshot().Remaining)

	require.Eventually(t, func() bool {
		return h.command(t, "resume").Status == "accepted"
	}, 3*time.Second, 100*time.Millisecond)
	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseGameplay
	}, time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Remaining < frozen
	}, 3*time.Second, 100*time.Millisecond)
}

func TestLifecycleCommandsAreMutuallyExclusive(t *testing.T) {
	cfg := demoMode(config.Phase{Duration: 30})
	cfg.SystemSequences = map[string]config.SequenceDef{
		"pause-sequence": {Steps: []config.Step{{Wait: 2}}},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	require.Equal(t, "accepted", h.command(t, "pause").Status)

	res := h.command(t, "resume")
	assert.Equal(t, "rejected", res.Status)
	assert.Equal(t, "sequence_rejected_busy", res.Reason)
}

func TestResetRejectedWhileClosingCountdownTicks(t *testing.T) {
	cfg := config.GameConfig{
		Modes: map[string]config.Mode{
			"hc-demo": {
				ID: "hc-demo",
				Phases: map[string]config.Phase{
					"gameplay": {Duration: 30},
					"failed":   {Duration: 30},
				},
			},
		},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	h.command(t, "fail")
	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseFailed
	}, 2*time.Second, 20*time.Millisecond)

	res := h.command(t, "reset")
	assert.Equal(t, "rejected", res.Status)
	assert.Equal(t, "sequence_rejected_busy", res.Reason)
}

func TestEarlyHintSuppressesScheduledDuplicate(t *testing.T) {
	cfg := config.GameConfig{
		Modes: map[string]config.Mode{
			"hc-demo": {
				ID: "hc-demo",
				Phases: map[string]config.Phase{
					"gameplay": {
						Duration: 7,
						Schedule: []config.ScheduleEntry{{At: 6, PlayHint: "box1"}},
					},
				},
				Hints: []config.HintRecord{{ID: "box1", Type: config.HintTypeText, Text: "open the box"}},
			},
		},
		SystemSequences: map[string]config.SequenceDef{
			"hint-text-seq": {Steps: []config.Step{{PublishTopic: "game/display", PublishPayload: "{{hintText}}"}}},
		},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))

	mode := h.engine.Mode()
	require.NoError(t, h.engine.hints.Fire(h.ctx, h.engine.GameConfig(), mode, "box1", hint.SourceEarly, ""))

	// Past the scheduled At=6 tick; the duplicate stayed suppressed.
	time.Sleep(2 * time.Second)
	var displays int
	for _, p := range h.fake.Published() {
		if p.Topic == "game/display" {
			displays++
		}
	}
	assert.Equal(t, 1, displays)
}

func TestMarkedActionSuppressesScheduledHint(t *testing.T) {
	cfg := config.GameConfig{
		Modes: map[string]config.Mode{
			"hc-demo": {
				ID: "hc-demo",
				Phases: map[string]config.Phase{
					"gameplay": {
						Duration: 7,
						Schedule: []config.ScheduleEntry{{At: 6, PlayHint: "box1"}},
					},
				},
				Hints: []config.HintRecord{{ID: "box1", Type: config.HintTypeText, Text: "open the box"}},
			},
		},
		SystemSequences: map[string]config.SequenceDef{
			"hint-text-seq": {Steps: []config.Step{{PublishTopic: "game/display", PublishPayload: "{{hintText}}"}}},
		},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	res := h.engine.HandleCommand(h.ctx, types.CommandEnvelope{
		CommandID: "mark", Type: "markAction",
		Payload: json.RawMessage(`{"command":"markAction","action":"box1"}`),
	})
	require.Equal(t, "accepted", res.Status)

	time.Sleep(2 * time.Second)
	for _, p := range h.fake.Published() {
		assert.NotEqual(t, "game/display", p.Topic)
	}
	assert.NotEmpty(t, h.events("hint_suppressed_marked"))
}

func TestAdjustTimeShiftsRemaining(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 60}))

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	res := h.engine.HandleCommand(h.ctx, types.CommandEnvelope{
		CommandID: "adj", Type: "adjustTime",
		Payload: json.RawMessage(`{"command":"adjustTime","seconds":-30}`),
	})
	require.Equal(t, "accepted", res.Status)

	remaining := h.engine.Snapshot().Remaining
	assert.InDelta(t, 30, remaining, 2)
}

func TestStartRejectedOutsideReady(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	assert.Error(t, h.engine.Start(h.ctx, "hc-demo"))
}

func TestStartUnknownMode(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))
	assert.Error(t, h.engine.Start(h.ctx, "no-such-mode"))
}

func TestUnknownCommandEmitsValidationFailure(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))

	res := h.command(t, "frobnicate")
	assert.Equal(t, "rejected", res.Status)
	assert.NotEmpty(t, h.events("command_validation_failed"))
}

func TestCommandTopicMalformedJSON(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))
	require.NoError(t, h.engine.ListenCommands(h.ctx))

	h.fake.Deliver("game/commands", []byte(`{not json`))

	require.Eventually(t, func() bool {
		for _, p := range h.fake.Published() {
			if p.Topic != "game/warnings" {
				continue
			}
			if w, ok := p.Value.(types.Warning); ok && w.Warning == "malformed_command" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCommandTopicStructurallyInvalid(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))
	require.NoError(t, h.engine.ListenCommands(h.ctx))

	h.fake.Deliver("game/commands", []byte(`{"verb":"start"}`))

	require.Eventually(t, func() bool {
		for _, p := range h.fake.Published() {
			if p.Topic != "game/warnings" {
				continue
			}
			if w, ok := p.Value.(types.Warning); ok && w.Warning == "invalid_command" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCommandTopicStartWithModeSuffix(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))
	require.NoError(t, h.engine.ListenCommands(h.ctx))

	h.fake.Deliver("game/commands", []byte(`{"command":"start:hc-demo"}`))

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseGameplay
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "hc-demo", h.engine.Snapshot().Mode)
}

func TestHintTopicRequiresIDOrText(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))
	require.NoError(t, h.engine.ListenCommands(h.ctx))

	h.fake.Deliver("game/hints", []byte(`{}`))

	require.Eventually(t, func() bool {
		for _, p := range h.fake.Published() {
			if p.Topic != "game/warnings" {
				continue
			}
			if w, ok := p.Value.(types.Warning); ok && w.Warning == "invalid_command" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestGetStateRepublishes(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))

	before := len(h.stateValues("ready"))
	h.command(t, "getState")
	assert.Greater(t, len(h.stateValues("ready")), before)
}

func TestAnnounceStartupPublishesRetainedTopics(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))
	h.engine.AnnounceStartup()

	retained := map[string]bool{}
	topics := map[string]bool{}
	for _, p := range h.fake.Published() {
		topics[p.Topic] = true
		retained[p.Topic] = p.Retained
	}
	assert.True(t, topics["game/config"])
	assert.True(t, topics["game/hints/registry"])
	assert.True(t, topics["game/state"])
	assert.True(t, retained["game/config"])
	assert.True(t, retained["game/hints/registry"])
}

func TestSetGameModeValidatesMode(t *testing.T) {
	h := newHarness(t, demoMode(config.Phase{Duration: 30}))

	res := h.engine.HandleCommand(h.ctx, types.CommandEnvelope{
		CommandID: "set", Type: "setGameMode",
		Payload: json.RawMessage(`{"command":"setGameMode","mode":"hc-demo"}`),
	})
	assert.Equal(t, "accepted", res.Status)

	res = h.engine.HandleCommand(h.ctx, types.CommandEnvelope{
		CommandID: "set2", Type: "setGameMode",
		Payload: json.RawMessage(`{"command":"setGameMode","mode":"ghost"}`),
	})
	assert.Equal(t, "rejected", res.Status)
}

func TestIdleSequenceFiresAfterConfiguredInterval(t *testing.T) {
	cfg := demoMode(config.Phase{Duration: 30})
	cfg.IdleSequence = &config.IdleConfig{Enabled: true, IntervalSeconds: 2, SequenceName: "attract"}
	cfg.GlobalSequences = map[string]config.SequenceDef{
		"attract": {Steps: []config.Step{{Zone: "lights", Command: "scene", Options: map[string]any{"name": "attract"}}}},
	}
	h := newHarness(t, cfg)
	h.engine.AnnounceStartup()

	require.Eventually(t, func() bool {
		for _, p := range h.fake.Published() {
			if p.Topic == "lights/commands" {
				return true
			}
		}
		return false
	}, 5*time.Second, 100*time.Millisecond)
}

func TestIntroPhaseRunsThenAdvancesToGameplay(t *testing.T) {
	cfg := config.GameConfig{
		Modes: map[string]config.Mode{
			"hc-demo": {
				ID: "hc-demo",
				Phases: map[string]config.Phase{
					"intro":    {Duration: 1},
					"gameplay": {Duration: 30},
				},
			},
		},
	}
	h := newHarness(t, cfg)

	require.NoError(t, h.engine.Start(h.ctx, "hc-demo"))
	assert.Equal(t, PhaseIntro, h.engine.Snapshot().Phase)

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().Phase == PhaseGameplay
	}, 4*time.Second, 50*time.Millisecond)
	assert.InDelta(t, 30, h.engine.Snapshot().Remaining, 2)
}
