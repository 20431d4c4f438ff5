package sequence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/hint"
	"github.com/qingchang/escape-engine/internal/sequence"
	"github.com/qingchang/escape-engine/internal/zone"
)

type cueRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (c *cueRecorder) Fire(ctx context.Context, cfg config.GameConfig, mode config.Mode, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fired = append(c.fired, name)
	return nil
}

type hintRecorder struct {
	mu    sync.Mutex
	fired []string
	texts []string
}

func (h *hintRecorder) Fire(ctx context.Context, cfg config.GameConfig, mode config.Mode, id string, source hint.Source, textOverride string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, id)
	h.texts = append(h.texts, textOverride)
	return nil
}

type sinkRecorder struct {
	mu       sync.Mutex
	events   []string
	warnings []string
}

func (s *sinkRecorder) EmitEvent(event string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *sinkRecorder) EmitWarning(warning, message string, extra map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, warning)
}

func (s *sinkRecorder) hasEvent(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == name {
			return true
		}
	}
	return false
}

type staticResolver struct {
	cfg  config.GameConfig
	mode config.Mode
}

func (r *staticResolver) GameConfig() config.GameConfig { return r.cfg }
func (r *staticResolver) Mode() config.Mode             { return r.mode }

func fixture(t *testing.T, cfg config.GameConfig, mode config.Mode) (*sequence.Runner, *bus.Fake, *cueRecorder, *hintRecorder, *sinkRecorder) {
	t.Helper()
	fake := bus.NewFake()
	registry, err := zone.NewRegistry(map[string]config.Zone{
		"lights": {Name: "lights", Type: config.ZoneLights, BaseTopic: "room/lights"},
		"mirror": {Name: "mirror", Type: config.ZoneMedia, BaseTopic: "room/mirror"},
	}, zone.Options{GameTopic: "game", Bus: fake})
	require.NoError(t, err)

	cues := &cueRecorder{}
	hints := &hintRecorder{}
	sink := &sinkRecorder{}
	r := sequence.New(registry, fake, cues, sink, &staticResolver{cfg: cfg, mode: mode}, nil, nil)
	r.SetHints(hints)
	return r, fake, cues, hints, sink
}

func TestRunMissingSequence(t *testing.T) {
	cfg := config.GameConfig{}
	r, _, _, _, _ := fixture(t, cfg, config.Mode{})

	err := r.Run(context.Background(), cfg, config.Mode{}, "ghost", nil)
	var missing *sequence.ErrMissing
	require.ErrorAs(t, err, &missing)
}

func TestSelfRecursionDetectedAsCycle(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"a": {Steps: []config.Step{{FireSeq: "a"}}},
		},
	}
	r, fake, _, _, sink := fixture(t, cfg, config.Mode{})

	err := r.Run(context.Background(), cfg, config.Mode{}, "a", nil)
	var cycle *sequence.ErrCycle
	require.ErrorAs(t, err, &cycle)
	assert.Empty(t, fake.Published())
	assert.Contains(t, sink.warnings, "sequence_cycle_detected")
}

func TestNestingDeeperThanMaxDepthFails(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"a": {Steps: []config.Step{{FireSeq: "b"}}},
			"b": {Steps: []config.Step{{FireSeq: "c"}}},
			"c": {Steps: []config.Step{{FireSeq: "d"}}},
			"d": {},
		},
	}
	r, _, _, _, sink := fixture(t, cfg, config.Mode{})

	err := r.Run(context.Background(), cfg, config.Mode{}, "a", nil)
	var depth *sequence.ErrDepthExceeded
	require.ErrorAs(t, err, &depth)
	assert.Contains(t, sink.warnings, "sequence_depth_exceeded")
}

func TestMetaMaxDepthOverridesDefault(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"a": {Steps: []config.Step{{FireSeq: "b"}}},
			"b": {Steps: []config.Step{{FireSeq: "c"}}},
			"c": {Steps: []config.Step{{FireSeq: "d"}}},
			"d": {MetaMaxDepth: 5},
		},
	}
	r, _, _, _, _ := fixture(t, cfg, config.Mode{})
	assert.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "a", nil))
}

func TestOrderedStepsExecuteInDeclaredOrder(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"show": {Steps: []config.Step{
				{Zone: "lights", Command: "scene", Options: map[string]any{"name": "red"}},
				{Zone: "mirror", Command: "playVideo", Options: map[string]any{"file": "a.mp4"}},
				{PublishTopic: "room/fx", PublishPayload: "boom"},
			}},
		},
	}
	r, fake, _, _, sink := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "show", nil))

	published := fake.Published()
	require.Len(t, published, 3)
	assert.Equal(t, "room/lights/commands", published[0].Topic)
	assert.Equal(t, "room/mirror/commands", published[1].Topic)
	assert.Equal(t, "room/fx", published[2].Topic)
	assert.True(t, sink.hasEvent("sequence_complete"))
}

func TestVariableSubstitutionInPublishAndOptions(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"hint-text-seq": {Steps: []config.Step{
				{PublishTopic: "game/display", PublishPayload: "{{hintText}}"},
				{Zone: "mirror", Command: "playSpeech", Options: map[string]any{"file": "{{hintText}}.mp3"}},
			}},
		},
	}
	r, fake, _, _, _ := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "hint-text-seq", map[string]any{"hintText": "look-up"}))

	published := fake.Published()
	require.Len(t, published, 2)
	assert.Equal(t, "look-up", published[0].Value)
	payload, ok := published[1].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "look-up.mp3", payload["file"])
}

func TestHintStepDelegatesToHintSubsystem(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"nudge": {Steps: []config.Step{{Hint: "box1"}}},
		},
	}
	r, _, _, hints, _ := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "nudge", nil))
	assert.Equal(t, []string{"box1"}, hints.fired)
}

func TestFireCueStepDelegatesToDispatcher(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"opener": {Steps: []config.Step{{FireCue: "fanfare"}}},
		},
	}
	r, _, cues, _, _ := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "opener", nil))
	assert.Equal(t, []string{"fanfare"}, cues.fired)
}

func TestNameVariantsResolve(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"intro-sequence": {Steps: []config.Step{{FireCue: "suffixed"}}},
			"outro":          {Steps: []config.Step{{FireCue: "bare"}}},
		},
	}
	r, _, cues, _, _ := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "intro", nil))
	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "outro-sequence", nil))
	assert.Equal(t, []string{"suffixed", "bare"}, cues.fired)
}

func TestLegacyStartSequenceAliasResolves(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"gameplay-start-sequence": {Steps: []config.Step{{FireCue: "go"}}},
		},
	}
	r, _, cues, _, _ := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "start-sequence", nil))
	assert.Equal(t, []string{"go"}, cues.fired)
}

func TestModeSequencesShadowGlobal(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"show": {Steps: []config.Step{{FireCue: "global"}}},
		},
	}
	mode := config.Mode{
		ID: "demo",
		Sequences: map[string]config.SequenceDef{
			"show": {Steps: []config.Step{{FireCue: "per-mode"}}},
		},
	}
	r, _, cues, _, _ := fixture(t, cfg, mode)

	require.NoError(t, r.Run(context.Background(), cfg, mode, "show", nil))
	assert.Equal(t, []string{"per-mode"}, cues.fired)
}

func TestDurationMismatchWarnsAndTruncates(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"long": {
				MetaDuration: 1,
				Steps: []config.Step{
					{FireCue: "first", TrailingWait: 1},
					{FireCue: "second", TrailingWait: 5},
					{FireCue: "never"},
				},
			},
		},
	}
	r, _, cues, _, sink := fixture(t, cfg, config.Mode{})

	start := time.Now()
	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "long", nil))

	assert.Contains(t, sink.warnings, "sequence_duration_mismatch")
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, []string{"first"}, cues.fired)
}

func TestTimelineFiresStartEntryImmediately(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"tl": {
				Duration: 2,
				Timeline: []config.TimelineEntry{
					{At: 2, Actions: []config.CueAction{{Zone: "lights", Scene: "red"}}},
					{At: 0, Actions: []config.CueAction{{Zone: "lights", Scene: "green"}}},
				},
			},
		},
	}
	r, fake, _, _, _ := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "tl", nil))

	// at == duration fires synchronously before Run returns.
	published := fake.Published()
	require.Len(t, published, 1)
	payload, ok := published[0].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "red", payload["scene"])

	assert.Eventually(t, func() bool {
		return len(fake.Published()) == 2
	}, 4*time.Second, 50*time.Millisecond)
}

func TestZoneCommandFailureDoesNotAbortSequence(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"robust": {Steps: []config.Step{
				{Zone: "ghost", Command: "playVideo"},
				{FireCue: "after"},
			}},
		},
	}
	r, _, cues, _, _ := fixture(t, cfg, config.Mode{})

	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "robust", nil))
	assert.Equal(t, []string{"after"}, cues.fired)
}

func TestWaitStepSuspends(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"slow": {Steps: []config.Step{{Wait: 1}, {FireCue: "done"}}},
		},
	}
	r, _, cues, _, _ := fixture(t, cfg, config.Mode{})

	start := time.Now()
	require.NoError(t, r.Run(context.Background(), cfg, config.Mode{}, "slow", nil))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"done"}, cues.fired)
}

func TestContextCancellationStopsWait(t *testing.T) {
	cfg := config.GameConfig{
		GlobalSequences: map[string]config.SequenceDef{
			"slow": {Steps: []config.Step{{Wait: 30}, {FireCue: "never"}}},
		},
	}
	r, _, cues, _, _ := fixture(t, cfg, config.Mode{})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := r.Run(ctx, cfg, config.Mode{}, "slow", nil)
	assert.Error(t, err)
	assert.Empty(t, cues.fired)
}
