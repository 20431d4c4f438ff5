// Package hint implements hint lookup, type-dispatched firing, and the
// suppression set that squelches a scheduled duplicate shortly after an
// early/manual fire of the same id.
package hint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/observability"
	"github.com/qingchang/escape-engine/internal/zone"
)

// SuppressionTTL is the window within which a scheduled duplicate of an
// early/manual hint fire is squelched.
const SuppressionTTL = 2 * time.Second

// janitorInterval is how often expired suppression entries are swept.
const janitorInterval = 10 * time.Second

// Source names where a fire request came from.
type Source string

const (
	SourceSequence Source = "sequence"
	SourceSchedule Source = "schedule"
	SourceEarly    Source = "early"
	SourceManual   Source = "manual"
)

// SequenceRunner is the subset of sequence.Runner the hint subsystem
// needs to dispatch a "text" hint via the internal hint-text-seq
// sequence, injected as an interface to avoid an import cycle (the
// sequence package itself depends on hint.Subsystem for `hint:` steps).
type SequenceRunner interface {
	RunNamed(ctx context.Context, name, mode string, vars map[string]any) error
}

// EventSink mirrors cue.EventSink; the hint subsystem emits warnings on
// its own (unimplemented `action` hints, lookup misses) without
// depending on the phase engine's event types directly.
type EventSink interface {
	EmitEvent(event string, data map[string]any)
	EmitWarning(warning, message string, extra map[string]any)
}

// Subsystem combines global+mode hints, dispatches by type, and tracks
// the suppression set.
type Subsystem struct {
	logger  *zap.Logger
	zones   *zone.Registry
	seq     SequenceRunner
	sink    EventSink
	metrics *observability.Metrics

	mu          sync.Mutex
	suppression map[string]time.Time

	stopJanitor chan struct{}
}

func New(zones *zone.Registry, seq SequenceRunner, sink EventSink, metrics *observability.Metrics, logger *zap.Logger) *Subsystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subsystem{
		logger: logger, zones: zones, seq: seq, sink: sink, metrics: metrics,
		suppression: make(map[string]time.Time),
		stopJanitor: make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Close stops the background suppression janitor.
func (s *Subsystem) Close() { close(s.stopJanitor) }

func (s *Subsystem) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopJanitor:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops expired suppression entries. The janitor calls it every
// 10s; the engine heartbeat also calls it so a short heartbeat keeps
// the set tight between janitor passes.
func (s *Subsystem) Sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, fired := range s.suppression {
		if now.Sub(fired) > SuppressionTTL {
			delete(s.suppression, id)
		}
	}
}

// Lookup scans the active mode's combined hint list for id.
func Lookup(cfg config.GameConfig, mode config.Mode, id string) (config.HintRecord, bool) {
	for _, h := range mode.CombinedHints(cfg.GlobalHints) {
		if h.ID == id {
			return h, true
		}
	}
	return config.HintRecord{}, false
}

// suppressed reports whether id was stamped into the suppression set
// within the TTL window. An unexpired stamp is left in place, so every
// duplicate inside the window is suppressed (first-wins: the duplicate
// is dropped, not queued for later); an expired stamp is deleted.
func (s *Subsystem) suppressed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	fired, ok := s.suppression[id]
	if !ok {
		return false
	}
	if time.Since(fired) > SuppressionTTL {
		delete(s.suppression, id)
		return false
	}
	return true
}

func (s *Subsystem) stamp(id string) {
	s.mu.Lock()
	s.suppression[id] = time.Now()
	s.mu.Unlock()
}

// Fire dispatches hint id (or an ad-hoc text-only hint when id is
// empty) by its HintRecord.Type. When source is early or manual, the id
// is stamped into the suppression set so a scheduled duplicate within
// the TTL is squelched; when source is schedule, a stamped id is itself
// suppressed (bypassed entirely for solved/failed countdown fires,
// which call FireBypassSuppression instead).
func (s *Subsystem) Fire(ctx context.Context, cfg config.GameConfig, mode config.Mode, id string, source Source, textOverride string) error {
	if source == SourceSchedule && id != "" && s.suppressed(id) {
		if s.metrics != nil {
			s.metrics.HintSuppressTotal.Inc()
		}
		return nil
	}
	return s.fireNow(ctx, cfg, mode, id, source, textOverride)
}

// FireBypassSuppression fires id ignoring the suppression set, used for
// solved/failed countdown fires that must always land regardless of
// any earlier early/manual fire of the same id.
func (s *Subsystem) FireBypassSuppression(ctx context.Context, cfg config.GameConfig, mode config.Mode, id string, textOverride string) error {
	return s.fireNow(ctx, cfg, mode, id, SourceSchedule, textOverride)
}

func (s *Subsystem) fireNow(ctx context.Context, cfg config.GameConfig, mode config.Mode, id string, source Source, textOverride string) error {
	if (source == SourceEarly || source == SourceManual) && id != "" {
		// First-wins: a repeat early/manual fire inside the TTL window
		// is dropped rather than queued.
		if s.suppressed(id) {
			if s.metrics != nil {
				s.metrics.HintSuppressTotal.Inc()
			}
			return nil
		}
		s.stamp(id)
	}

	if id == "" {
		if textOverride == "" {
			return fmt.Errorf("hint fire requires an id or text")
		}
		return s.seq.RunNamed(ctx, "hint-text-seq", mode.ID, map[string]any{"hintText": textOverride})
	}

	rec, ok := Lookup(cfg, mode, id)
	if !ok {
		s.sink.EmitWarning("hint_missing", fmt.Sprintf("hint %q not found", id), map[string]any{"hint": id})
		return fmt.Errorf("hint %q not found", id)
	}

	text := rec.Text
	if textOverride != "" {
		text = textOverride
	}

	switch rec.Type {
	case config.HintTypeText:
		return s.seq.RunNamed(ctx, "hint-text-seq", mode.ID, map[string]any{"hintText": text})
	case config.HintTypeSpeech:
		z := orDefault(rec.Zone, "audio")
		_, err := s.zones.Execute(ctx, z, "playSpeech", map[string]any{"file": rec.File})
		return err
	case config.HintTypeAudio:
		z := orDefault(rec.Zone, "audio")
		_, err := s.zones.Execute(ctx, z, "playAudioFX", map[string]any{"file": rec.File})
		return err
	case config.HintTypeVideo:
		z := orDefault(rec.Zone, "mirror")
		_, err := s.zones.Execute(ctx, z, "playVideo", map[string]any{"file": rec.File})
		return err
	case config.HintTypeAction:
		s.sink.EmitWarning("hint_action_not_implemented", fmt.Sprintf("action hint %q not yet implemented", id), nil)
		return nil
	default:
		s.sink.EmitWarning("hint_unknown_type", fmt.Sprintf("hint %q has unknown type %q", id, rec.Type), nil)
		return fmt.Errorf("unknown hint type %q", rec.Type)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
