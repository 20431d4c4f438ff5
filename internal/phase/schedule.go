package phase

import (
	"context"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/config"
	"github.com/qingchang/escape-engine/internal/hint"
)

// fireScheduleEntry dispatches one due schedule entry on its single
// discriminator field. Solved/failed countdown entries bypass hint
// suppression, per the unified scheduler's closing-phase rule.
func (e *Engine) fireScheduleEntry(ctx context.Context, mode config.Mode, entry config.ScheduleEntry) {
	cfg := e.GameConfig()
	bypassSuppression := e.Snapshot().Phase == PhaseSolved || e.Snapshot().Phase == PhaseFailed

	switch {
	case entry.Fire != "":
		e.classifyAndFire(ctx, mode, entry.Fire)
	case entry.FireCue != "":
		if err := e.cues.Fire(ctx, cfg, mode, entry.FireCue); err != nil {
			e.logger.Warn("schedule fire-cue failed", zap.String("cue", entry.FireCue), zap.Error(err))
		}
	case entry.FireSeq != "":
		go func() {
			if err := e.seqs.Run(ctx, cfg, mode, entry.FireSeq, nil); err != nil {
				e.logger.Warn("schedule fire-seq failed", zap.String("sequence", entry.FireSeq), zap.Error(err))
			}
		}()
	case entry.Hint != "" || entry.HintText != "":
		e.fireScheduledHint(ctx, cfg, mode, entry.Hint, entry.HintText, bypassSuppression)
	case entry.PlayHint != "":
		e.fireScheduledHint(ctx, cfg, mode, entry.PlayHint, "", bypassSuppression)
	case entry.Command != "":
		zones := entry.Zones
		if entry.Zone != "" {
			zones = append(zones, entry.Zone)
		}
		for _, z := range zones {
			if _, err := e.zones.Execute(ctx, z, entry.Command, entry.Options); err != nil {
				e.logger.Warn("schedule zone command failed", zap.String("zone", z), zap.Error(err))
			}
		}
	case entry.End != "":
		e.TriggerEnd(ctx, entry.End)
	}

	if entry.Log != "" {
		e.logger.Info("schedule entry", zap.String("log", entry.Log))
	}
}

func (e *Engine) fireScheduledHint(ctx context.Context, cfg config.GameConfig, mode config.Mode, id, text string, bypassSuppression bool) {
	if id != "" && e.Snapshot().MarkedActions[id] {
		e.EmitEvent("hint_suppressed_marked", map[string]any{"hint": id})
		return
	}
	go func() {
		var err error
		if bypassSuppression {
			err = e.hints.FireBypassSuppression(ctx, cfg, mode, id, text)
		} else {
			err = e.hints.Fire(ctx, cfg, mode, id, hint.SourceSchedule, text)
		}
		if err != nil {
			e.logger.Warn("scheduled hint failed", zap.String("hint", id), zap.Error(err))
		}
	}()
}
