package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/hint"
	"github.com/qingchang/escape-engine/internal/types"
)

func nowMillis() int64 { return time.Now().UnixMilli() }

// lifecycleSequenceNames maps the exclusive lifecycle commands to the
// system sequence each fires; any of these while RunningSequence is
// already held is rejected with sequence_rejected_busy.
var lifecycleSequenceNames = map[string]string{
	"reset":           "reset-sequence",
	"pause":           "pause-sequence",
	"resume":          "resume-sequence",
	"shutdown":        "shutdown-sequence",
	"reboot":          "reboot-sequence",
	"halt":            "halt-sequence",
	"machineShutdown": "machine-shutdown-sequence",
}

// HandleCommand decodes and dispatches one operator command, blocking
// the caller until it has been processed on the engine's job loop so
// the MQTT handler can log a definitive accept/reject.
func (e *Engine) HandleCommand(ctx context.Context, cmd types.CommandEnvelope) *types.CommandResult {
	resultCh := make(chan *types.CommandResult, 1)
	e.enqueue(func() { resultCh <- e.handleCommandSync(ctx, cmd) })
	select {
	case r := <-resultCh:
		return r
	case <-ctx.Done():
		return types.Rejected(cmd.CommandID, "context_cancelled")
	}
}

func (e *Engine) handleCommandSync(ctx context.Context, cmd types.CommandEnvelope) *types.CommandResult {
	name, modeSuffix := splitCommandModeSuffix(cmd.Type)
	payload := decodePayload(cmd.Payload)

	switch name {
	case "reset", "pause", "resume", "shutdown", "reboot", "halt", "machineShutdown":
		return e.dispatchLifecycle(ctx, cmd.CommandID, name)

	case "start":
		mode := firstNonEmpty(modeSuffix, cmd.Mode, stringField(payload, "mode"))
		if mode == "" {
			e.rejectCommand(cmd.CommandID, "missing_mode")
			return types.Rejected(cmd.CommandID, "missing_mode")
		}
		go func() {
			if err := e.Start(ctx, mode); err != nil {
				e.EmitWarning("invalid_command", err.Error(), map[string]any{"command_id": cmd.CommandID})
			}
		}()
		return types.Accepted(cmd.CommandID)

	case "startMode":
		mode := firstNonEmpty(stringField(payload, "mode"), cmd.Mode)
		go func() {
			if err := e.Start(ctx, mode); err != nil {
				e.EmitWarning("invalid_command", err.Error(), map[string]any{"command_id": cmd.CommandID})
			}
		}()
		return types.Accepted(cmd.CommandID)

	case "solve", "win":
		e.TriggerEnd(ctx, "win")
		return types.Accepted(cmd.CommandID)

	case "fail":
		e.TriggerEnd(ctx, "fail")
		return types.Accepted(cmd.CommandID)

	case "sleep", "wake":
		zones := e.zones.ZonesByType("media")
		verb := "sleep"
		if name == "wake" {
			verb = "wakeBrowser"
		}
		for _, z := range zones {
			if _, err := e.zones.Execute(ctx, z, verb, nil); err != nil {
				e.logger.Warn("sleep/wake failed", zap.String("zone", z), zap.Error(err))
			}
		}
		return types.Accepted(cmd.CommandID)

	case "resetting":
		e.mu.Lock()
		e.state.Phase = PhaseResetting
		e.mu.Unlock()
		e.publishState()
		return types.Accepted(cmd.CommandID)

	case "adjustTime":
		seconds := intField(payload, "seconds")
		e.mu.Lock()
		e.state.Remaining += seconds
		if e.state.Remaining < 0 {
			e.state.Remaining = 0
		}
		e.mu.Unlock()
		e.publishState()
		return types.Accepted(cmd.CommandID)

	case "playHint", "executeHint":
		id := firstNonEmpty(stringField(payload, "id"), stringField(payload, "hintId"), stringField(payload, "hint"))
		mode := e.Mode()
		cfg := e.GameConfig()
		go func() {
			if err := e.hints.Fire(ctx, cfg, mode, id, hint.SourceManual, ""); err != nil {
				e.logger.Warn("playHint failed", zap.String("hint", id), zap.Error(err))
			}
		}()
		return types.Accepted(cmd.CommandID)

	case "sendHint":
		text := stringField(payload, "text")
		mode := e.Mode()
		cfg := e.GameConfig()
		go func() {
			if err := e.hints.Fire(ctx, cfg, mode, "", hint.SourceManual, text); err != nil {
				e.logger.Warn("sendHint failed", zap.Error(err))
			}
		}()
		return types.Accepted(cmd.CommandID)

	case "markAction":
		action := stringField(payload, "action")
		e.mu.Lock()
		if e.state.MarkedActions == nil {
			e.state.MarkedActions = make(map[string]bool)
		}
		e.state.MarkedActions[action] = true
		e.mu.Unlock()
		return types.Accepted(cmd.CommandID)

	case "pauseResetTimer":
		e.mu.Lock()
		e.state.ResetPaused = true
		e.mu.Unlock()
		return types.Accepted(cmd.CommandID)

	case "resumeResetTimer":
		e.mu.Lock()
		e.state.ResetPaused = false
		e.mu.Unlock()
		return types.Accepted(cmd.CommandID)

	case "getState":
		e.publishState()
		return types.Accepted(cmd.CommandID)

	case "stopAll":
		for _, z := range e.zones.ZoneNames() {
			if e.zones.CanExecute(z, "stopAll") {
				if _, err := e.zones.Execute(ctx, z, "stopAll", nil); err != nil {
					e.logger.Warn("stopAll failed", zap.String("zone", z), zap.Error(err))
				}
			}
		}
		return types.Accepted(cmd.CommandID)

	case "listModes":
		e.publishModes()
		return types.Accepted(cmd.CommandID)

	case "setGameMode":
		mode := stringField(payload, "mode")
		if _, ok := e.GameConfig().Modes[mode]; !ok {
			e.rejectCommand(cmd.CommandID, "unknown_mode")
			return types.Rejected(cmd.CommandID, "unknown_mode")
		}
		e.mu.Lock()
		e.state.Mode = mode
		e.mu.Unlock()
		e.publishState()
		return types.Accepted(cmd.CommandID)

	case "debugLog":
		message := stringField(payload, "message")
		tag := stringField(payload, "tag")
		e.logger.Info("debugLog", zap.String("message", message), zap.String("tag", tag))
		return types.Accepted(cmd.CommandID)

	case "listHints", "getHints", "hints":
		e.publishHintsRegistry()
		return types.Accepted(cmd.CommandID)

	case "getConfig", "config":
		e.publishConfig()
		return types.Accepted(cmd.CommandID)

	default:
		e.EmitEvent("command_validation_failed", map[string]any{"command": cmd.Type})
		e.rejectCommand(cmd.CommandID, "unknown_command")
		return types.Rejected(cmd.CommandID, "unknown_command")
	}
}

func (e *Engine) dispatchLifecycle(ctx context.Context, commandID, name string) *types.CommandResult {
	e.mu.Lock()
	if e.state.RunningSequence != "" {
		e.mu.Unlock()
		e.EmitWarning("sequence_rejected_busy", fmt.Sprintf("lifecycle command %q rejected: %q already running", name, e.state.RunningSequence), map[string]any{"command_id": commandID})
		return types.Rejected(commandID, "sequence_rejected_busy")
	}
	if name == "reset" && (e.state.Phase == PhaseSolved || e.state.Phase == PhaseFailed) && e.state.ResetRemaining > 0 {
		// The closing-phase countdown owns the reset; it invokes the
		// reset path itself when reset-remaining reaches zero.
		e.mu.Unlock()
		e.EmitWarning("sequence_rejected_busy", "reset rejected: closing-phase countdown still running", map[string]any{"command_id": commandID})
		return types.Rejected(commandID, "sequence_rejected_busy")
	}
	seqName := lifecycleSequenceNames[name]
	e.state.RunningSequence = seqName
	mode := e.gameCfg.Modes[e.state.Mode]
	cfg := e.gameCfg
	e.mu.Unlock()

	switch name {
	case "pause":
		e.pauseGame()
	case "resume":
		e.resumeGame()
	}

	go func() {
		if name == "reset" {
			e.sched.StopTicking()
			if _, hasReset := mode.Phases[string(PhaseReset)]; hasReset {
				e.enqueue(func() { e.transitionToPhase(ctx, PhaseReset) })
			} else {
				e.runResetSequence(ctx, mode)
			}
		} else if err := e.seqs.Run(ctx, cfg, mode, seqName, nil); err != nil {
			e.logger.Warn("lifecycle sequence failed", zap.String("sequence", seqName), zap.Error(err))
		}
		e.enqueue(func() {
			e.mu.Lock()
			e.state.RunningSequence = ""
			e.mu.Unlock()
		})
	}()

	return types.Accepted(commandID)
}

// pauseGame suspends the countdown: the 1Hz ticker stops, the phase it
// paused from is kept so resume can restore it.
func (e *Engine) pauseGame() {
	e.mu.Lock()
	if e.state.Phase != PhaseIntro && e.state.Phase != PhaseGameplay {
		e.mu.Unlock()
		return
	}
	from := e.state.Phase
	e.state.PausedFrom = from
	e.state.Phase = PhasePaused
	e.mu.Unlock()

	e.sched.StopTicking()
	e.publishState()
	e.EmitEvent("phase_transition", map[string]any{"from": string(from), "to": string(PhasePaused)})
}

func (e *Engine) resumeGame() {
	e.mu.Lock()
	if e.state.Phase != PhasePaused {
		e.mu.Unlock()
		return
	}
	to := e.state.PausedFrom
	if to == "" {
		to = PhaseGameplay
	}
	e.state.Phase = to
	e.state.PausedFrom = ""
	e.mu.Unlock()

	e.sched.StartTicking()
	e.publishState()
	e.EmitEvent("phase_transition", map[string]any{"from": string(PhasePaused), "to": string(to)})
}

func (e *Engine) rejectCommand(commandID, reason string) {
	e.EmitWarning(reason, fmt.Sprintf("command %q rejected", commandID), map[string]any{"command_id": commandID})
}

func (e *Engine) publishModes() {
	cfg := e.GameConfig()
	ids := make([]string, 0, len(cfg.Modes))
	for id := range cfg.Modes {
		ids = append(ids, id)
	}
	e.EmitEvent("modes_listed", map[string]any{"modes": ids})
}

func (e *Engine) publishHintsRegistry() {
	cfg := e.GameConfig()
	mode := e.Mode()
	entries := mode.CombinedHints(cfg.GlobalHints)
	payload := map[string]any{"mode": mode.ID, "entries": len(entries), "hints": entries, "ts": nowMillis()}
	if err := e.bus.PublishRetained(cfg.GameTopic+"/hints/registry", payload); err != nil {
		e.logger.Warn("hints registry publish failed", zap.Error(err))
	}
}

func (e *Engine) publishConfig() {
	cfg := e.GameConfig()
	games := make(map[string]any, len(cfg.Modes))
	for id, mode := range cfg.Modes {
		games[id] = map[string]any{
			"shortLabel":    mode.ShortLabel,
			"gameLabel":     mode.GameLabel,
			"description":   mode.Description,
			"hints":         mode.Hints,
			"combinedHints": mode.CombinedHints(cfg.GlobalHints),
		}
	}
	if err := e.bus.PublishRetained(cfg.GameTopic+"/config", map[string]any{"games": games}); err != nil {
		e.logger.Warn("config publish failed", zap.Error(err))
	}
}

func splitCommandModeSuffix(cmdType string) (name, mode string) {
	if idx := strings.Index(cmdType, ":"); idx >= 0 {
		return cmdType[:idx], cmdType[idx+1:]
	}
	return cmdType, ""
}

func decodePayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
