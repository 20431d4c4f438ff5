package phase

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qingchang/escape-engine/internal/bus"
	"github.com/qingchang/escape-engine/internal/hint"
	"github.com/qingchang/escape-engine/internal/types"
)

// ListenCommands subscribes the engine to its operator-facing inbound
// topics: the command topic and the hint-execution topic. Handlers run
// off the bus delivery goroutine so a slow command never backs up the
// broker connection.
func (e *Engine) ListenCommands(ctx context.Context) error {
	cfg := e.GameConfig()
	if err := e.bus.Subscribe(cfg.GameTopic+"/commands", func(msg bus.Message) {
		go e.handleRawCommand(ctx, msg)
	}); err != nil {
		return err
	}
	return e.bus.Subscribe(cfg.GameTopic+"/hints", func(msg bus.Message) {
		go e.handleHintRequest(ctx, msg)
	})
}

// handleRawCommand parses one command-topic payload and routes it.
// Malformed JSON and structurally invalid bodies never reach the state
// machine; they surface on the events and warnings topics only.
func (e *Engine) handleRawCommand(ctx context.Context, msg bus.Message) {
	start := time.Now()

	var body map[string]any
	if err := json.Unmarshal(msg.Raw, &body); err != nil {
		e.EmitEvent("command_validation_failed", map[string]any{"reason": "malformed_command"})
		e.EmitWarning("malformed_command", "command payload is not valid JSON", map[string]any{"payload": string(msg.Raw)})
		e.rejectMetric("malformed_command")
		return
	}

	cmdName, ok := body["command"].(string)
	if !ok || cmdName == "" {
		e.EmitEvent("command_validation_failed", map[string]any{"reason": "invalid_command"})
		e.EmitWarning("invalid_command", "command payload has no command field", map[string]any{"payload": string(msg.Raw)})
		e.rejectMetric("invalid_command")
		return
	}

	env := types.CommandEnvelope{
		CommandID:    uuid.NewString(),
		Type:         cmdName,
		Payload:      msg.Raw,
		ReceivedAtMs: time.Now().UnixMilli(),
	}
	if mode, ok := body["mode"].(string); ok {
		env.Mode = mode
	}

	result := e.HandleCommand(ctx, env)

	if e.metrics != nil {
		e.metrics.CommandLatency.WithLabelValues(cmdName).Observe(float64(time.Since(start).Milliseconds()))
	}
	if result.Status == "rejected" {
		e.rejectMetric(result.Reason)
	}
	e.EmitEvent("command_processed", map[string]any{
		"command": cmdName, "command_id": env.CommandID, "status": result.Status, "reason": result.Reason,
	})
	e.logger.Info("command processed",
		zap.String("command", cmdName),
		zap.String("command_id", env.CommandID),
		zap.String("status", result.Status))
}

// handleHintRequest serves the hint-execution topic: {id?, text?},
// requiring at least one of the two.
func (e *Engine) handleHintRequest(ctx context.Context, msg bus.Message) {
	var body struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(msg.Raw, &body); err != nil {
		e.EmitWarning("malformed_command", "hint payload is not valid JSON", map[string]any{"payload": string(msg.Raw)})
		return
	}
	if body.ID == "" && body.Text == "" {
		e.EmitWarning("invalid_command", "hint request needs an id or text", nil)
		return
	}

	cfg := e.GameConfig()
	mode := e.Mode()
	if err := e.hints.Fire(ctx, cfg, mode, body.ID, hint.SourceManual, body.Text); err != nil {
		e.logger.Warn("hint request failed", zap.String("hint", body.ID), zap.Error(err))
	}
}

func (e *Engine) rejectMetric(reason string) {
	if e.metrics != nil {
		e.metrics.CommandReject.WithLabelValues(reason).Inc()
	}
}
