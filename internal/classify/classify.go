// Package classify decides whether a bare name fired through the
// unified `fire` verb names a hint, a cue, or a sequence, by consulting
// the relevant namespaces in a fixed priority, without any of the
// callers needing to import one another.
package classify

import "github.com/qingchang/escape-engine/internal/config"

// Kind is what a fired name resolved to.
type Kind string

const (
	KindHint     Kind = "hint"
	KindCue      Kind = "cue"
	KindSequence Kind = "sequence"
	KindNone     Kind = "none"
)

// Name classifies name against mode (may be the zero value) and the
// global game configuration, in the fixed priority hint > cue >
// sequence, matching the source's is-hint/is-cue/is-sequence checks.
func Name(cfg config.GameConfig, mode config.Mode, name string) Kind {
	if IsHint(cfg, mode, name) {
		return KindHint
	}
	if IsCue(cfg, mode, name) {
		return KindCue
	}
	if IsSequence(cfg, mode, name) {
		return KindSequence
	}
	return KindNone
}

// IsHint reports whether name matches a hint id in the mode's combined
// hint list (mode hints first, then global hints).
func IsHint(cfg config.GameConfig, mode config.Mode, name string) bool {
	for _, h := range mode.CombinedHints(cfg.GlobalHints) {
		if h.ID == name {
			return true
		}
	}
	return false
}

// IsCue reports whether name resolves in the cue namespaces (per-mode
// then global).
func IsCue(cfg config.GameConfig, mode config.Mode, name string) bool {
	if mode.Cues != nil {
		if _, ok := mode.Cues[name]; ok {
			return true
		}
	}
	_, ok := cfg.GlobalCues[name]
	return ok
}

// IsSequence reports whether name resolves in any sequence namespace,
// applying the legacy alias table first.
func IsSequence(cfg config.GameConfig, mode config.Mode, name string) bool {
	name = config.ResolveLegacyAlias(name)
	if mode.Sequences != nil {
		if _, ok := mode.Sequences[name]; ok {
			return true
		}
	}
	if _, ok := cfg.GlobalSequences[name]; ok {
		return true
	}
	if _, ok := cfg.SystemSequences[name]; ok {
		return true
	}
	if _, ok := cfg.CommandSequences[name]; ok {
		return true
	}
	return false
}
