package config

// ZoneType is the adapter kind a zone is constructed with.
type ZoneType string

const (
	ZoneMedia  ZoneType = "media"
	ZoneLights ZoneType = "lights"
	ZoneClock  ZoneType = "clock"
)

// Zone is the static configuration of one device zone. The zone
// registry owns the runtime counterpart (last-observed state,
// capability set, adapter instance) for the process lifetime.
type Zone struct {
	Name      string
	Type      ZoneType
	BaseTopic string
}

// EndOutcome names the terminal outcome a schedule entry or step can
// trigger directly.
type EndOutcome string

const (
	EndWin  EndOutcome = "win"
	EndFail EndOutcome = "fail"
)

// ScheduleEntry is a single time-anchored action attached to a phase.
// At is seconds remaining; exactly one of the action fields is set.
type ScheduleEntry struct {
	At int

	Fire     string
	FireCue  string
	FireSeq  string
	Hint     string
	HintText string
	PlayHint string

	Zone    string
	Zones   []string
	Command string
	Options map[string]any

	End EndOutcome
	Log string
}

// Phase is one named stage of a mode's lifecycle.
type Phase struct {
	Name     string
	Duration int // seconds; 0 means "use sequence estimate or no-op"

	Sequence       string       // named reference, searched across namespaces
	InlineSequence *SequenceDef // inline sequence body, takes priority over Sequence

	Schedule []ScheduleEntry
}

// HasWork reports whether the phase does anything: a phase with none
// of duration/sequence/schedule is a no-op.
func (p Phase) HasWork() bool {
	return p.Duration > 0 || p.Sequence != "" || p.InlineSequence != nil || len(p.Schedule) > 0
}

// Step is one entry of an ordered sequence. Exactly one discriminator
// field (other than the trailing-wait fields) should be set; the
// sequence runner classifies on whichever is non-empty/non-nil.
type Step struct {
	Wait int // "wait: N" as the step itself

	Hint     string
	HintText string

	Fire    string
	FireCue string
	FireSeq string

	Zone    string
	Zones   []string
	Command string
	Options map[string]any

	PublishTopic   string
	PublishPayload any

	VerifyBrowser *VerifyBrowserStep
	VerifyImage   *VerifyImageStep

	// TrailingWait implements "a trailing wait: N|true" on any step.
	// TrailingWaitUseDuration selects the `true` form (use the step's
	// own duration, where applicable); otherwise TrailingWait seconds
	// are used verbatim.
	TrailingWait            int
	TrailingWaitUseDuration bool
}

// VerifyBrowserStep is the verifyBrowser step/cue-action shape.
type VerifyBrowserStep struct {
	Zone      string
	URL       string
	Visible   bool
	TimeoutMs int // 0 means use the adapter default (20s)
}

// VerifyImageStep is the verifyImage step/cue-action shape.
type VerifyImageStep struct {
	Zone      string
	File      string
	TimeoutMs int // 0 means use the adapter default (10s)
}

// TimelineEntry is one entry of a timeline-form sequence or cue: it
// fires (duration - At) seconds/ms after the owning run starts.
type TimelineEntry struct {
	At      int
	Actions []CueAction
}

// SequenceDef is either an ordered step list or a timeline. Exactly one
// of Steps or Timeline is populated, distinguished by IsTimeline.
type SequenceDef struct {
	Name string

	Steps []Step

	Duration int // timeline duration in seconds; 0 for ordered form
	Timeline []TimelineEntry

	MetaDuration int // meta.duration override, 0 = unset
	MetaMaxDepth int // meta.max-depth, 0 = use DefaultMaxDepth
}

// DefaultMaxDepth is the nesting cap applied when MetaMaxDepth is unset.
const DefaultMaxDepth = 3

func (s SequenceDef) IsTimeline() bool { return s.Timeline != nil }

func (s SequenceDef) MaxDepth() int {
	if s.MetaMaxDepth > 0 {
		return s.MetaMaxDepth
	}
	return DefaultMaxDepth
}

// EstimatedDuration sums the step-form wait durations; timeline-form
// sequences report their declared Duration.
func (s SequenceDef) EstimatedDuration() int {
	if s.IsTimeline() {
		return s.Duration
	}
	total := 0
	for _, st := range s.Steps {
		total += st.Wait
		if st.TrailingWait > 0 {
			total += st.TrailingWait
		}
	}
	return total
}

// CueAction is a single dispatchable action inside a cue or cue list.
type CueAction struct {
	Zone  string
	Zones []string

	// Play maps one of file/video/speech/fx/background/image to the
	// corresponding media verb; loop defaults to true when Play has a
	// "background" key and no "loop" key.
	Play    map[string]any
	Command string
	Scene   string
	Publish *PublishSpec

	Options map[string]any
}

type PublishSpec struct {
	Topic   string
	Payload any
}

// CueKind tags which of the four structural shapes a cue definition is;
// dispatch classifies a cue by structural inspection rather than an
// explicit type tag in configuration.
type CueKind string

const (
	CueSingle        CueKind = "single"
	CueList          CueKind = "list"
	CueTimeline      CueKind = "timeline"
	CueLegacyActions CueKind = "legacy"
)

// CueDef is a named, fire-and-forget action bundle. Kind determines
// which of Single/List/Timeline/Legacy is populated.
type CueDef struct {
	Name string
	Kind CueKind

	Single *CueAction
	List   []CueAction

	Duration int
	Timeline []TimelineEntry

	Legacy []CueAction // {commands:[...]} or {actions:[...]}
}

// HintType is the hint dispatch discriminator.
type HintType string

const (
	HintTypeText   HintType = "text"
	HintTypeSpeech HintType = "speech"
	HintTypeAudio  HintType = "audio"
	HintTypeVideo  HintType = "video"
	HintTypeAction HintType = "action"
)

// HintRecord is a single hint definition.
type HintRecord struct {
	ID          string
	Type        HintType
	Text        string
	File        string
	Zone        string // default zone is type-dependent; see internal/hint
	Duration    int
	Description string
}

// IdleConfig makes idle-phase firing explicit, typed configuration
// rather than an untyped config-path lookup.
type IdleConfig struct {
	Enabled         bool
	IntervalSeconds int
	SequenceName    string
}

// Mode is one selectable game configuration: a duration, a set of
// phases, and mode-scoped sequences/cues/hints.
type Mode struct {
	ID          string
	ShortLabel  string
	GameLabel   string
	Description string

	PhaseOrder []string
	Phases     map[string]Phase

	Sequences map[string]SequenceDef
	Cues      map[string]CueDef
	Hints     []HintRecord
}

// GameConfig is the complete, flattened configuration surface the core
// consumes. Template pre-expansion and file-format parsing happen in
// the out-of-scope loader; GameConfig is that loader's output type.
type GameConfig struct {
	GameTopic string
	GameType  string

	Zones map[string]Zone

	Modes map[string]Mode

	// Namespaces searched, in priority order: per-mode (on Mode) >
	// Global > System > Command.
	GlobalSequences  map[string]SequenceDef
	SystemSequences  map[string]SequenceDef
	CommandSequences map[string]SequenceDef

	GlobalCues  map[string]CueDef
	GlobalHints []HintRecord

	IdleSequence *IdleConfig

	HeartbeatMs int64
}

// CombinedHints returns the mode's hint list followed by global hints,
// deduplicated by display text.
func (m Mode) CombinedHints(global []HintRecord) []HintRecord {
	seen := make(map[string]struct{}, len(m.Hints)+len(global))
	out := make([]HintRecord, 0, len(m.Hints)+len(global))
	add := func(h HintRecord) {
		key := h.Text
		if key == "" {
			key = h.ID
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	for _, h := range m.Hints {
		add(h)
	}
	for _, h := range global {
		add(h)
	}
	return out
}

// legacySequenceAliases maps old sequence names still seen in the
// wild to their current names.
var legacySequenceAliases = map[string]string{
	"start-sequence": "gameplay-start-sequence",
}

// ResolveLegacyAlias applies the legacy sequence-name alias table.
func ResolveLegacyAlias(name string) string {
	if alias, ok := legacySequenceAliases[name]; ok {
		return alias
	}
	return name
}
