package toolloop

import (
	"fmt"
	"log/slog"
	"time"
)

// Action is the verdict for one tool call.
type Action int

const (
	// ActionAllow forwards the call.
	ActionAllow Action = iota
	// ActionChance suppresses the call once and returns guidance instead.
	ActionChance
	// ActionBlock refuses the call with an error.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionChance:
		return "chance"
	case ActionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Detector.Check.
type Decision struct {
	Action    Action
	Count     int
	Signature string
	Phase     Phase
	// Message is returned to the model in place of the tool result when the
	// call is not allowed.
	Message string
}

// Allowed reports whether the call should be forwarded.
func (d Decision) Allowed() bool { return d.Action == ActionAllow }

// Detector applies a Mode to the repeat counts kept by a Tracker.
type Detector struct {
	cfg     Config
	tracker *Tracker
}

// NewDetector creates a detector for one resolved config.
func NewDetector(cfg Config) *Detector {
	if !cfg.Enabled {
		return &Detector{}
	}
	cfg = cfg.Normalize()
	return &Detector{cfg: cfg, tracker: NewTracker(cfg.TTL)}
}

// Enabled reports whether the detector records anything.
func (d *Detector) Enabled() bool { return d != nil && d.cfg.Enabled }

// Check records the call in st and decides whether it may proceed.
// A disabled detector or nil state always allows without recording.
func (d *Detector) Check(st *State, name, argsJSON string, now time.Time) Decision {
	if !d.Enabled() || st == nil {
		return Decision{Action: ActionAllow}
	}
	sig, _ := Canonicalize(name, argsJSON)

	st.mu.Lock()
	defer st.mu.Unlock()

	count := d.tracker.recordLocked(st, sig, now)
	dec := Decision{Action: ActionAllow, Count: count, Signature: sig}

	switch st.phase {
	case PhaseChanceGiven:
		if sig == st.chanceSignature {
			st.phase = PhaseBroken
			dec.Action = ActionBlock
			dec.Message = d.breakMessage(name, count)
		} else {
			st.phase = PhaseNormal
			st.chanceSignature = ""
		}
	case PhaseBroken:
		if count < d.cfg.MaxRepeats {
			st.phase = PhaseNormal
		} else {
			dec.Action = ActionBlock
			dec.Message = d.breakMessage(name, count)
		}
	}

	if st.phase == PhaseNormal && count >= d.cfg.MaxRepeats {
		switch d.cfg.Mode {
		case ModeBreak:
			st.phase = PhaseBroken
			dec.Action = ActionBlock
			dec.Message = d.breakMessage(name, count)
		case ModeChanceThenBreak:
			st.phase = PhaseChanceGiven
			st.chanceSignature = sig
			dec.Action = ActionChance
			dec.Message = chanceMessage(name, count)
		}
	}

	dec.Phase = st.phase
	if dec.Action != ActionAllow {
		slog.Warn("tool call loop", "session", st.sessionID, "tool", name,
			"count", count, "action", dec.Action, "phase", st.phase)
	}
	return dec
}

func (d *Detector) breakMessage(name string, count int) string {
	return fmt.Sprintf("Tool call loop detected: '%s' invoked with identical params %d times within %ds. Session stopped to prevent unintended looping.",
		name, count, int(d.cfg.TTL/time.Second))
}

func chanceMessage(name string, count int) string {
	return fmt.Sprintf("Tool call loop warning: '%s' has been called with identical parameters %d times in a row and this call was not executed. "+
		"Change your approach: use different parameters, a different tool, or answer with what you already have. "+
		"Repeating this exact call again will stop the session.", name, count)
}

// Transition is one edge of the tool-loop state machine.
type Transition struct {
	From, To Phase
	Mode     Mode
	When     string
}

// Transitions lists every state-machine edge, for documentation output.
func Transitions() []Transition {
	return []Transition{
		{PhaseNormal, PhaseNormal, ModeBreak, "count < max_repeats"},
		{PhaseNormal, PhaseBroken, ModeBreak, "count >= max_repeats: block"},
		{PhaseBroken, PhaseBroken, ModeBreak, "same call repeated: block"},
		{PhaseBroken, PhaseNormal, ModeBreak, "different call"},
		{PhaseNormal, PhaseNormal, ModeChanceThenBreak, "count < max_repeats"},
		{PhaseNormal, PhaseChanceGiven, ModeChanceThenBreak, "count >= max_repeats: suppress once"},
		{PhaseChanceGiven, PhaseBroken, ModeChanceThenBreak, "same call again: block"},
		{PhaseChanceGiven, PhaseNormal, ModeChanceThenBreak, "different call: allow"},
		{PhaseBroken, PhaseBroken, ModeChanceThenBreak, "same call repeated: block"},
		{PhaseBroken, PhaseNormal, ModeChanceThenBreak, "different call"},
	}
}
