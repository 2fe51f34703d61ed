package toolloop

import (
	"sync"
	"time"
)

// maxRecords caps per-session history regardless of TTL.
const maxRecords = 256

// Record is one observed tool call.
type Record struct {
	At        time.Time
	Signature string
}

// Phase is the tool-loop state of a session.
type Phase int

const (
	PhaseNormal Phase = iota
	// PhaseChanceGiven means one offending call was suppressed with guidance.
	PhaseChanceGiven
	// PhaseBroken means the repeated call is being blocked.
	PhaseBroken
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "NORMAL"
	case PhaseChanceGiven:
		return "CHANCE_GIVEN"
	case PhaseBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// State is the tool-call history of one session. It is owned by the session
// and handed to the Tracker and Detector by pointer; it is never shared
// between sessions.
type State struct {
	mu sync.Mutex

	sessionID       string
	records         []Record
	consecutive     int
	phase           Phase
	chanceSignature string
}

// NewState creates empty tool-call state for a session.
func NewState(sessionID string) *State {
	return &State{sessionID: sessionID}
}

// SessionID returns the owning session's ID.
func (s *State) SessionID() string { return s.sessionID }

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Consecutive returns the repeat count of the most recent signature.
func (s *State) Consecutive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutive
}

// Records returns a copy of the surviving history.
func (s *State) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Tracker counts consecutive identical tool calls within a TTL.
type Tracker struct {
	ttl time.Duration
}

// NewTracker creates a tracker with the given TTL, clamped to one second.
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{ttl: max(ttl, time.Second)}
}

// Record prunes expired history, appends the call and returns how many
// times in a row the call's signature now appears among surviving records.
func (t *Tracker) Record(st *State, name, argsJSON string, now time.Time) int {
	sig, _ := Canonicalize(name, argsJSON)
	st.mu.Lock()
	defer st.mu.Unlock()
	return t.recordLocked(st, sig, now)
}

func (t *Tracker) recordLocked(st *State, sig string, now time.Time) int {
	t.prune(st, now)
	count := 1
	for i := len(st.records) - 1; i >= 0 && st.records[i].Signature == sig; i-- {
		count++
	}
	st.records = append(st.records, Record{At: now, Signature: sig})
	if len(st.records) > maxRecords {
		st.records = append(st.records[:0], st.records[len(st.records)-maxRecords:]...)
	}
	st.consecutive = count
	return count
}

// prune drops records older than the TTL. Records are appended in time
// order, so the survivors are a suffix.
func (t *Tracker) prune(st *State, now time.Time) {
	cut := 0
	for cut < len(st.records) && now.Sub(st.records[cut].At) > t.ttl {
		cut++
	}
	if cut > 0 {
		st.records = append(st.records[:0], st.records[cut:]...)
	}
}
