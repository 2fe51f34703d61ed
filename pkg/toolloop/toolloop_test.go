package toolloop_test

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/loopguard/pkg/toolloop"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func config(mode toolloop.Mode, maxRepeats int, ttl time.Duration) toolloop.Config {
	return toolloop.Config{Enabled: true, MaxRepeats: maxRepeats, TTL: ttl, Mode: mode}
}

// ─── Canonicalize ────────────────────────────────────────────────────────────

func TestCanonicalize_KeyOrderAndWhitespace(t *testing.T) {
	a, okA := toolloop.Canonicalize("search", `{"q":"x","limit":5}`)
	b, okB := toolloop.Canonicalize("search", `{ "limit": 5,  "q": "x" }`)
	require.True(t, okA)
	require.True(t, okB)
	assert.Equal(t, a, b)
	assert.Equal(t, `search:{"limit":5,"q":"x"}`, a)
}

func TestCanonicalize_SpacingAfterColon(t *testing.T) {
	a, _ := toolloop.Canonicalize("search", `{"q":"x"}`)
	b, _ := toolloop.Canonicalize("search", `{"q": "x"}`)
	assert.Equal(t, a, b)
}

func TestCanonicalize_NestedObjects(t *testing.T) {
	a, _ := toolloop.Canonicalize("edit", `{"opts":{"b":1,"a":[{"y":2,"x":1}]},"path":"f"}`)
	b, _ := toolloop.Canonicalize("edit", `{"path":"f","opts":{"a":[{"x":1,"y":2}],"b":1}}`)
	assert.Equal(t, a, b)
}

func TestCanonicalize_DifferentValuesDiffer(t *testing.T) {
	a, _ := toolloop.Canonicalize("search", `{"q":"x"}`)
	b, _ := toolloop.Canonicalize("search", `{"q":"y"}`)
	c, _ := toolloop.Canonicalize("lookup", `{"q":"x"}`)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCanonicalize_InvalidJSONFallsBack(t *testing.T) {
	sig, ok := toolloop.Canonicalize("run", `{"cmd": ls`)
	assert.False(t, ok)
	assert.Equal(t, `run:{"cmd": ls`, sig)
}

func TestCanonicalize_EmptyArgs(t *testing.T) {
	a, ok := toolloop.Canonicalize("ping", "")
	assert.True(t, ok)
	b, _ := toolloop.Canonicalize("ping", "  ")
	c, _ := toolloop.Canonicalize("ping", "{}")
	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
}

// ─── Tracker ─────────────────────────────────────────────────────────────────

func TestTracker_CountsConsecutive(t *testing.T) {
	tr := toolloop.NewTracker(120 * time.Second)
	st := toolloop.NewState("s")
	assert.Equal(t, 1, tr.Record(st, "a", `{}`, at(0)))
	assert.Equal(t, 2, tr.Record(st, "a", `{}`, at(1)))
	assert.Equal(t, 1, tr.Record(st, "b", `{}`, at(2)))
	assert.Equal(t, 1, tr.Record(st, "a", `{}`, at(3)))
	assert.Equal(t, 2, tr.Record(st, "a", `{ }`, at(4)))
	assert.Len(t, st.Records(), 5)
}

func TestTracker_TTLResetsCount(t *testing.T) {
	tr := toolloop.NewTracker(120 * time.Second)
	st := toolloop.NewState("s")
	assert.Equal(t, 1, tr.Record(st, "a", `{"q":1}`, at(0)))
	assert.Equal(t, 1, tr.Record(st, "a", `{"q":1}`, at(121)), "calls more than TTL apart are not consecutive")
	assert.Len(t, st.Records(), 1, "expired records are pruned")
}

func TestTracker_OnlyYoungRecordsCount(t *testing.T) {
	tr := toolloop.NewTracker(120 * time.Second)
	st := toolloop.NewState("s")
	tr.Record(st, "a", `{}`, at(0))
	tr.Record(st, "a", `{}`, at(100))
	// The record at t=0 has expired; only t=100 survives alongside the new one.
	assert.Equal(t, 2, tr.Record(st, "a", `{}`, at(200)))
}

func TestTracker_HistoryCapped(t *testing.T) {
	tr := toolloop.NewTracker(time.Hour)
	st := toolloop.NewState("s")
	for i := range 1000 {
		tr.Record(st, "a", fmt.Sprintf(`{"i":%d}`, i), at(i))
	}
	assert.LessOrEqual(t, len(st.Records()), 256)
}

// ─── Detector: break ─────────────────────────────────────────────────────────

func TestDetector_BreakBlocksOnNth(t *testing.T) {
	d := toolloop.NewDetector(config(toolloop.ModeBreak, 4, 120*time.Second))
	st := toolloop.NewState("s")
	for i := range 3 {
		dec := d.Check(st, "search", `{"q":"x"}`, at(i))
		require.True(t, dec.Allowed(), "call %d must be allowed", i+1)
		assert.Equal(t, i+1, dec.Count)
	}
	dec := d.Check(st, "search", `{"q":"x"}`, at(3))
	assert.Equal(t, toolloop.ActionBlock, dec.Action)
	assert.Equal(t, toolloop.PhaseBroken, dec.Phase)
	assert.Equal(t,
		"Tool call loop detected: 'search' invoked with identical params 4 times within 120s. Session stopped to prevent unintended looping.",
		dec.Message)

	dec = d.Check(st, "search", `{"q":"x"}`, at(4))
	assert.Equal(t, toolloop.ActionBlock, dec.Action, "repeating while broken stays blocked")

	dec = d.Check(st, "search", `{"q":"other"}`, at(5))
	assert.True(t, dec.Allowed(), "a different call recovers")
	assert.Equal(t, toolloop.PhaseNormal, st.Phase())
}

func TestDetector_BreakScenarioTTL(t *testing.T) {
	tests := []struct {
		name    string
		times   []int
		blocked bool
	}{
		{"rapid", []int{0, 1, 2, 3}, true},
		{"spaced beyond ttl", []int{0, 200, 400, 600}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := toolloop.NewDetector(config(toolloop.ModeBreak, 4, 120*time.Second))
			st := toolloop.NewState("s")
			var last toolloop.Decision
			for i, sec := range tt.times {
				last = d.Check(st, "search", `{"q":"x"}`, at(sec))
				if i < len(tt.times)-1 {
					require.True(t, last.Allowed())
				}
			}
			assert.Equal(t, tt.blocked, !last.Allowed())
		})
	}
}

// ─── Detector: chance_then_break ─────────────────────────────────────────────

func TestDetector_ChanceThenBreak(t *testing.T) {
	tests := []struct {
		name       string
		fifthArgs  string
		wantAction toolloop.Action
		wantPhase  toolloop.Phase
	}{
		{"same call breaks", `{"q":"A"}`, toolloop.ActionBlock, toolloop.PhaseBroken},
		{"different call recovers", `{"q":"B"}`, toolloop.ActionAllow, toolloop.PhaseNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := toolloop.NewDetector(config(toolloop.ModeChanceThenBreak, 4, 120*time.Second))
			st := toolloop.NewState("s")
			for i := range 3 {
				require.True(t, d.Check(st, "search", `{"q":"A"}`, at(i)).Allowed())
			}
			dec := d.Check(st, "search", `{"q":"A"}`, at(3))
			require.Equal(t, toolloop.ActionChance, dec.Action)
			require.Equal(t, toolloop.PhaseChanceGiven, st.Phase())
			assert.Contains(t, dec.Message, "'search'")

			dec = d.Check(st, "search", tt.fifthArgs, at(4))
			assert.Equal(t, tt.wantAction, dec.Action)
			assert.Equal(t, tt.wantPhase, st.Phase())
		})
	}
}

// ─── Detector: disabled and clamping ─────────────────────────────────────────

func TestDetector_DisabledRecordsNothing(t *testing.T) {
	d := toolloop.NewDetector(toolloop.Config{Enabled: false, MaxRepeats: 2})
	st := toolloop.NewState("s")
	for i := range 10 {
		assert.True(t, d.Check(st, "a", `{}`, at(i)).Allowed())
	}
	assert.Empty(t, st.Records())
	assert.False(t, d.Enabled())
}

func TestDetector_NilStateAllows(t *testing.T) {
	d := toolloop.NewDetector(toolloop.DefaultConfig())
	assert.True(t, d.Check(nil, "a", `{}`, at(0)).Allowed())
}

func TestDetector_ClampsNonPositiveRepeats(t *testing.T) {
	d := toolloop.NewDetector(config(toolloop.ModeBreak, 0, -time.Second))
	st := toolloop.NewState("s")
	assert.True(t, d.Check(st, "a", `{}`, at(0)).Allowed(), "first call is never blocked")
	assert.False(t, d.Check(st, "a", `{}`, at(0)).Allowed())
}

func TestDetector_MalformedArgsCompareRaw(t *testing.T) {
	d := toolloop.NewDetector(config(toolloop.ModeBreak, 2, time.Minute))
	st := toolloop.NewState("s")
	assert.True(t, d.Check(st, "run", `{broken`, at(0)).Allowed())
	assert.False(t, d.Check(st, "run", `{broken`, at(1)).Allowed())
	assert.True(t, d.Check(st, "run", `{broken `, at(2)).Allowed(), "raw text differs")
}

func TestDetector_SessionsAreIsolated(t *testing.T) {
	d := toolloop.NewDetector(config(toolloop.ModeBreak, 3, time.Minute))
	states := make([]*toolloop.State, 8)
	for i := range states {
		states[i] = toolloop.NewState(fmt.Sprintf("s%d", i))
	}

	var wg sync.WaitGroup
	results := make([][]bool, len(states))
	for i, st := range states {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 3 {
				results[i] = append(results[i], d.Check(st, "a", `{}`, at(j)).Allowed())
			}
		}()
	}
	wg.Wait()

	for i, r := range results {
		assert.Equal(t, []bool{true, true, false}, r, "session %d", i)
	}
}

// ─── Mode ────────────────────────────────────────────────────────────────────

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    toolloop.Mode
		wantErr bool
	}{
		{"break", toolloop.ModeBreak, false},
		{"chance_then_break", toolloop.ModeChanceThenBreak, false},
		{" CHANCE_THEN_BREAK ", toolloop.ModeChanceThenBreak, false},
		{"", toolloop.ModeBreak, false},
		{"explode", toolloop.ModeBreak, true},
	}
	for _, tt := range tests {
		got, err := toolloop.ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, strings.ToLower(strings.TrimSpace(tt.in)) == "chance_then_break", got == toolloop.ModeChanceThenBreak)
	}
}

func TestTransitions_CoverEveryPhase(t *testing.T) {
	seen := map[toolloop.Phase]bool{}
	for _, tr := range toolloop.Transitions() {
		seen[tr.From] = true
		seen[tr.To] = true
	}
	assert.Len(t, seen, 3)
}
