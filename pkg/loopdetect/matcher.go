package loopdetect

import (
	"fmt"
	"math/bits"
)

// MaxMatcherPatternLength is the largest MaxPatternLength the rolling matcher
// accepts. Larger values make per-rune cost and counter memory unreasonable.
const MaxMatcherPatternLength = 8192

const (
	hashMod  = 1<<61 - 1
	hashBase = 1_000_003
)

// Matcher is an incremental repeated-substring detector.
//
// For each candidate length L it compares, after every appended rune, the
// hash of the last L runes with the hash of the L runes before them. A run
// of c consecutive matches means the trailing 2L+c-1 runes have period L,
// i.e. (2L+c-1)/L whole repeats of the unit. Prefix hashes for the last
// 2*MaxPatternLength+1 positions are kept in a ring, so every comparison is
// O(1) and a rune costs O(MaxPatternLength) regardless of stream length.
type Matcher struct {
	maxLen    int
	threshold int
	whitelist []string
	buf       *StreamBuffer

	pow    []uint64 // pow[L] = hashBase^L mod hashMod
	prefix []uint64 // ring of prefix hashes indexed by absolute position
	runs   []int    // runs[L] = consecutive window matches for length L
	need   []int    // need[L] = runs required to reach the threshold
	muted  []bool   // muted[L] = current run is whitelisted
}

// NewMatcher creates a matcher that appends into buf. The buffer must retain
// at least 2*cfg.MaxPatternLength runes; NewStreamBuffer guarantees that.
func NewMatcher(cfg Config, buf *StreamBuffer) (*Matcher, error) {
	cfg = cfg.Normalize()
	if cfg.MaxPatternLength > MaxMatcherPatternLength {
		return nil, fmt.Errorf("max pattern length %d exceeds matcher limit %d", cfg.MaxPatternLength, MaxMatcherPatternLength)
	}
	if buf == nil || buf.Cap() < 2*cfg.MaxPatternLength {
		return nil, fmt.Errorf("stream buffer too small for pattern length %d", cfg.MaxPatternLength)
	}
	n := cfg.MaxPatternLength
	m := &Matcher{
		maxLen:    n,
		threshold: cfg.ContentLoopThreshold,
		whitelist: cfg.Whitelist,
		buf:       buf,
		pow:       make([]uint64, n+1),
		prefix:    make([]uint64, 2*n+1),
		runs:      make([]int, n+1),
		need:      make([]int, n+1),
		muted:     make([]bool, n+1),
	}
	m.pow[0] = 1
	for l := 1; l <= n; l++ {
		m.pow[l] = mulMod(m.pow[l-1], hashBase)
		m.need[l] = (m.threshold-2)*l + 1
	}
	return m, nil
}

// AddChunk appends text to the buffer and returns the first loop it
// completes, or nil. Text after the detection point is not consumed.
func (m *Matcher) AddChunk(text string) *DetectionEvent {
	for _, r := range text {
		if ev := m.addRune(r); ev != nil {
			return ev
		}
	}
	return nil
}

// Reset clears all counters. The caller resets the buffer.
func (m *Matcher) Reset() {
	clear(m.prefix)
	m.clearRuns()
}

func (m *Matcher) clearRuns() {
	clear(m.runs)
	clear(m.muted)
}

func (m *Matcher) addRune(r rune) *DetectionEvent {
	m.buf.Append(r)
	n := m.buf.Total()
	ring := int64(len(m.prefix))
	prev := m.prefix[(n-1)%ring]
	cur := addMod(mulMod(prev, hashBase), uint64(r)+1)
	m.prefix[n%ring] = cur

	limit := min(int64(m.maxLen), n/2)
	for l := 1; l <= int(limit); l++ {
		mid := m.prefix[(n-int64(l))%ring]
		first := m.prefix[(n-2*int64(l))%ring]
		recent := subMod(cur, mulMod(mid, m.pow[l]))
		before := subMod(mid, mulMod(first, m.pow[l]))
		if recent == before {
			m.runs[l]++
		} else {
			m.runs[l] = 0
			m.muted[l] = false
		}
	}

	// Shortest qualifying length wins.
	for l := 1; l <= int(limit); l++ {
		if m.runs[l] < m.need[l] || m.muted[l] {
			continue
		}
		repeats := (2*l + m.runs[l] - 1) / l
		unit, ok := m.verify(l, repeats)
		if !ok {
			// Hash collision: the text is not actually periodic.
			m.runs[l] = 0
			continue
		}
		if whitelisted(unit, m.whitelist) {
			m.muted[l] = true
			continue
		}
		m.clearRuns()
		return &DetectionEvent{
			Pattern:       sanitizePattern(unit),
			PatternLength: l,
			RepeatCount:   repeats,
		}
	}
	return nil
}

// verify checks against the buffered text that the trailing runes really
// have period l, over as many of the claimed repeats as are still buffered,
// and returns the unit.
func (m *Matcher) verify(l, repeats int) (string, bool) {
	span := m.buf.tail(repeats * l)
	if len(span) < 2*l {
		return "", false
	}
	for i := l; i < len(span); i++ {
		if span[i] != span[i-l] {
			return "", false
		}
	}
	return string(span[len(span)-l:]), true
}

func mulMod(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	// a, b < 2^61 so the product fits in 122 bits.
	r := (lo & hashMod) + (lo>>61 | hi<<3)
	if r >= hashMod {
		r -= hashMod
	}
	if r >= hashMod {
		r -= hashMod
	}
	return r
}

func addMod(a, b uint64) uint64 {
	r := a + b
	if r >= hashMod {
		r -= hashMod
	}
	return r
}

func subMod(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return a + hashMod - b
}
