package loopdetect

import "github.com/cespare/xxhash/v2"

// blockDetector is the degraded path used only when the rolling matcher
// cannot be built. It cuts the stream into fixed-size blocks, keeps the
// hashes of the last MaxHistoryLength blocks and reports a loop when the
// same block hash ends the history threshold times in a row. It misses
// loops whose period does not divide the block size.
type blockDetector struct {
	size       int
	threshold  int
	maxHistory int
	whitelist  []string

	pending []rune
	last    string   // text of the most recent block
	history []uint64 // block hashes, oldest first
}

func newBlockDetector(cfg Config) *blockDetector {
	return &blockDetector{
		size:       cfg.ChunkSize,
		threshold:  cfg.ContentLoopThreshold,
		maxHistory: cfg.MaxHistoryLength,
		whitelist:  cfg.Whitelist,
		pending:    make([]rune, 0, cfg.ChunkSize),
		history:    make([]uint64, 0, cfg.MaxHistoryLength),
	}
}

func (b *blockDetector) AddChunk(text string) *DetectionEvent {
	for _, r := range text {
		b.pending = append(b.pending, r)
		if len(b.pending) < b.size {
			continue
		}
		block := string(b.pending)
		b.pending = b.pending[:0]
		if ev := b.addBlock(block); ev != nil {
			return ev
		}
	}
	return nil
}

func (b *blockDetector) addBlock(block string) *DetectionEvent {
	h := xxhash.Sum64String(block)
	if n := len(b.history); n > 0 && b.history[n-1] == h && block != b.last {
		// Hash collision: equal hashes over different text must not extend
		// the run.
		b.history = b.history[:0]
	}
	b.last = block
	b.history = append(b.history, h)
	if len(b.history) > b.maxHistory {
		b.history = append(b.history[:0], b.history[len(b.history)-b.maxHistory:]...)
	}

	n := b.trailingRun()
	if n < b.threshold || whitelisted(block, b.whitelist) {
		return nil
	}
	b.history = b.history[:0]
	b.last = ""
	return &DetectionEvent{
		Pattern:       sanitizePattern(block),
		PatternLength: b.size,
		RepeatCount:   n,
	}
}

func (b *blockDetector) trailingRun() int {
	if len(b.history) == 0 {
		return 0
	}
	last := b.history[len(b.history)-1]
	n := 0
	for i := len(b.history) - 1; i >= 0 && b.history[i] == last; i-- {
		n++
	}
	return n
}

func (b *blockDetector) Reset() {
	b.pending = b.pending[:0]
	b.history = b.history[:0]
	b.last = ""
}
