// Package loopdetect finds runs of repeated text in streaming model output.
//
// A ContentDetector owns a bounded StreamBuffer and a rolling-hash Matcher.
// Chunks are fed in arrival order; the detector reports a DetectionEvent as
// soon as some substring of length 1..MaxPatternLength has repeated
// ContentLoopThreshold times back to back.
package loopdetect

const (
	defaultBufferSize       = 2048
	defaultMaxPatternLength = 500
	defaultChunkSize        = 50
	defaultThreshold        = 10
	defaultMaxHistoryLength = 4096
)

// Config controls content loop detection for one session or request.
type Config struct {
	Enabled bool
	// BufferSize is the number of runes of recent output kept for pattern
	// recovery. The buffer always retains at least 2*MaxPatternLength runes.
	BufferSize int
	// MaxPatternLength is the longest repeating unit considered, in runes.
	MaxPatternLength int
	// ChunkSize is the block size used by the degraded block detector.
	ChunkSize int
	// ContentLoopThreshold is the number of consecutive repeats that
	// constitutes a loop.
	ContentLoopThreshold int
	// MaxHistoryLength bounds the block-hash history of the degraded detector.
	MaxHistoryLength int
	// Whitelist holds substrings that never count as a loop, e.g. markdown rules.
	Whitelist []string
}

// DefaultConfig returns the built-in server defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		BufferSize:           defaultBufferSize,
		MaxPatternLength:     defaultMaxPatternLength,
		ChunkSize:            defaultChunkSize,
		ContentLoopThreshold: defaultThreshold,
		MaxHistoryLength:     defaultMaxHistoryLength,
		Whitelist:            []string{"...", "---", "===", "___", "***", "```"},
	}
}

// Normalize clamps every field to a safe minimum. It never fails; validating
// user input is the config resolver's job.
func (c Config) Normalize() Config {
	if c.BufferSize < 1 {
		c.BufferSize = 1
	}
	if c.MaxPatternLength < 1 {
		c.MaxPatternLength = 1
	}
	if c.ChunkSize < 1 {
		c.ChunkSize = 1
	}
	if c.ContentLoopThreshold < 2 {
		c.ContentLoopThreshold = 2
	}
	if c.MaxHistoryLength < c.ContentLoopThreshold {
		c.MaxHistoryLength = c.ContentLoopThreshold
	}
	return c
}
