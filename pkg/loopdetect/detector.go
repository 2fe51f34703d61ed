package loopdetect

import (
	"log/slog"
	"time"
)

// chunkMatcher is satisfied by the rolling Matcher and the block fallback.
type chunkMatcher interface {
	AddChunk(text string) *DetectionEvent
	Reset()
}

// ContentDetector feeds one session's output through a StreamBuffer and a
// Matcher. It is not safe for concurrent use: chunks of one stream must be
// processed in order by a single goroutine.
type ContentDetector struct {
	cfg       Config
	sessionID string
	now       func() time.Time

	buf     *StreamBuffer
	matcher chunkMatcher
}

// Option configures a ContentDetector.
type Option func(*ContentDetector)

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *ContentDetector) { d.now = now }
}

// NewContentDetector creates a detector for one session. A disabled config
// yields a detector that never allocates.
func NewContentDetector(cfg Config, sessionID string, opts ...Option) *ContentDetector {
	if !cfg.Enabled {
		return &ContentDetector{}
	}
	d := &ContentDetector{
		cfg:       cfg.Normalize(),
		sessionID: sessionID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsEnabled reports whether the detector does any work.
func (d *ContentDetector) IsEnabled() bool {
	return d != nil && d.cfg.Enabled
}

// ProcessChunk feeds one chunk and returns a DetectionEvent if it completes
// a loop. After a detection the counters start over.
func (d *ContentDetector) ProcessChunk(chunk string) *DetectionEvent {
	if !d.IsEnabled() || chunk == "" {
		return nil
	}
	if d.matcher == nil {
		d.init()
	}
	ev := d.matcher.AddChunk(chunk)
	if ev == nil {
		return nil
	}
	ev.SessionID = d.sessionID
	ev.Timestamp = d.now()
	return ev
}

// ProcessText feeds text in ChunkSize-rune pieces, the way a stream would
// deliver it, and stops at the first detection. The returned offset is the
// byte index just past the piece that completed the loop, or len(text).
func (d *ContentDetector) ProcessText(text string) (*DetectionEvent, int) {
	if !d.IsEnabled() {
		return nil, len(text)
	}
	start, n := 0, 0
	for i := range text {
		if n == d.cfg.ChunkSize {
			if ev := d.ProcessChunk(text[start:i]); ev != nil {
				return ev, i
			}
			start, n = i, 0
		}
		n++
	}
	if start < len(text) {
		if ev := d.ProcessChunk(text[start:]); ev != nil {
			return ev, len(text)
		}
	}
	return nil, len(text)
}

// Reset discards buffered text and all counters. Replaying the same chunks
// after Reset reproduces the same detections.
func (d *ContentDetector) Reset() {
	if !d.IsEnabled() || d.matcher == nil {
		return
	}
	d.buf.Reset()
	d.matcher.Reset()
}

// BufferLen returns the number of runes currently buffered.
func (d *ContentDetector) BufferLen() int {
	if d == nil || d.buf == nil {
		return 0
	}
	return d.buf.Len()
}

func (d *ContentDetector) init() {
	d.buf = NewStreamBuffer(d.cfg.BufferSize, d.cfg.MaxPatternLength)
	m, err := NewMatcher(d.cfg, d.buf)
	if err != nil {
		slog.Warn("rolling matcher unavailable, using block detector", "session", d.sessionID, "error", err)
		d.matcher = newBlockDetector(d.cfg)
		return
	}
	d.matcher = m
}
