package loopdetect

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"
)

// maxDisplayPattern caps the pattern text placed in user-facing notices.
const maxDisplayPattern = 100

// DetectionEvent describes one detected content loop.
type DetectionEvent struct {
	// Pattern is the repeating unit, sanitized and truncated for display.
	Pattern string `json:"pattern"`
	// PatternLength is the length in runes of the raw repeating unit.
	PatternLength int       `json:"pattern_length"`
	RepeatCount   int       `json:"repeat_count"`
	SessionID     string    `json:"session_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notice renders the terminal message sent to the client when a stream is
// cut short.
func (e *DetectionEvent) Notice() string {
	return fmt.Sprintf("[Response cancelled: Loop detected - Pattern '%s' repeated %d times]", e.Pattern, e.RepeatCount)
}

// LogValue implements slog.LogValuer.
func (e *DetectionEvent) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("pattern", e.Pattern),
		slog.Int("length", e.PatternLength),
		slog.Int("repeats", e.RepeatCount),
		slog.String("session", e.SessionID),
	)
}

// sanitizePattern escapes line breaks and tabs, drops other non-printable
// runes and truncates the result to maxDisplayPattern runes.
func sanitizePattern(s string) string {
	var sb strings.Builder
	n := 0
	for _, r := range s {
		if n >= maxDisplayPattern {
			sb.WriteString("...")
			break
		}
		switch {
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r == '\t':
			sb.WriteString(`\t`)
		case !unicode.IsPrint(r) && r != ' ':
			continue
		default:
			sb.WriteRune(r)
		}
		n++
	}
	return sb.String()
}
