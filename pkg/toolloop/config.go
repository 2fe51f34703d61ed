// Package toolloop stops models that keep calling the same tool with the
// same arguments.
//
// A Tracker canonicalizes each call into a signature and counts how many
// times in a row, within a TTL, that signature has been seen for a session.
// A Detector applies the configured Mode to those counts.
package toolloop

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects what happens when a tool call crosses the repeat threshold.
type Mode int

const (
	// ModeBreak blocks the offending call immediately.
	ModeBreak Mode = iota
	// ModeChanceThenBreak suppresses the first offending call with guidance
	// and blocks only if the model repeats it once more.
	ModeChanceThenBreak
)

// ParseMode parses "break" or "chance_then_break".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "break", "":
		return ModeBreak, nil
	case "chance_then_break":
		return ModeChanceThenBreak, nil
	default:
		return ModeBreak, fmt.Errorf("unknown tool loop mode %q (valid: break, chance_then_break)", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeBreak:
		return "break"
	case ModeChanceThenBreak:
		return "chance_then_break"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config controls tool-call loop detection.
type Config struct {
	Enabled bool
	// MaxRepeats is the consecutive identical call count that triggers Mode.
	MaxRepeats int
	// TTL is how long a recorded call keeps counting toward a repeat.
	TTL  time.Duration
	Mode Mode
}

// DefaultConfig returns the built-in server defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		MaxRepeats: 4,
		TTL:        120 * time.Second,
		Mode:       ModeBreak,
	}
}

// Normalize clamps MaxRepeats to at least 2 and TTL to at least one second.
func (c Config) Normalize() Config {
	if c.MaxRepeats < 2 {
		c.MaxRepeats = 2
	}
	if c.TTL < time.Second {
		c.TTL = time.Second
	}
	if c.Mode != ModeBreak && c.Mode != ModeChanceThenBreak {
		c.Mode = ModeBreak
	}
	return c
}
