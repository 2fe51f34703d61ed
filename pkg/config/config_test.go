package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/loopguard/pkg/toolloop"
)

func ptr[T any](v T) *T { return &v }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loopguard.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/loopguard.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("LOOPGUARD_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
log_level: debug
cancel_grace: 500ms
server:
  content_loop_threshold: 8
  tool_loop_mode: chance_then_break
models:
  "openai:gpt-4o":
    max_pattern_length: 200
  claude-sonnet-4-6:
    loop_detection_enabled: false
providers:
  openai:
    api_key: ${LOOPGUARD_TEST_KEY}
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", f.LogLevel)
	}
	if f.CancelGrace != 500*time.Millisecond {
		t.Errorf("CancelGrace = %v, want 500ms", f.CancelGrace)
	}
	if f.SessionIdleTTL != defaultSessionIdleTTL {
		t.Errorf("SessionIdleTTL = %v, want default %v", f.SessionIdleTTL, defaultSessionIdleTTL)
	}
	if got := f.Provider("openai").APIKey; got != "sk-from-env" {
		t.Errorf("openai api key = %q, want env expansion", got)
	}
	if f.Server.ToolLoopMode == nil || *f.Server.ToolLoopMode != toolloop.ModeChanceThenBreak {
		t.Errorf("server tool_loop_mode = %v, want chance_then_break", f.Server.ToolLoopMode)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad mode", "server:\n  tool_loop_mode: sometimes\n", "unknown tool loop mode"},
		{"zero repeats", "server:\n  tool_loop_max_repeats: 0\n", "tool_loop_max_repeats must be positive"},
		{"negative ttl", "models:\n  m:\n    tool_loop_ttl_seconds: -1\n", "tool_loop_ttl_seconds must not be negative"},
		{"bad level", "log_level: loud\n", "unknown log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	f := Default()
	f.Server = Overrides{ContentLoopThreshold: ptr(8), ToolLoopMaxRepeats: ptr(6)}
	f.Models = map[string]Overrides{
		"openai:gpt-4o":     {ContentLoopThreshold: ptr(12), BufferSize: ptr(4096)},
		"claude-sonnet-4-6": {ToolLoopTTLSeconds: ptr(30)},
	}
	r := NewResolver(f)

	s := r.Resolve("openai:gpt-4o", Overrides{})
	if s.Loop.ContentLoopThreshold != 12 || s.Loop.BufferSize != 4096 {
		t.Errorf("model tier not applied: %+v", s.Loop)
	}
	if s.ToolLoop.MaxRepeats != 6 {
		t.Errorf("server tier not applied: MaxRepeats = %d", s.ToolLoop.MaxRepeats)
	}

	s = r.Resolve("openai:gpt-4o", Overrides{ContentLoopThreshold: ptr(3)})
	if s.Loop.ContentLoopThreshold != 3 {
		t.Errorf("session tier must win: threshold = %d", s.Loop.ContentLoopThreshold)
	}

	s = r.Resolve("anthropic:claude-sonnet-4-6", Overrides{})
	if s.ToolLoop.TTL != 30*time.Second {
		t.Errorf("bare model name lookup failed: TTL = %v", s.ToolLoop.TTL)
	}

	s = r.Resolve("gemini:gemini-2.0-flash", Overrides{})
	if s.Loop.ContentLoopThreshold != 8 || s.Loop.MaxPatternLength != Defaults().Loop.MaxPatternLength {
		t.Errorf("unknown model should fall back to server then built-ins: %+v", s.Loop)
	}
}

func TestResolve_SnapshotsAreIndependent(t *testing.T) {
	r := NewResolver(nil)
	a := r.Resolve("openai:gpt-4o", Overrides{})
	a.Loop.Whitelist[0] = "mutated"
	b := r.Resolve("openai:gpt-4o", Overrides{})
	if b.Loop.Whitelist[0] == "mutated" {
		t.Fatal("snapshots must not share the whitelist slice")
	}
}

func TestResolve_ClampsUnsafeSessionValues(t *testing.T) {
	r := NewResolver(nil)
	s := r.Resolve("openai:gpt-4o", Overrides{
		ToolLoopMaxRepeats: ptr(-1),
		ToolLoopTTLSeconds: ptr(0),
		BufferSize:         ptr(0),
	})
	if s.ToolLoop.MaxRepeats != 2 || s.ToolLoop.TTL != time.Second {
		t.Errorf("tool loop not clamped: %+v", s.ToolLoop)
	}
	if s.Loop.BufferSize != 1 {
		t.Errorf("buffer not clamped: %d", s.Loop.BufferSize)
	}
}

func TestExplicit_RoundTripsThroughYAML(t *testing.T) {
	want := NewResolver(nil).Resolve("openai:gpt-4o", Overrides{ToolLoopMode: ptr(toolloop.ModeChanceThenBreak)})
	data, err := yaml.Marshal(Explicit(want))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), "tool_loop_mode: chance_then_break") {
		t.Errorf("yaml output missing mode:\n%s", data)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := o.Apply(Settings{})
	if got.ToolLoop != want.ToolLoop || got.Loop.ContentLoopThreshold != want.Loop.ContentLoopThreshold {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace)
	logger.Log(t.Context(), LevelTrace, "chunk")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace level not renamed: %s", buf.String())
	}
}
