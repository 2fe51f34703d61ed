package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
	"github.com/ravi-parthasarathy/loopguard/pkg/loopdetect"
	"github.com/ravi-parthasarathy/loopguard/pkg/toolloop"
)

// Settings is the resolved, immutable configuration for one request.
type Settings struct {
	Loop     loopdetect.Config
	ToolLoop toolloop.Config
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		Loop:     loopdetect.DefaultConfig(),
		ToolLoop: toolloop.DefaultConfig(),
	}
}

// Clone returns a deep copy.
func (s Settings) Clone() Settings {
	s.Loop.Whitelist = slices.Clone(s.Loop.Whitelist)
	return s
}

// Overrides is one configuration tier. Nil fields inherit from the tier
// below.
type Overrides struct {
	LoopDetectionEnabled *bool    `yaml:"loop_detection_enabled,omitempty"`
	BufferSize           *int     `yaml:"buffer_size,omitempty"`
	MaxPatternLength     *int     `yaml:"max_pattern_length,omitempty"`
	ContentChunkSize     *int     `yaml:"content_chunk_size,omitempty"`
	ContentLoopThreshold *int     `yaml:"content_loop_threshold,omitempty"`
	MaxHistoryLength     *int     `yaml:"max_history_length,omitempty"`
	LoopWhitelist        []string `yaml:"loop_whitelist,omitempty"`

	ToolLoopDetectionEnabled *bool          `yaml:"tool_loop_detection_enabled,omitempty"`
	ToolLoopMaxRepeats       *int           `yaml:"tool_loop_max_repeats,omitempty"`
	ToolLoopTTLSeconds       *int           `yaml:"tool_loop_ttl_seconds,omitempty"`
	ToolLoopMode             *toolloop.Mode `yaml:"tool_loop_mode,omitempty"`
}

// Apply layers o over s and returns the result. s is not modified.
func (o Overrides) Apply(s Settings) Settings {
	s = s.Clone()
	setBool(&s.Loop.Enabled, o.LoopDetectionEnabled)
	setInt(&s.Loop.BufferSize, o.BufferSize)
	setInt(&s.Loop.MaxPatternLength, o.MaxPatternLength)
	setInt(&s.Loop.ChunkSize, o.ContentChunkSize)
	setInt(&s.Loop.ContentLoopThreshold, o.ContentLoopThreshold)
	setInt(&s.Loop.MaxHistoryLength, o.MaxHistoryLength)
	if o.LoopWhitelist != nil {
		s.Loop.Whitelist = slices.Clone(o.LoopWhitelist)
	}

	setBool(&s.ToolLoop.Enabled, o.ToolLoopDetectionEnabled)
	setInt(&s.ToolLoop.MaxRepeats, o.ToolLoopMaxRepeats)
	if o.ToolLoopTTLSeconds != nil {
		s.ToolLoop.TTL = time.Duration(*o.ToolLoopTTLSeconds) * time.Second
	}
	if o.ToolLoopMode != nil {
		s.ToolLoop.Mode = *o.ToolLoopMode
	}
	return s
}

// Validate rejects non-positive sizes and negative TTLs.
func (o Overrides) Validate() error {
	var errs []error
	positive := map[string]*int{
		"buffer_size":            o.BufferSize,
		"max_pattern_length":     o.MaxPatternLength,
		"content_chunk_size":     o.ContentChunkSize,
		"content_loop_threshold": o.ContentLoopThreshold,
		"max_history_length":     o.MaxHistoryLength,
		"tool_loop_max_repeats":  o.ToolLoopMaxRepeats,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if v := positive[name]; v != nil && *v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, *v))
		}
	}
	if o.ToolLoopTTLSeconds != nil && *o.ToolLoopTTLSeconds < 0 {
		errs = append(errs, fmt.Errorf("tool_loop_ttl_seconds must not be negative, got %d", *o.ToolLoopTTLSeconds))
	}
	return errors.Join(errs...)
}

// Explicit returns Overrides with every field set from s, for display.
func Explicit(s Settings) Overrides {
	ttl := int(s.ToolLoop.TTL / time.Second)
	mode := s.ToolLoop.Mode
	return Overrides{
		LoopDetectionEnabled:     &s.Loop.Enabled,
		BufferSize:               &s.Loop.BufferSize,
		MaxPatternLength:         &s.Loop.MaxPatternLength,
		ContentChunkSize:         &s.Loop.ChunkSize,
		ContentLoopThreshold:     &s.Loop.ContentLoopThreshold,
		MaxHistoryLength:         &s.Loop.MaxHistoryLength,
		LoopWhitelist:            slices.Clone(s.Loop.Whitelist),
		ToolLoopDetectionEnabled: &s.ToolLoop.Enabled,
		ToolLoopMaxRepeats:       &s.ToolLoop.MaxRepeats,
		ToolLoopTTLSeconds:       &ttl,
		ToolLoopMode:             &mode,
	}
}

// Resolver produces Settings snapshots from a loaded File.
type Resolver struct {
	server Settings
	models map[string]Overrides
}

// NewResolver creates a resolver. A nil file means built-in defaults only.
func NewResolver(f *File) *Resolver {
	if f == nil {
		f = Default()
	}
	return &Resolver{
		server: f.Server.Apply(Defaults()),
		models: f.Models,
	}
}

// Resolve returns the snapshot for modelID with session overrides applied.
// Model defaults are looked up by the full "provider:model" ID first, then
// by the bare model name. The result is normalized and safe to share.
func (r *Resolver) Resolve(modelID string, session Overrides) Settings {
	s := r.server
	if o, ok := r.modelOverrides(modelID); ok {
		s = o.Apply(s)
	}
	s = session.Apply(s)
	if s.Loop.Enabled {
		s.Loop = s.Loop.Normalize()
	}
	if s.ToolLoop.Enabled {
		s.ToolLoop = s.ToolLoop.Normalize()
	}
	return s
}

func (r *Resolver) modelOverrides(modelID string) (Overrides, bool) {
	if o, ok := r.models[modelID]; ok {
		return o, true
	}
	if _, name, err := llm.ParseModelID(modelID); err == nil {
		o, ok := r.models[name]
		return o, ok
	}
	return Overrides{}, false
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
