// Package config loads loopguard configuration and resolves the tiered
// settings snapshot used for each request.
//
// Precedence, highest first: session overrides, per-model defaults, server
// defaults from the config file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/loopguard/pkg/llm"
)

const (
	defaultCancelGrace    = 2 * time.Second
	defaultSessionIdleTTL = 30 * time.Minute
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given.
func DefaultSearchPaths() []string {
	paths := []string{"loopguard.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "loopguard", "config.yaml"))
	}
	return append(paths, "/etc/loopguard/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// File is the on-disk configuration.
type File struct {
	// Server overrides the built-in defaults for every request.
	Server Overrides `yaml:"server"`
	// Models holds per-model defaults keyed by "provider:model" or bare model name.
	Models map[string]Overrides `yaml:"models"`
	// Providers holds backend connection settings keyed by provider name.
	Providers map[string]llm.ProviderConfig `yaml:"providers"`

	LogLevel string `yaml:"log_level"`
	// CancelGrace bounds how long a stream waits for upstream cancellation.
	CancelGrace time.Duration `yaml:"cancel_grace"`
	// SessionIdleTTL is how long an idle session keeps its detection state.
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`
}

// Default returns a configuration with no overrides.
func Default() *File {
	return &File{
		LogLevel:       "info",
		CancelGrace:    defaultCancelGrace,
		SessionIdleTTL: defaultSessionIdleTTL,
	}
}

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded before parsing.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return f, nil
}

// Validate reports every out-of-range value in the file.
func (f *File) Validate() error {
	var errs []error
	if _, err := ParseLogLevel(f.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if f.CancelGrace < 0 {
		errs = append(errs, fmt.Errorf("cancel_grace must not be negative"))
	}
	if f.SessionIdleTTL < 0 {
		errs = append(errs, fmt.Errorf("session_idle_ttl must not be negative"))
	}
	if err := f.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	for name, o := range f.Models {
		if err := o.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("models[%s]: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Provider returns the connection settings for a provider, zero if unset.
func (f *File) Provider(name string) llm.ProviderConfig {
	if f == nil {
		return llm.ProviderConfig{}
	}
	return f.Providers[name]
}
