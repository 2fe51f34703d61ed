package llm

import (
	"context"
	"fmt"
	"sync"
)

// Client is the provider-agnostic backend interface the proxy talks to.
type Client interface {
	// Complete performs a blocking generation and returns the full response.
	Complete(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	// Stream starts streaming generation; events are sent on the returned channel.
	// The channel is closed when generation completes, fails, or ctx is cancelled.
	// Cancelling ctx is how callers stop upstream generation.
	Stream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error)
}

// ProviderConfig carries per-provider connection settings resolved from config.
// Empty fields fall back to the provider's environment defaults.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// ProviderFactory creates a Client for a given model name within a provider.
type ProviderFactory func(modelName string, cfg ProviderConfig) (Client, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ProviderFactory{}
)

// RegisterProvider registers a factory function for a named provider.
// Call this from init() in provider packages.
func RegisterProvider(name string, factory ProviderFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Providers returns the names of all registered providers.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// NewClient constructs a Client for the given model ID of the form
// "provider:model-name".
func NewClient(modelID string, cfg ProviderConfig) (Client, error) {
	provider, modelName, err := ParseModelID(modelID)
	if err != nil {
		return nil, fmt.Errorf("NewClient: %w", err)
	}
	registryMu.RLock()
	factory, ok := registry[provider]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q (model ID %q), did you import the provider package?", provider, modelID)
	}
	return factory(modelName, cfg)
}
