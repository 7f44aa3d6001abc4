package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parlancehq/parlance/pkg/provider/embeddings"
	"github.com/parlancehq/parlance/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderSettings) (llm.Provider, error)
	embeddings map[string]func(ProviderSettings) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderSettings) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderSettings) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderSettings) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderSettings) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// settings.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateLLM(settings ProviderSettings) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[settings.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, settings.Name)
	}
	return factory(settings)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under settings.Name.
func (r *Registry) CreateEmbeddings(settings ProviderSettings) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[settings.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, settings.Name)
	}
	return factory(settings)
}
