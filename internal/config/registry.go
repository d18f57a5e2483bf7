package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/agrivoice/pkg/provider/stt"
	"github.com/MrWong99/agrivoice/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps engine names to constructors. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[string]func(ProviderEntry) (stt.Recognizer, error)
	synthesizer map[string]func(ProviderEntry) (tts.Engine, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		recognizers: make(map[string]func(ProviderEntry) (stt.Recognizer, error)),
		synthesizer: make(map[string]func(ProviderEntry) (tts.Engine, error)),
	}
}

// RegisterRecognizer registers a recognition engine factory under name.
// Registering the same name again overwrites the previous factory.
func (r *Registry) RegisterRecognizer(name string, factory func(ProviderEntry) (stt.Recognizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[name] = factory
}

// RegisterSynthesizer registers a synthesis engine factory under name.
func (r *Registry) RegisterSynthesizer(name string, factory func(ProviderEntry) (tts.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesizer[name] = factory
}

// CreateRecognizer instantiates the recognition engine registered under
// entry.Name.
func (r *Registry) CreateRecognizer(entry ProviderEntry) (stt.Recognizer, error) {
	r.mu.RLock()
	factory, ok := r.recognizers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: recognition/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateSynthesizer instantiates the synthesis engine registered under
// entry.Name.
func (r *Registry) CreateSynthesizer(entry ProviderEntry) (tts.Engine, error) {
	r.mu.RLock()
	factory, ok := r.synthesizer[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesis/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Recognizers returns the registered recognition engine names, sorted.
func (r *Registry) Recognizers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.recognizers))
	for n := range r.recognizers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
