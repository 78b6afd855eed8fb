package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/echojourney/pkg/provider/llm"
	"github.com/MrWong99/echojourney/pkg/provider/scorer"
	"github.com/MrWong99/echojourney/pkg/provider/stt"
	"github.com/MrWong99/echojourney/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factories maps provider names to constructors of one provider kind.
type factories[T any] map[string]func(ProviderEntry) (T, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	llm    factories[llm.Provider]
	stt    factories[stt.Provider]
	tts    factories[tts.Provider]
	scorer factories[scorer.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:    make(factories[llm.Provider]),
		stt:    make(factories[stt.Provider]),
		tts:    make(factories[tts.Provider]),
		scorer: make(factories[scorer.Provider]),
	}
}

func register[T any](r *Registry, m factories[T], name string, factory func(ProviderEntry) (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m[name] = factory
}

func create[T any](r *Registry, m factories[T], kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	register(r, r.llm, name, factory)
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	register(r, r.stt, name, factory)
}

// RegisterTTS registers a TTS provider factory under name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	register(r, r.tts, name, factory)
}

// RegisterScorer registers a pronunciation scorer factory under name.
func (r *Registry) RegisterScorer(name string, factory func(ProviderEntry) (scorer.Provider, error)) {
	register(r, r.scorer, name, factory)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return create(r, r.llm, "llm", entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateScorer instantiates a scorer using the factory registered under entry.Name.
func (r *Registry) CreateScorer(entry ProviderEntry) (scorer.Provider, error) {
	return create(r, r.scorer, "scorer", entry)
}
