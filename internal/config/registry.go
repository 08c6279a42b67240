package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/thakkir/pkg/audio"
	"github.com/MrWong99/thakkir/pkg/provider/stt"
)

// ErrProviderNotRegistered means no factory exists for the configured name,
// typically because the build lacks it (see the whispercpp tag).
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

type factories[T any] struct {
	kind   string
	mu     sync.RWMutex
	byName map[string]Factory[T]
}

func newFactories[T any](kind string) *factories[T] {
	return &factories[T]{kind: kind, byName: make(map[string]Factory[T])}
}

func (f *factories[T]) register(name string, fn Factory[T]) {
	f.mu.Lock()
	f.byName[name] = fn
	f.mu.Unlock()
}

func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	f.mu.RLock()
	fn, ok := f.byName[entry.Name]
	f.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, entry.Name)
	}
	return fn(entry)
}

func (f *factories[T]) names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.byName))
}

// Registry maps provider names to factories, one namespace per kind. Safe
// for concurrent use. Registering a name twice keeps the last factory.
type Registry struct {
	stt   *factories[stt.Provider]
	audio *factories[audio.Source]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stt:   newFactories[stt.Provider]("stt"),
		audio: newFactories[audio.Source]("audio"),
	}
}

func (r *Registry) RegisterSTT(name string, fn Factory[stt.Provider]) { r.stt.register(name, fn) }
func (r *Registry) RegisterAudio(name string, fn Factory[audio.Source]) { r.audio.register(name, fn) }

// CreateSTT builds the speech provider entry names. It wraps
// [ErrProviderNotRegistered] for unknown names.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) { return r.stt.create(entry) }

// CreateAudio builds the capture source entry names.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Source, error) {
	return r.audio.create(entry)
}

// STTNames lists registered speech providers, sorted.
func (r *Registry) STTNames() []string { return r.stt.names() }

// AudioNames lists registered capture sources, sorted.
func (r *Registry) AudioNames() []string { return r.audio.names() }
