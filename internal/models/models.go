// Package models validates and lists the agent models a session may use.
package models

import (
	"errors"
	"strings"
	"sync"
)

// ErrUnknownModel is returned for ids outside the configured list.
var ErrUnknownModel = errors.New("unknown model")

// Model is one selectable model.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

// Registry holds the configured models and the default for new sessions.
type Registry struct {
	mu     sync.RWMutex
	models []Model
	index  map[string]int
	def    string
}

// NewRegistry builds a registry. Empty names fall back to the id and empty
// providers are inferred from the id. If def is not in the list the first
// model becomes the default.
func NewRegistry(list []Model, def string) *Registry {
	r := &Registry{index: make(map[string]int, len(list))}
	for _, m := range list {
		id := normalize(m.ID)
		if id == "" {
			continue
		}
		if _, dup := r.index[id]; dup {
			continue
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		if m.Provider == "" {
			m.Provider = ResolveProvider(m.ID, m.Name)
		}
		m.ID = id
		r.index[id] = len(r.models)
		r.models = append(r.models, m)
	}

	if _, ok := r.index[normalize(def)]; ok {
		r.def = normalize(def)
	} else if len(r.models) > 0 {
		r.def = r.models[0].ID
	}
	return r
}

// Normalize returns the canonical id for model, or ErrUnknownModel.
func (r *Registry) Normalize(model string) (string, error) {
	id := normalize(model)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.index[id]; !ok {
		return "", ErrUnknownModel
	}
	return id, nil
}

// Default returns the model id assigned to new sessions.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// SetDefault changes the model assigned to new sessions.
func (r *Registry) SetDefault(model string) (string, error) {
	id, err := r.Normalize(model)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.def = id
	r.mu.Unlock()
	return id, nil
}

// List returns a copy of the configured models in configuration order.
func (r *Registry) List() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Model, len(r.models))
	copy(out, r.models)
	return out
}

// ResolveProvider guesses the vendor of a model from its id and name.
func ResolveProvider(id, name string) string {
	text := strings.ToLower(id + " " + name)
	switch {
	case strings.Contains(text, "claude"):
		return "Anthropic"
	case strings.Contains(text, "gpt"), strings.Contains(text, "openai"),
		strings.Contains(text, "o1"), strings.Contains(text, "o3"), strings.Contains(text, "o4"):
		return "OpenAI"
	case strings.Contains(text, "gemini"), strings.Contains(text, "google"):
		return "Google"
	default:
		return "Unknown"
	}
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
