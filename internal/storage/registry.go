package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Factory builds a Backend from its raw JSON settings.
type Factory func(ctx context.Context, raw json.RawMessage) (Backend, error)

// Registry maps driver identifiers to factories. It is filled once at
// startup and only read afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id, replacing any previous one.
func (r *Registry) Register(id string, f Factory) {
	r.factories[id] = f
}

// Drivers returns the registered driver ids in sorted order.
func (r *Registry) Drivers() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Supports reports whether id has a registered factory.
func (r *Registry) Supports(id string) bool {
	_, ok := r.factories[id]
	return ok
}

// Open creates a Backend for driver id from raw settings.
func (r *Registry) Open(ctx context.Context, id string, raw json.RawMessage) (Backend, error) {
	f, ok := r.factories[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotSupported, id)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	b, err := f(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", id, err)
	}
	return b, nil
}
