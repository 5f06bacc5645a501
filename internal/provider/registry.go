// Package provider keeps the platform adapters and the plumbing they share: the priority registry, rate
// budgets and HTTP error mapping.
package provider

import (
	"fmt"
	"slices"

	"github.com/italolelis/audio_fetcher/internal/media"
)

// Registry holds one adapter per platform and the order in which free-text queries visit them.
type Registry struct {
	adapters map[media.Platform]media.Adapter
	priority []media.Platform
}

// NewRegistry creates an empty registry searching platforms in the given order.
func NewRegistry(priority []media.Platform) *Registry {
	return &Registry{
		adapters: make(map[media.Platform]media.Adapter),
		priority: slices.Clone(priority),
	}
}

// Register adds a, replacing any adapter already registered for its platform. Platforms missing from the
// priority list still answer direct links but are searched last.
func (r *Registry) Register(a media.Adapter) {
	p := a.Platform()
	r.adapters[p] = a

	if !slices.Contains(r.priority, p) {
		r.priority = append(r.priority, p)
	}
}

// Get returns the adapter of p.
func (r *Registry) Get(p media.Platform) (media.Adapter, bool) {
	a, ok := r.adapters[p]

	return a, ok
}

// Ordered returns the registered adapters in search order.
func (r *Registry) Ordered() []media.Adapter {
	out := make([]media.Adapter, 0, len(r.adapters))

	for _, p := range r.priority {
		if a, ok := r.adapters[p]; ok {
			out = append(out, a)
		}
	}

	return out
}

// Platforms returns the registered platforms in search order.
func (r *Registry) Platforms() []media.Platform {
	out := make([]media.Platform, 0, len(r.adapters))

	for _, a := range r.Ordered() {
		out = append(out, a.Platform())
	}

	return out
}

// MatchURL picks the first adapter, in search order, whose link pattern matches rawURL.
func (r *Registry) MatchURL(rawURL string) (media.Adapter, error) {
	for _, a := range r.Ordered() {
		if a.Match(rawURL) {
			return a, nil
		}
	}

	return nil, &media.UnsupportedError{Input: rawURL, Reason: "no adapter matches this link"}
}

// ForRequest returns the adapters a request may use: the hinted platform alone, or every adapter in order.
func (r *Registry) ForRequest(hint media.Platform) ([]media.Adapter, error) {
	if hint == "" {
		return r.Ordered(), nil
	}

	a, ok := r.adapters[hint]
	if !ok {
		return nil, &media.UnsupportedError{Input: hint.String(), Reason: fmt.Sprintf("platform %s is not enabled", hint)}
	}

	return []media.Adapter{a}, nil
}
