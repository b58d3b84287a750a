package iface

import (
	"github.com/fairyhunter13/llm-manager/internal/domain"
)

// Registry maps model modes to their interface plugin.
type Registry struct {
	plugins map[domain.ModelMode]domain.InterfacePlugin
}

// NewRegistry builds the registry with all built-in mode plugins.
func NewRegistry() *Registry {
	r := &Registry{plugins: make(map[domain.ModelMode]domain.InterfacePlugin, 4)}
	for _, mode := range []domain.ModelMode{
		domain.ModeChat, domain.ModeBase, domain.ModeEmbedding, domain.ModeReranker,
	} {
		if p, ok := New(mode); ok {
			r.plugins[mode] = p
		}
	}
	return r
}

// Register adds or replaces the plugin for its mode.
func (r *Registry) Register(p domain.InterfacePlugin) {
	r.plugins[p.Mode()] = p
}

// Get returns the plugin for mode.
func (r *Registry) Get(mode domain.ModelMode) (domain.InterfacePlugin, bool) {
	p, ok := r.plugins[mode]
	return p, ok
}
