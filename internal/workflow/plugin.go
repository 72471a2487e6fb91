package workflow

import (
	"context"
	"sync"

	"github.com/donkeylabs/execore/internal/errorsx"
)

// Plugin is one named service made available to step handlers through the
// step context. Plugins carrying an Init hook are initialized once by the
// subprocess bootstrap of an isolated workflow; the in-process engine does
// not call Init.
type Plugin struct {
	Name string
	// Init runs once, before an isolated run's first step. config is the
	// definition's PluginConfigs entry for this name, if any.
	Init func(ctx context.Context, config any) error
	// Service is the value handed to handlers via StepContext.Plugin.
	Service any
}

// PluginRegistry is the dynamic name->service map for plugins.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{plugins: make(map[string]*Plugin)}
}

// Register adds a plugin. Duplicate names fail with AlreadyRegistered.
func (r *PluginRegistry) Register(p *Plugin) error {
	if p == nil || p.Name == "" {
		return errorsx.InvalidID("plugin")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name]; exists {
		return errorsx.AlreadyRegistered(p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Get returns a plugin's service value.
func (r *PluginRegistry) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, false
	}
	return p.Service, true
}

// Init runs every plugin's Init hook with its bound config.
func (r *PluginRegistry) Init(ctx context.Context, configs map[string]any) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, p := range r.plugins {
		if p.Init == nil {
			continue
		}
		if err := p.Init(ctx, configs[name]); err != nil {
			return err
		}
	}
	return nil
}

// Names lists registered plugin names.
func (r *PluginRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	return out
}
