// Package registry manages YetiLink's compile-time module composition:
// registration, dependency validation, ordered lifecycle, and route
// collection.
package registry

import (
	"context"
	"fmt"

	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

// Registry holds registered modules and drives their lifecycle in
// dependency order.
type Registry struct {
	logger  *zap.Logger
	plugins map[string]plugin.Plugin
	order   []string // Registration order; init order is computed.
	started []string // Successfully started modules, in start order.
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger,
		plugins: make(map[string]plugin.Plugin),
	}
}

// Register adds a module. Empty names, duplicate names, and API version
// mismatches are rejected.
func (r *Registry) Register(p plugin.Plugin) error {
	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("register module: empty name")
	}
	if _, exists := r.plugins[info.Name]; exists {
		return fmt.Errorf("register module %q: already registered", info.Name)
	}
	if info.APIVersion != plugin.APIVersionCurrent {
		return fmt.Errorf("register module %q: API version %d, want %d",
			info.Name, info.APIVersion, plugin.APIVersionCurrent)
	}

	r.plugins[info.Name] = p
	r.order = append(r.order, info.Name)
	r.logger.Debug("registered module",
		zap.String("module", info.Name),
		zap.String("version", info.Version),
	)
	return nil
}

// Validate checks that every declared dependency is registered and that the
// dependency graph has no cycles.
func (r *Registry) Validate() error {
	_, err := r.initOrder()
	return err
}

// All returns the registered modules in registration order.
func (r *Registry) All() []plugin.Plugin {
	out := make([]plugin.Plugin, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.plugins[name])
	}
	return out
}

// Get returns the named module, or nil when absent.
func (r *Registry) Get(name string) plugin.Plugin {
	return r.plugins[name]
}

// AllRoutes collects the HTTP routes of every module implementing
// HTTPProvider, keyed by module name.
func (r *Registry) AllRoutes() map[string][]plugin.Route {
	routes := make(map[string][]plugin.Route)
	for name, p := range r.plugins {
		if hp, ok := p.(plugin.HTTPProvider); ok {
			routes[name] = hp.Routes()
		}
	}
	return routes
}

// InitAll initializes every module in dependency order. depsFor supplies
// the per-module dependency bundle (pre-named logger, config subtree).
func (r *Registry) InitAll(ctx context.Context, depsFor func(name string) plugin.Dependencies) error {
	order, err := r.initOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		p := r.plugins[name]
		if err := p.Init(ctx, depsFor(name)); err != nil {
			return fmt.Errorf("init module %q: %w", name, err)
		}
		if v, ok := p.(plugin.Validator); ok {
			if err := v.ValidateConfig(); err != nil {
				return fmt.Errorf("validate module %q config: %w", name, err)
			}
		}
		r.logger.Info("module initialized", zap.String("module", name))
	}
	return nil
}

// StartAll installs declared event subscriptions, then starts every module
// in init order. On failure, already-started modules are stopped in reverse.
func (r *Registry) StartAll(ctx context.Context, bus plugin.EventBus) error {
	order, err := r.initOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		if es, ok := r.plugins[name].(plugin.EventSubscriber); ok {
			for _, sub := range es.Subscriptions() {
				bus.Subscribe(sub.Topic, sub.Handler)
			}
		}
	}

	for _, name := range order {
		if err := r.plugins[name].Start(ctx); err != nil {
			r.StopAll(ctx)
			return fmt.Errorf("start module %q: %w", name, err)
		}
		r.started = append(r.started, name)
		r.logger.Info("module started", zap.String("module", name))
	}
	return nil
}

// StopAll stops started modules in reverse start order. Errors are logged,
// not propagated, so one stuck module cannot block shutdown of the rest.
func (r *Registry) StopAll(ctx context.Context) {
	for i := len(r.started) - 1; i >= 0; i-- {
		name := r.started[i]
		if err := r.plugins[name].Stop(ctx); err != nil {
			r.logger.Error("module stop failed",
				zap.String("module", name),
				zap.Error(err),
			)
		}
	}
	r.started = nil
}

// initOrder topologically sorts modules by declared dependencies,
// preserving registration order among independent modules.
func (r *Registry) initOrder() ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(r.plugins))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("module dependency cycle through %q", name)
		}
		state[name] = visiting

		p, ok := r.plugins[name]
		if !ok {
			return fmt.Errorf("module %q not registered", name)
		}
		for _, dep := range p.Info().Dependencies {
			if _, ok := r.plugins[dep]; !ok {
				return fmt.Errorf("module %q depends on unregistered module %q", name, dep)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range r.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
