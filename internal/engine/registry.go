package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/a-essam23/go-taskhub/pkg/pipeline"
	"github.com/a-essam23/go-taskhub/pkg/state/statemanager"
)

// Route binds an inbound frame type to its handler.
type Route struct {
	Handler pipeline.HandlerFunc
	// Public routes may run before the connection authenticates.
	Public bool
}

/*
* The central registry for every inbound frame type and every modifier
* that can be attached to one through configuration.
 */
type Registry struct {
	logger *slog.Logger

	routes  map[string]Route
	routeMu sync.RWMutex

	modifiers  map[string]pipeline.ModifierFunc
	modifierMu sync.RWMutex
}

type RegisterCoreOptions struct {
	JWTSecret string
	Store     *statemanager.ModifierStore
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		routes:    make(map[string]Route),
		modifiers: make(map[string]pipeline.ModifierFunc),
		logger:    logger.With(slog.String("component", "engine")),
	}
}

// RegisterCore installs the built-in modifiers.
func (e *Registry) RegisterCore(opts *RegisterCoreOptions) {
	e.RegisterModifier("secure", newSecureModifier(opts.JWTSecret))
	e.RegisterModifier("rate_limit", newRateLimitModifier(e.logger, opts.Store))
	e.logger.Info("Registered core modifiers", slog.Int("count", len(e.modifiers)))
}

// --- Route Methods ---

func (e *Registry) RegisterRoute(eventType string, route Route) {
	e.routeMu.Lock()
	defer e.routeMu.Unlock()
	if route.Handler == nil {
		panic("nil handler for event type: " + eventType)
	}
	if _, exists := e.routes[eventType]; exists {
		panic("handler already registered: " + eventType)
	}
	e.routes[eventType] = route
}

func (e *Registry) Route(eventType string) (Route, bool) {
	e.routeMu.RLock()
	defer e.routeMu.RUnlock()
	r, ok := e.routes[eventType]
	return r, ok
}

// EventTypes lists the registered frame types, sorted.
func (e *Registry) EventTypes() []string {
	e.routeMu.RLock()
	defer e.routeMu.RUnlock()
	keys := make([]string, 0, len(e.routes))
	for k := range e.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Modifier Methods ---

func (e *Registry) RegisterModifier(name string, fn pipeline.ModifierFunc) {
	e.modifierMu.Lock()
	defer e.modifierMu.Unlock()
	if _, exists := e.modifiers[name]; exists {
		panic("modifier function already registered: " + name)
	}
	e.modifiers[name] = fn
}

func (e *Registry) GetModifierFunc(name string) (pipeline.ModifierFunc, bool) {
	e.modifierMu.RLock()
	defer e.modifierMu.RUnlock()
	fn, ok := e.modifiers[name]
	return fn, ok
}
