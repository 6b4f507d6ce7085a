package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"termhint/internal/logging"
	"termhint/internal/provider"
)

// Registry holds the available research tools. It is thread-safe and
// supports registration at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Returns an error if a tool with the same name
// already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}
	r.tools[tool.Name] = tool

	logging.ToolsDebug("registered tool: %s", tool.Name)
	return nil
}

// MustRegister registers a tool and panics on error. Use for static
// registration at construction time.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs a tool by name with the given arguments, anchored at cwd.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]string, cwd string) (string, error) {
	tool := r.Get(name)
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	for _, required := range tool.Schema.Required {
		if _, ok := args[required]; !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}

	start := time.Now()
	logging.ToolsDebug("executing tool: %s args=%v", name, args)
	result, err := tool.Execute(ctx, args, cwd)
	logging.ToolsDebug("tool %s completed in %v (success=%v)", name, time.Since(start), err == nil)
	return result, err
}

// Definitions exposes the registered tools as provider tool schemas,
// sorted by name for deterministic request bodies.
func (r *Registry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]provider.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		props := make(map[string]interface{}, len(t.Schema.Properties))
		for pname, p := range t.Schema.Properties {
			props[pname] = map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
		}
		required := t.Schema.Required
		if required == nil {
			required = []string{}
		}
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		})
	}
	return defs
}
