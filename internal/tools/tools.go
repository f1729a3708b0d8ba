// Package tools defines the tool table personas may call during a
// completion exchange. Every tool is a named, typed handler; execution
// never returns an error or panics past the registry boundary, so the
// model always receives a structured result it can react to.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/roundtable/internal/llm"
)

// Handler executes one tool call. A returned error becomes a structured
// failure result; the data map becomes the success payload.
type Handler interface {
	Handle(ctx context.Context, args map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	if r == nil {
		return nil
	}
	return r.tools[name]
}

// AllToolNames returns the registered tool names in sorted order.
func (r *Registry) AllToolNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FilteredCopy returns a registry containing only the named tools.
// Unknown names are skipped. A nil include list copies everything.
func (r *Registry) FilteredCopy(include []string) *Registry {
	out := &Registry{tools: make(map[string]*Tool), logger: r.logger}
	if include == nil {
		for n, t := range r.tools {
			out.tools[n] = t
		}
		return out
	}
	for _, n := range include {
		if t, ok := r.tools[n]; ok {
			out.tools[n] = t
		}
	}
	return out
}

// Declarations returns the function declarations offered to the model,
// sorted by name so requests are deterministic.
func (r *Registry) Declarations() []llm.FunctionDeclaration {
	names := r.AllToolNames()
	if len(names) == 0 {
		return nil
	}
	decls := make([]llm.FunctionDeclaration, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		decls = append(decls, llm.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return decls
}

// Execute runs a tool by name. It always returns a Result: unknown
// tools, handler errors and handler panics all become failures.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	t := r.Get(name)
	if t == nil || t.Handler == nil {
		return Failure(ErrNotFound)
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			res = Failure(fmt.Errorf("tool %s panicked: %v", name, p))
		}
		r.logger.Debug("tool executed",
			"tool", name,
			"ok", res.Success,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	}()

	data, err := t.Handler.Handle(ctx, args)
	if err != nil {
		return Failure(err)
	}
	return Success(data)
}
