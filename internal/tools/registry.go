package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/eleven-am/voice-live/internal/protocol"
	"github.com/eleven-am/voice-live/internal/shared"
)

type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	order    []string
	declarer Declarer
}

func NewRegistry(declarer Declarer) *Registry {
	if declarer == nil {
		declarer = Passthrough
	}
	return &Registry{
		tools:    make(map[string]Tool),
		declarer: declarer,
	}
}

// Register adds tools, replacing any earlier tool with the same name.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		if t.Name == "" {
			return shared.NewError(shared.CodeInvalidState, "tool name is required")
		}
		if t.Execute == nil {
			return shared.Errorf(shared.CodeInvalidState, "tool %q has no executor", t.Name)
		}
		if _, exists := r.tools[t.Name]; !exists {
			r.order = append(r.order, t.Name)
		}
		r.tools[t.Name] = t
	}
	return nil
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Declarations renders every tool, in registration order, as one protocol
// tool block. It returns nil when nothing is registered.
func (r *Registry) Declarations() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return nil
	}
	decls := make([]protocol.FunctionDeclaration, 0, len(r.order))
	for _, name := range r.order {
		decls = append(decls, r.declarer.Declare(r.tools[name]))
	}
	return []protocol.Tool{{FunctionDeclarations: decls}}
}

// Execute runs the named tool. A panicking tool is reported as an
// execution error.
func (r *Registry) Execute(ctx context.Context, ec ExecutionContext, name string, args map[string]any) (result any, err error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, shared.Errorf(shared.CodeToolNotFound, "tool %q is not registered", name).
			WithDetails(map[string]any{"tool": name, "call_id": ec.CallID})
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = shared.Errorf(shared.CodeToolExecutionError, "tool %q panicked: %v", name, rec)
		}
	}()

	if args == nil {
		args = map[string]any{}
	}
	result, err = t.Execute(ctx, ec, args)
	if err != nil {
		return nil, shared.Wrap(shared.CodeToolExecutionError, fmt.Sprintf("tool %q failed", name), err)
	}
	return result, nil
}
