// Package tools holds the functions the model may call during a session and
// the capabilities handed to them while they run.
package tools

import (
	"context"

	"github.com/eleven-am/voice-live/internal/protocol"
)

// Executor runs one tool call. The returned value is sent back to the model
// as the call's result.
type Executor func(ctx context.Context, ec ExecutionContext, args map[string]any) (any, error)

type Tool struct {
	Name        string
	Description string
	// Parameters is a schema description in whatever form the configured
	// Declarer understands. The default declarer forwards it unchanged.
	Parameters any
	Execute    Executor
}

// ExecutionContext is what a running tool may use beyond its arguments.
type ExecutionContext struct {
	CallID    string
	SessionID string
	// Forwarder is nil when no agent forwarding is configured.
	Forwarder AgentForwarder
}

// Declarer turns a tool into the declaration sent in the setup frame.
type Declarer interface {
	Declare(t Tool) protocol.FunctionDeclaration
}

type DeclarerFunc func(t Tool) protocol.FunctionDeclaration

func (f DeclarerFunc) Declare(t Tool) protocol.FunctionDeclaration { return f(t) }

// Passthrough uses Tool.Parameters as the declaration's parameter schema.
var Passthrough Declarer = DeclarerFunc(func(t Tool) protocol.FunctionDeclaration {
	return protocol.FunctionDeclaration{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
})
