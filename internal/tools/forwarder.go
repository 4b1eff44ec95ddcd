package tools

import (
	"context"
)

// AgentForwarder delegates input to a nested agent and streams its output.
type AgentForwarder interface {
	Invoke(ctx context.Context, agentRef, input string) (<-chan string, error)
}

type ForwarderFunc func(ctx context.Context, agentRef, input string) (<-chan string, error)

func (f ForwarderFunc) Invoke(ctx context.Context, agentRef, input string) (<-chan string, error) {
	return f(ctx, agentRef, input)
}

// Observe wraps next so every chunk it streams is also passed to onChunk.
// The returned channel closes when next's channel closes or ctx ends.
func Observe(next AgentForwarder, onChunk func(agentRef, chunk string)) AgentForwarder {
	if next == nil {
		return nil
	}
	return ForwarderFunc(func(ctx context.Context, agentRef, input string) (<-chan string, error) {
		in, err := next.Invoke(ctx, agentRef, input)
		if err != nil {
			return nil, err
		}

		out := make(chan string)
		go func() {
			defer close(out)
			for {
				select {
				case <-ctx.Done():
					return
				case chunk, ok := <-in:
					if !ok {
						return
					}
					onChunk(agentRef, chunk)
					select {
					case out <- chunk:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out, nil
	})
}

// Collect drains a forwarded stream into one string.
func Collect(ctx context.Context, ch <-chan string) (string, error) {
	var out []byte
	for {
		select {
		case <-ctx.Done():
			return string(out), ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return string(out), nil
			}
			out = append(out, chunk...)
		}
	}
}
