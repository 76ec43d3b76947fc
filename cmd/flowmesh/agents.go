package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowmesh/flowmesh/internal/agent"
)

// builtinAgents returns the utility capabilities shipped with the CLI.
// Real deployments embed the engine as a library and register their own.
func builtinAgents() *agent.Registry {
	registry := agent.NewRegistry()

	registry.Register(agent.Func("echo", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		return agent.Output{Content: input.Content}, nil
	}))

	registry.Register(agent.Func("uppercase", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		out := make(map[string]interface{}, len(input.Content))
		for key, value := range input.Content {
			if s, ok := value.(string); ok {
				out[key] = strings.ToUpper(s)
			} else {
				out[key] = value
			}
		}
		return agent.Output{Content: out}, nil
	}))

	registry.Register(agent.Func("delay", func(ctx context.Context, input agent.Input) (agent.Output, error) {
		raw, _ := input.Content["duration"].(string)
		d, err := time.ParseDuration(raw)
		if err != nil {
			return agent.Output{}, &agent.ProcessError{
				AgentType: "delay",
				Reason:    fmt.Sprintf("invalid duration %q", raw),
				Permanent: true,
				Err:       err,
			}
		}
		select {
		case <-time.After(d):
			return agent.Output{Content: map[string]interface{}{"slept": raw}}, nil
		case <-ctx.Done():
			return agent.Output{}, ctx.Err()
		}
	}))

	return registry
}
