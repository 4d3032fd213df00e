package router

import (
	"context"
	"fmt"

	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/focus"
	"github.com/adjutant-ai/adjutant/pkg/llm"
)

// Task names reserved by the core.
const (
	TaskTriage           = "llm.triage"
	TaskFast             = "llm.fast"
	TaskIntermediate     = "llm.intermediate"
	TaskDeep             = "llm.deep"
	TaskReasoning        = "llm.reasoning"
	TaskTool             = "llm.tool"
	TaskToolchainExecute = "toolchain.execute"
)

// LabelLLM is the pool label carried by all model tasks.
const LabelLLM = "llm"

// ToolchainExecutor runs a tool-using agent for a query, streaming its
// output. The toolchain package provides the built-in implementations.
type ToolchainExecutor interface {
	Execute(ctx context.Context, query string, out chan<- llm.Token) error
}

// RegisterLLMHandlers installs the reserved llm.* streaming handlers over
// backend. Each handler takes a "prompt" payload field, except llm.triage
// which takes "query" and builds the classification prompt itself.
// focusMgr may be nil; the triage prompt then reports no active focus.
func RegisterLLMHandlers(registry *dispatch.Registry, backend llm.Backend, focusMgr focus.Manager) {
	tiers := map[string]llm.Tier{
		TaskFast:         llm.TierFast,
		TaskIntermediate: llm.TierIntermediate,
		TaskDeep:         llm.TierDeep,
		TaskReasoning:    llm.TierReasoning,
		TaskTool:         llm.TierTool,
	}
	for name, tier := range tiers {
		registry.RegisterStream(name, promptHandler(backend, tier))
	}

	registry.RegisterStream(TaskTriage, func(ctx context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		query, _ := payload["query"].(string)
		currentFocus := "None"
		if focusMgr != nil {
			if f := focusMgr.CurrentFocus(); f != "" {
				currentFocus = f
			}
		}
		return relayStream(ctx, backend, buildTriagePrompt(query, currentFocus), llm.Params{Tier: llm.TierFast}, out)
	})
}

// RegisterToolchainHandler installs toolchain.execute over executor.
func RegisterToolchainHandler(registry *dispatch.Registry, executor ToolchainExecutor) {
	registry.RegisterStream(TaskToolchainExecute, func(ctx context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		query, _ := payload["query"].(string)
		return executor.Execute(ctx, query, out)
	})
}

// promptHandler adapts one backend tier to a streaming task handler.
func promptHandler(backend llm.Backend, tier llm.Tier) dispatch.StreamHandler {
	return func(ctx context.Context, payload, _ map[string]any, out chan<- llm.Token) error {
		prompt, _ := payload["prompt"].(string)
		return relayStream(ctx, backend, prompt, llm.Params{Tier: tier}, out)
	}
}

// relayStream forwards a backend stream into the handler's output channel,
// running on the pool worker until the stream closes.
func relayStream(ctx context.Context, backend llm.Backend, prompt string, params llm.Params, out chan<- llm.Token) error {
	stream, err := backend.Stream(ctx, prompt, params)
	if err != nil {
		return fmt.Errorf("%w: %v", llm.ErrBackendUnavailable, err)
	}
	for tok := range stream {
		select {
		case out <- tok:
		case <-ctx.Done():
			// Keep draining so the backend can release its resources.
			for range stream {
			}
			return ctx.Err()
		}
	}
	return nil
}

// buildTriagePrompt builds the classification prompt. The model must answer
// with a single classification term on the first line.
func buildTriagePrompt(query, currentFocus string) string {
	return fmt.Sprintf(`Classify this Query into one of the following categories:
    - 'focus'      - Change the focus of background thought.
    - 'proactive'  - Trigger proactive thinking.
    - 'simple'     - Simple textual response.
    - 'toolchain'  - Requires a series of tools or step-by-step planning.
    - 'reasoning'  - Requires deep reasoning.
    - 'complex'    - Complex written response with high-quality output.
    - 'counsel'    - Consult multiple models and aggregate their answers.
    - 'bash-agent' - Bash commands/scripts
    - 'python-agent' - Python commands/scripts
    - 'scheduling-agent' - Scheduling tasks
    - 'idea-agent' - Generate ideas

Current focus: %s

Query: %s

Respond with a single classification term on the first line.`, currentFocus, query)
}
