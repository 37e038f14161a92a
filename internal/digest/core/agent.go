package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// validated is implemented by every agent output type.
type validated interface{ Validate() error }

// baseAgent carries the uniform per-agent parameters: name, system prompt,
// per-call timeout and the shared LLM adapter. Concrete agents embed it and
// add their prepare/postprocess logic.
type baseAgent struct {
	name         string
	systemPrompt string
	timeout      time.Duration
	llm          Provider
}

func (b baseAgent) Name() string { return b.name }

// invoke runs the invocation contract shared by all agents: call the LLM
// under the agent timeout with JSON-schema instructions, parse the reply
// into T (unknown fields are discarded by encoding/json), and validate it
// against the closed enum sets and ranges. Errors are returned, never
// raised past the orchestrator.
func invoke[T any, PT interface {
	*T
	validated
}](ctx context.Context, b baseAgent, userMessage string, schema map[string]interface{}) (*T, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.llm.Call(callCtx, b.systemPrompt, userMessage, schema)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", b.name, err)
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("agent %s: %w: %v", b.name, ErrLLMMalformedOutput, err)
	}
	if err := PT(&out).Validate(); err != nil {
		return nil, fmt.Errorf("agent %s: %w", b.name, err)
	}
	return &out, nil
}
