package engine

import (
	"context"
	"sync"

	"github.com/loomhq/loom/pkg/schema"
)

// LLMRequest is what an llm step hands to the model runner. Prompts
// arrive with templates already resolved.
type LLMRequest struct {
	Name         string          `json:"name"`
	SystemPrompt string          `json:"system_prompt"`
	Prompt       string          `json:"prompt,omitempty"`
	AllowedTools []string        `json:"allowed_tools,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	OrgID        string          `json:"org_id"`
	RunID        string          `json:"run_id"`
}

// LLMResponse is the model's result, exposed as the step's output.
type LLMResponse struct {
	Text string         `json:"text"`
	Data map[string]any `json:"data,omitempty"`
}

// LLMRunner executes llm steps. Implementations wrap whatever model
// transport the deployment uses; the interpreter never retries them;
// an explicit error edge is the only retry path for model calls.
type LLMRunner interface {
	Run(ctx context.Context, req LLMRequest) (*LLMResponse, error)
}

// UnconfiguredLLMRunner fails every call with a clear error. Used when
// no model transport is configured so llm steps route their error edge
// instead of panicking.
type UnconfiguredLLMRunner struct{}

func (UnconfiguredLLMRunner) Run(context.Context, LLMRequest) (*LLMResponse, error) {
	return nil, schema.NewError(schema.ErrCodeLLM, "no llm runner configured")
}

// ScriptedLLMRunner serves canned responses keyed by step name and
// records requests. Test double.
type ScriptedLLMRunner struct {
	mu        sync.Mutex
	Responses map[string]*LLMResponse
	Err       error
	Requests  []LLMRequest
}

func (r *ScriptedLLMRunner) Run(_ context.Context, req LLMRequest) (*LLMResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Requests = append(r.Requests, req)
	if r.Err != nil {
		return nil, r.Err
	}
	if resp, ok := r.Responses[req.Name]; ok {
		return resp, nil
	}
	return &LLMResponse{Text: "ok"}, nil
}
