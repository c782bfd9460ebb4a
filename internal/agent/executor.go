package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/models"
)

// Executor performs one subtask and returns its output blob. Execution is
// opaque to the rest of the system; only the wire contract matters.
type Executor interface {
	Execute(ctx context.Context, req *models.ExecutionRequest) (models.JSON, error)
}

// NewExecutor picks the LLM executor when a planner API key is configured
// and the local executor otherwise.
func NewExecutor(cfg config.Planner) Executor {
	if cfg.APIKey != "" {
		return NewLLMExecutor(cfg)
	}
	return LocalExecutor{}
}

// LLMExecutor performs subtasks by prompting a chat-completion model with
// the subtask description and the outputs of its dependencies.
type LLMExecutor struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewLLMExecutor builds an executor from the planner config; the agent
// shares the planner's model endpoint.
func NewLLMExecutor(cfg config.Planner) *LLMExecutor {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &LLMExecutor{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

const executorPrompt = `You are a specialized task execution agent with capabilities: %s.
Perform the subtask described by the user. Upstream results from earlier
subtasks are provided as JSON context. Reply with your result as plain text.`

// Execute prompts the model and wraps its reply in the output blob.
func (e *LLMExecutor) Execute(ctx context.Context, req *models.ExecutionRequest) (models.JSON, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	user := req.SubTask.Description
	if len(req.UpstreamContext) > 0 {
		raw, err := json.Marshal(req.UpstreamContext)
		if err == nil {
			user = fmt.Sprintf("%s\n\nUpstream context:\n%s", user, raw)
		}
	}

	caps := models.CapabilityStrings(req.SubTask.RequiredCapabilities)
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(executorPrompt, caps)},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("execution request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}
	return models.JSON{
		"result": resp.Choices[0].Message.Content,
		"model":  e.model,
	}, nil
}

// LocalExecutor acknowledges subtasks without external calls. Used in
// development and tests, where the wire contract is what matters.
type LocalExecutor struct{}

// Execute returns a synthetic output echoing the subtask.
func (LocalExecutor) Execute(_ context.Context, req *models.ExecutionRequest) (models.JSON, error) {
	return models.JSON{
		"result":       fmt.Sprintf("processed: %s", req.SubTask.Description),
		"dependencies": len(req.UpstreamContext),
	}, nil
}
