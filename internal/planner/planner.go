// Package planner turns a free-form task description into a raw subtask
// plan by prompting an LLM. The decomposer validates and normalizes the
// plan; this package only talks to the model and parses its output.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/models"
)

// ErrUnparsable is returned when the model's reply contains no usable JSON
// plan. Callers fall back to a single-subtask plan.
var ErrUnparsable = errors.New("planner output could not be parsed")

// PlanStep is one record of the raw plan. Dependencies are 0-based indices
// into earlier steps; the decomposer rewrites them to subtask ids.
type PlanStep struct {
	Description          string   `json:"description"`
	RequiredCapabilities []string `json:"required_capabilities"`
	DependsOn            []int    `json:"depends_on"`
	Priority             int      `json:"priority"`
	EstimatedDuration    int      `json:"estimated_duration_seconds"`
}

// Planner produces a raw plan for a task description.
type Planner interface {
	Plan(ctx context.Context, description string) ([]PlanStep, error)
}

// OpenAIPlanner prompts a chat-completion model.
type OpenAIPlanner struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAI builds a planner from the config. BaseURL overrides the default
// endpoint for OpenAI-compatible servers.
func NewOpenAI(cfg config.Planner) *OpenAIPlanner {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIPlanner{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

const systemPrompt = `You are a task planning assistant. Decompose the user's task into subtasks.
Respond with a JSON array only, no prose. Each element:
{"description": string (10-1000 chars),
 "required_capabilities": [one or more of: %s],
 "depends_on": [0-based indices of earlier subtasks],
 "priority": integer 0-10 (higher is more urgent),
 "estimated_duration_seconds": positive integer}
Dependencies may only reference earlier elements. Keep the plan minimal.`

// Plan sends the description to the model and parses the reply. A hung
// endpoint surfaces as a deadline error after the configured timeout, so
// the caller's fallback path is always reached.
func (p *OpenAIPlanner) Plan(ctx context.Context, description string) ([]PlanStep, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	vocab := strings.Join(models.CapabilityStrings(models.Capabilities()), ", ")
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: fmt.Sprintf(systemPrompt, vocab)},
			{Role: openai.ChatMessageRoleUser, Content: description},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planner request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrUnparsable
	}
	return ParsePlan(resp.Choices[0].Message.Content)
}

// ParsePlan extracts the first JSON array from the reply. Models wrap their
// answer in code fences or prose often enough that a plain unmarshal is not
// good enough.
func ParsePlan(reply string) ([]PlanStep, error) {
	raw := extractJSONArray(reply)
	if raw == "" {
		return nil, ErrUnparsable
	}
	var steps []PlanStep
	if err := json.Unmarshal([]byte(raw), &steps); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnparsable, err)
	}
	if len(steps) == 0 {
		return nil, ErrUnparsable
	}
	return steps, nil
}

// extractJSONArray returns the first balanced top-level JSON array in s,
// skipping brackets inside string literals.
func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// FallbackPlan is the conservative single-subtask plan used when the model
// is unavailable or its output is unusable.
func FallbackPlan(description string) []PlanStep {
	return []PlanStep{{
		Description:          description,
		RequiredCapabilities: []string{string(models.CapabilityCodeGeneration)},
		Priority:             5,
	}}
}
