package oracle

import (
	"context"

	"github.com/sentinelops/sentinel-ai/internal/incident"
)

// Package oracle abstracts the diagnosis model behind a single NextAction
// call. The tool loop feeds it the conversation so far; the oracle answers
// with either a collector invocation, a final diagnosis, or nothing.

// ContentBlock is one piece of a message: free text, a tool invocation
// request, or a tool result being fed back.
type ContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

// Message is one turn in the oracle conversation.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ActionKind discriminates what the oracle asked for.
type ActionKind string

const (
	// ActionInvoke requests a collector call.
	ActionInvoke ActionKind = "invoke"
	// ActionConclude submits a final diagnosis.
	ActionConclude ActionKind = "conclude"
	// ActionNone means the oracle produced neither a tool call nor a
	// diagnosis. The loop decides whether that is an error or a forced end.
	ActionNone ActionKind = "none"
)

// ToolInvocation names a collector and its JSON arguments.
type ToolInvocation struct {
	ID   string
	Name string
	Args map[string]any
}

// Action is one oracle decision.
type Action struct {
	Kind       ActionKind
	Invoke     *ToolInvocation
	Conclusion *incident.Diagnosis
	Reasoning  string
}

// Usage reports the token cost of a single oracle request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Total returns the combined token count for the request.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Oracle decides the next investigative action given the conversation so
// far. Implementations must be safe for sequential reuse across runs.
type Oracle interface {
	NextAction(ctx context.Context, history []Message) (Action, Usage, error)
}
