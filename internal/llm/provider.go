// Package llm defines the provider abstraction the runtime executes
// against: a clonable Agent, the streaming completion contract, and the
// tool interface. Provider implementations live in llm/providers.
package llm

import (
	"context"
	"encoding/json"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// Provider is the interface for LLM backends. Implementations must be
// safe for concurrent use; each Complete call owns an independent
// stream and goroutine.
type Provider interface {
	// Complete sends a prompt and returns a streaming response. The
	// channel is closed when the stream completes or fails; a failed
	// stream delivers a final chunk with Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// SupportsTools reports whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for one LLM call.
type CompletionRequest struct {
	// Model selects the backing model; empty uses the provider default.
	Model string `json:"model"`

	// System is the system prompt, kept separate from Messages because
	// most provider APIs treat it specially.
	System string `json:"system,omitempty"`

	// Messages is the conversation history in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools the model may call this turn, including handoff tools.
	Tools []ToolSpec `json:"tools,omitempty"`

	// MaxTokens bounds the response; 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Settings carries provider-specific knobs (temperature, top_p).
	Settings map[string]any `json:"settings,omitempty"`
}

// ToolSpec is the wire description of a callable tool.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CompletionChunk is one element of a streaming response. Text chunks
// carry incremental assistant text; a ToolCall chunk carries one
// complete tool invocation; the final chunk has Done or Error set.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}
