package llm

import (
	"context"
	"encoding/json"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// Tool is the dispatch contract for executable tools. Implementations
// live outside the core; the runtime only registers and dispatches.
type Tool interface {
	// Name returns the tool identifier the model calls it by.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema returns the JSON schema for the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. Errors that the model should see are
	// returned inside the result with IsError set; a non-nil error
	// return means the dispatch itself failed.
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	ToolName string
	Desc     string
	InSchema json.RawMessage
	Fn       func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

func (t *ToolFunc) Name() string             { return t.ToolName }
func (t *ToolFunc) Description() string      { return t.Desc }
func (t *ToolFunc) Schema() json.RawMessage  { return t.InSchema }
func (t *ToolFunc) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	return t.Fn(ctx, params)
}

// SpecOf builds the wire ToolSpec for a tool.
func SpecOf(t Tool) ToolSpec {
	return ToolSpec{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Schema(),
	}
}
