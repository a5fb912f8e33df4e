package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// ToolRegistry maps tool names to implementations plus the permission
// required to dispatch them. Registration happens at startup; dispatch
// is read-only.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

type registeredTool struct {
	tool llm.Tool
	// permission gates dispatch through RBAC; empty means open.
	permission string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: map[string]registeredTool{}}
}

// Register adds a tool. permission may be empty for unrestricted
// tools.
func (r *ToolRegistry) Register(tool llm.Tool, permission string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = registeredTool{tool: tool, permission: permission}
}

// Get returns the tool and its required permission.
func (r *ToolRegistry) Get(name string) (llm.Tool, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, reg.permission, ok
}

// Names lists registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Execute dispatches one tool call after the permission check. A
// missing tool returns an error result the model can read; a denied
// permission returns a typed error that fails the turn.
func (r *ToolRegistry) Execute(ctx context.Context, gate permissionChecker, auth *models.AuthResult, call models.ToolCall) (*models.ToolResult, error) {
	tool, permission, ok := r.Get(call.Name)
	if !ok {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q is not available", call.Name),
			IsError:    true,
		}, nil
	}
	if err := gate.RequirePermission(auth, permission); err != nil {
		return nil, err
	}

	result, err := tool.Execute(ctx, call.Input)
	if err != nil {
		return &models.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("tool %q failed: %v", call.Name, err),
			IsError:    true,
		}, nil
	}
	if result.ToolCallID == "" {
		result.ToolCallID = call.ID
	}
	return result, nil
}

// permissionChecker is the slice of the security gate the registry
// needs.
type permissionChecker interface {
	RequirePermission(auth *models.AuthResult, permission string) error
}
