package models

import "encoding/json"

// ModelRef names the LLM backing an agent. Template files accept either
// a bare string ("gpt-4o") or the structured form.
type ModelRef struct {
	Name     string         `json:"name"`
	Provider string         `json:"provider,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// UnmarshalJSON accepts both the string and object encodings.
func (m *ModelRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		m.Name = name
		return nil
	}
	type alias ModelRef
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = ModelRef(a)
	return nil
}

// MarshalJSON emits the structured form.
func (m ModelRef) MarshalJSON() ([]byte, error) {
	type alias ModelRef
	return json.Marshal(alias(m))
}

// ToolDef declares a tool an agent may call.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      ToolDefConfig  `json:"config,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToolDefConfig carries the JSON-schema fragment for the tool's input.
type ToolDefConfig struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	Required   []string       `json:"required,omitempty"`
	// PermissionLevel gates dispatch through RBAC; empty means open.
	PermissionLevel string `json:"permission_level,omitempty"`
}

// HandoffFilterKind selects a built-in input filter in template files.
type HandoffFilterKind string

const (
	FilterRemoveTools HandoffFilterKind = "remove_tools"
	FilterUserOnly    HandoffFilterKind = "user_only"
	FilterSummarize   HandoffFilterKind = "summarize"
	FilterCustom      HandoffFilterKind = "custom"
)

// HandoffSpec is the template-file form of a handoff: the heterogeneous
// map shape the handoff engine normalizes into a canonical descriptor.
type HandoffSpec struct {
	AgentName          string            `json:"agent_name"`
	ToolName           string            `json:"tool_name,omitempty"`
	ToolDescription    string            `json:"tool_description,omitempty"`
	InputFilter        HandoffFilterKind `json:"input_filter,omitempty"`
	SummarizePrefix    string            `json:"summarize_prefix,omitempty"`
	KeepRecentMessages int               `json:"keep_recent_messages,omitempty"`
}

// AgentTemplate is an immutable agent definition loaded from
// configuration. The runtime never mutates a template; it clones it
// into a working agent per turn.
type AgentTemplate struct {
	Name             string         `json:"name"`
	Instructions     string         `json:"instructions"`
	Model            ModelRef       `json:"model"`
	ModelSettings    map[string]any `json:"model_settings,omitempty"`
	Tools            []ToolDef      `json:"tools,omitempty"`
	Handoffs         []HandoffSpec  `json:"handoffs,omitempty"`
	InputGuardrails  []string       `json:"input_guardrails,omitempty"`
	OutputGuardrails []string       `json:"output_guardrails,omitempty"`
}
