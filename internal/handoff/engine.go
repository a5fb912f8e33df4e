package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// ToolNamePrefix is the naming convention for handoff tools; targets
// can be inferred from it when a descriptor is missing.
const ToolNamePrefix = "handoff_to_"

// DefaultMaxDepth bounds handoff recursion within one turn.
const DefaultMaxDepth = 3

// Input is the schema of the arguments the model supplies when it
// calls a handoff tool.
type Input struct {
	Reason  string `json:"reason" jsonschema:"description=Why the conversation is being delegated"`
	Details string `json:"details,omitempty" jsonschema:"description=Additional context for the receiving agent"`
}

// inputSchema is the synthesized input_type for handoffs that declare
// none.
var inputSchema = mustInputSchema()

func mustInputSchema() json.RawMessage {
	reflector := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	schema := reflector.Reflect(&Input{})
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("reflect handoff input schema: %v", err))
	}
	return data
}

// AgentResolver resolves agent names into working agents. The template
// registry provides the production implementation.
type AgentResolver interface {
	ResolveAgent(name string) (*llm.Agent, error)
}

// Engine normalizes handoff descriptors and post-processes handoff
// tool calls. It holds no per-turn state; one engine serves all turns.
type Engine struct {
	resolver AgentResolver
	logger   *slog.Logger
	maxDepth int
}

// NewEngine builds an engine. maxDepth <= 0 uses DefaultMaxDepth.
func NewEngine(resolver AgentResolver, maxDepth int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Engine{resolver: resolver, logger: logger, maxDepth: maxDepth}
}

// MaxDepth returns the per-turn handoff recursion bound.
func (e *Engine) MaxDepth() int { return e.maxDepth }

// PreRunHook normalizes the agent's handoff list into canonical
// descriptors. Entries already canonical get their filter re-wrapped
// through the safety layer (a no-op when already wrapped); map and
// spec entries are resolved against the registry with defaults filled
// in; raw agents become descriptors; unknown shapes are skipped with a
// warning. The hook is idempotent: when nothing needs rewriting the
// agent is returned as-is, otherwise a clone with the normalized list
// replaces it.
func (e *Engine) PreRunHook(agent *llm.Agent) (*llm.Agent, error) {
	if agent == nil || len(agent.Handoffs) == 0 {
		return agent, nil
	}

	normalized := make([]any, 0, len(agent.Handoffs))
	changed := false
	for _, entry := range agent.Handoffs {
		switch h := entry.(type) {
		case *llm.Handoff:
			if e.canonicalize(h) {
				changed = true
			}
			normalized = append(normalized, h)

		case models.HandoffSpec:
			desc, err := e.fromSpec(h)
			if err != nil {
				e.logger.Warn("skipping unresolvable handoff", "agent", h.AgentName, "error", err)
				changed = true
				continue
			}
			normalized = append(normalized, desc)
			changed = true

		case map[string]any:
			desc, err := e.fromMap(h)
			if err != nil {
				e.logger.Warn("skipping unresolvable handoff", "error", err)
				changed = true
				continue
			}
			normalized = append(normalized, desc)
			changed = true

		case *llm.Agent:
			normalized = append(normalized, e.fromAgent(h))
			changed = true

		default:
			e.logger.Warn("skipping handoff entry of unknown shape",
				"type", fmt.Sprintf("%T", entry))
			changed = true
		}
	}

	if !changed {
		return agent, nil
	}
	return agent.Clone(llm.CloneOptions{Handoffs: normalized}), nil
}

// canonicalize fills descriptor defaults and safety-wraps the filter.
// Returns true when anything changed.
func (e *Engine) canonicalize(h *llm.Handoff) bool {
	changed := false
	if h.TargetAgent == nil && h.TargetName != "" && e.resolver != nil {
		if agent, err := e.resolver.ResolveAgent(h.TargetName); err == nil {
			h.TargetAgent = agent
			changed = true
		}
	}
	name := h.Target()
	if h.ToolName == "" {
		h.ToolName = ToolNamePrefix + name
		changed = true
	}
	if h.ToolDescription == "" {
		h.ToolDescription = "Delegate to " + name
		changed = true
	}
	if len(h.InputSchema) == 0 {
		h.InputSchema = inputSchema
		changed = true
	}
	if h.OnInvoke == nil {
		h.OnInvoke = func(context.Context, string) error { return nil }
		changed = true
	}
	if !h.IsSafe() {
		h.InputFilter = SafeFilter(h.InputFilter, e.logger)
		h.MarkSafe()
		changed = true
	}
	return changed
}

func (e *Engine) fromSpec(spec models.HandoffSpec) (*llm.Handoff, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("no agent resolver configured")
	}
	target, err := e.resolver.ResolveAgent(spec.AgentName)
	if err != nil {
		return nil, err
	}
	h := &llm.Handoff{
		TargetAgent:     target,
		TargetName:      spec.AgentName,
		ToolName:        spec.ToolName,
		ToolDescription: spec.ToolDescription,
		InputFilter:     FilterForKind(spec),
	}
	e.canonicalize(h)
	return h, nil
}

// fromMap handles the loosest descriptor shape: a decoded JSON object
// with at least agent_name, optionally carrying a filter value under
// input_filter and a callback under on_invoke_handoff.
func (e *Engine) fromMap(m map[string]any) (*llm.Handoff, error) {
	name, _ := m["agent_name"].(string)
	if name == "" {
		return nil, fmt.Errorf("handoff map missing agent_name")
	}
	if e.resolver == nil {
		return nil, fmt.Errorf("no agent resolver configured")
	}
	target, err := e.resolver.ResolveAgent(name)
	if err != nil {
		return nil, err
	}

	h := &llm.Handoff{TargetAgent: target, TargetName: name}
	if v, ok := m["tool_name"].(string); ok {
		h.ToolName = v
	}
	if v, ok := m["tool_description"].(string); ok {
		h.ToolDescription = v
	}
	if v, ok := m["on_invoke_handoff"].(llm.OnInvokeFunc); ok {
		h.OnInvoke = v
	} else if v, ok := m["on_invoke_handoff"].(func(context.Context, string) error); ok {
		h.OnInvoke = v
	}
	if raw, present := m["input_filter"]; present {
		if s, isName := raw.(string); isName {
			h.InputFilter = FilterForKind(models.HandoffSpec{
				InputFilter:        models.HandoffFilterKind(s),
				SummarizePrefix:    stringOr(m, "summarize_prefix", ""),
				KeepRecentMessages: intOr(m, "keep_recent_messages", 0),
			})
		} else if f, usable := CoerceFilter(raw); usable {
			h.InputFilter = f
		} else {
			e.logger.Warn("handoff input_filter has unusable shape",
				"agent", name, "type", reflect.TypeOf(raw).String())
		}
	}
	e.canonicalize(h)
	return h, nil
}

func (e *Engine) fromAgent(agent *llm.Agent) *llm.Handoff {
	h := &llm.Handoff{TargetAgent: agent}
	e.canonicalize(h)
	return h
}

func stringOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

// ToolSpecs renders the agent's canonical handoffs as provider tools.
func ToolSpecs(agent *llm.Agent) []llm.ToolSpec {
	var out []llm.ToolSpec
	for _, h := range agent.CanonicalHandoffs() {
		out = append(out, llm.ToolSpec{
			Name:        h.ToolName,
			Description: h.ToolDescription,
			InputSchema: h.InputSchema,
		})
	}
	return out
}

// InferTargetName guesses the delegate from a handoff tool name when
// no descriptor matches, e.g. "handoff_to_travel_expert" yields the
// candidates "travel_expert", "travel_expert_agent", "travel_agent".
func InferTargetName(toolName string) []string {
	if !strings.HasPrefix(toolName, ToolNamePrefix) {
		return nil
	}
	base := strings.TrimPrefix(toolName, ToolNamePrefix)
	candidates := []string{base}
	if !strings.HasSuffix(base, "_agent") {
		candidates = append(candidates, base+"_agent")
	}
	if stem, ok := strings.CutSuffix(base, "_expert"); ok {
		candidates = append(candidates, stem+"_agent")
	}
	return candidates
}
