package handoff

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// stubResolver resolves agents from a fixed map.
type stubResolver struct {
	agents map[string]*llm.Agent
}

func (r *stubResolver) ResolveAgent(name string) (*llm.Agent, error) {
	if agent, ok := r.agents[name]; ok {
		return agent, nil
	}
	return nil, fmt.Errorf("agent %q not found", name)
}

func newTestEngine() (*Engine, *stubResolver) {
	resolver := &stubResolver{agents: map[string]*llm.Agent{
		"finance_agent": {Name: "finance_agent", Instructions: "You are a finance expert."},
		"travel_agent":  {Name: "travel_agent", Instructions: "You are a travel expert."},
	}}
	return NewEngine(resolver, 0, nil), resolver
}

func TestPreRunHook_SpecNormalization(t *testing.T) {
	engine, _ := newTestEngine()
	agent := &llm.Agent{
		Name:     "triage",
		Handoffs: []any{models.HandoffSpec{AgentName: "finance_agent"}},
	}

	out, err := engine.PreRunHook(agent)
	if err != nil {
		t.Fatal(err)
	}
	handoffs := out.CanonicalHandoffs()
	if len(handoffs) != 1 {
		t.Fatalf("handoffs = %d, want 1", len(handoffs))
	}
	h := handoffs[0]
	if h.ToolName != "handoff_to_finance_agent" {
		t.Errorf("tool name = %q", h.ToolName)
	}
	if h.ToolDescription != "Delegate to finance_agent" {
		t.Errorf("description = %q", h.ToolDescription)
	}
	if len(h.InputSchema) == 0 {
		t.Error("input schema should be synthesized")
	}
	if h.OnInvoke == nil {
		t.Error("on_invoke should default to a no-op")
	}
	if !h.IsSafe() {
		t.Error("filter must be safety-wrapped")
	}
	// The original agent is untouched; the hook cloned.
	if _, ok := agent.Handoffs[0].(models.HandoffSpec); !ok {
		t.Error("source agent's handoff list must not be mutated")
	}
}

func TestPreRunHook_Idempotent(t *testing.T) {
	engine, _ := newTestEngine()
	agent := &llm.Agent{
		Name: "triage",
		Handoffs: []any{
			models.HandoffSpec{AgentName: "finance_agent", InputFilter: models.FilterRemoveTools},
			models.HandoffSpec{AgentName: "travel_agent"},
		},
	}

	once, err := engine.PreRunHook(agent)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := engine.PreRunHook(once)
	if err != nil {
		t.Fatal(err)
	}

	// Second application returns the same agent: nothing to rewrite.
	if once != twice {
		t.Error("idempotent hook should return the agent unchanged")
	}
	a, b := once.CanonicalHandoffs(), twice.CanonicalHandoffs()
	if len(a) != len(b) {
		t.Fatalf("handoff counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ToolName != b[i].ToolName || a[i].ToolDescription != b[i].ToolDescription {
			t.Errorf("handoff %d differs between applications", i)
		}
	}
}

func TestPreRunHook_MapShape(t *testing.T) {
	engine, _ := newTestEngine()
	agent := &llm.Agent{
		Name: "triage",
		Handoffs: []any{map[string]any{
			"agent_name":           "travel_agent",
			"tool_name":            "ask_travel",
			"input_filter":         "summarize",
			"summarize_prefix":     "Trip so far",
			"keep_recent_messages": 1,
		}},
	}
	out, err := engine.PreRunHook(agent)
	if err != nil {
		t.Fatal(err)
	}
	handoffs := out.CanonicalHandoffs()
	if len(handoffs) != 1 {
		t.Fatalf("handoffs = %d", len(handoffs))
	}
	if handoffs[0].ToolName != "ask_travel" {
		t.Errorf("explicit tool name lost: %q", handoffs[0].ToolName)
	}
	// The summarize filter must be live and configured.
	var msgs []models.Message
	for i := 0; i < 6; i++ {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: "m"})
	}
	filtered, _ := handoffs[0].InputFilter(models.HandoffInputData{InputHistory: msgs})
	if len(filtered.InputHistory) != 3 {
		t.Errorf("summarize(keep 1) left %d items, want 3", len(filtered.InputHistory))
	}
}

func TestPreRunHook_RawAgentAndUnknown(t *testing.T) {
	engine, resolver := newTestEngine()
	agent := &llm.Agent{
		Name: "triage",
		Handoffs: []any{
			resolver.agents["finance_agent"],
			"not a handoff",
		},
	}
	out, err := engine.PreRunHook(agent)
	if err != nil {
		t.Fatal(err)
	}
	handoffs := out.CanonicalHandoffs()
	if len(handoffs) != 1 {
		t.Fatalf("handoffs = %d, want 1 (unknown shape skipped)", len(handoffs))
	}
	if handoffs[0].Target() != "finance_agent" {
		t.Errorf("target = %q", handoffs[0].Target())
	}
	if len(out.Handoffs) != 1 {
		t.Errorf("normalized list = %d entries, want 1", len(out.Handoffs))
	}
}

func TestPreRunHook_UnresolvableSpecSkipped(t *testing.T) {
	engine, _ := newTestEngine()
	agent := &llm.Agent{
		Name:     "triage",
		Handoffs: []any{models.HandoffSpec{AgentName: "ghost_agent"}},
	}
	out, err := engine.PreRunHook(agent)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.CanonicalHandoffs()) != 0 {
		t.Error("unresolvable handoff should be dropped, not fail the hook")
	}
}

func TestDetect_ByDescriptor(t *testing.T) {
	engine, _ := newTestEngine()
	agent := &llm.Agent{
		Name:     "triage",
		Handoffs: []any{models.HandoffSpec{AgentName: "finance_agent"}},
	}
	agent, _ = engine.PreRunHook(agent)

	items := []models.Message{{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{{
			ID:    "c1",
			Name:  "handoff_to_finance_agent",
			Input: []byte(`{"reason": "investment advice"}`),
		}},
	}}

	det := engine.Detect(agent, items)
	if det == nil {
		t.Fatal("handoff not detected")
	}
	if det.Target.Name != "finance_agent" {
		t.Errorf("target = %q", det.Target.Name)
	}
	if det.Reason != "investment advice" {
		t.Errorf("reason = %q", det.Reason)
	}
	if det.Descriptor == nil {
		t.Error("descriptor should be attached")
	}
}

func TestDetect_InferredFromPrefix(t *testing.T) {
	engine, _ := newTestEngine()
	agent := &llm.Agent{Name: "triage"}

	items := []models.Message{{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{{
			ID:    "c1",
			Name:  "handoff_to_travel_expert",
			Input: []byte(`{}`),
		}},
	}}

	det := engine.Detect(agent, items)
	if det == nil {
		t.Fatal("inferred handoff not detected")
	}
	if det.Target.Name != "travel_agent" {
		t.Errorf("inferred target = %q, want travel_agent", det.Target.Name)
	}
	if det.Reason != "further assistance" {
		t.Errorf("default reason = %q", det.Reason)
	}
	if det.Descriptor != nil {
		t.Error("inferred detection has no descriptor")
	}
}

func TestDetect_NoHandoff(t *testing.T) {
	engine, _ := newTestEngine()
	agent := &llm.Agent{Name: "triage"}
	items := []models.Message{
		{Role: models.RoleAssistant, Content: "plain answer"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{Name: "calculator", Input: []byte(`{}`)}}},
	}
	if det := engine.Detect(agent, items); det != nil {
		t.Errorf("unexpected detection: %+v", det)
	}
}

func TestInferTargetName(t *testing.T) {
	cases := []struct {
		tool string
		want []string
	}{
		{"handoff_to_travel_expert", []string{"travel_expert", "travel_expert_agent", "travel_agent"}},
		{"handoff_to_finance_agent", []string{"finance_agent"}},
		{"calculator", nil},
	}
	for _, tc := range cases {
		if got := InferTargetName(tc.tool); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("InferTargetName(%q) = %v, want %v", tc.tool, got, tc.want)
		}
	}
}

func TestSystemMessage(t *testing.T) {
	got := SystemMessage("finance_agent", "investment advice")
	want := "You are finance_agent. The user has been referred to you for investment advice. Continue the conversation."
	if got != want {
		t.Errorf("message = %q", got)
	}
}
