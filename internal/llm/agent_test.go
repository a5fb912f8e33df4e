package llm

import (
	"testing"

	"github.com/ensemble-run/ensemble/pkg/models"
)

func TestAgent_CloneIsolation(t *testing.T) {
	original := &Agent{
		Name:         "triage",
		Instructions: "route things",
		Model:        models.ModelRef{Name: "gpt-4o"},
		Tools:        []ToolSpec{{Name: "calculator"}},
		Handoffs:     []any{&Handoff{TargetName: "finance_agent"}},
	}

	newInstructions := "new instructions"
	clone := original.Clone(CloneOptions{Instructions: &newInstructions})

	if clone.Instructions != "new instructions" {
		t.Errorf("instructions = %q", clone.Instructions)
	}
	if original.Instructions != "route things" {
		t.Error("clone mutated the original's instructions")
	}

	clone.Tools = append(clone.Tools, ToolSpec{Name: "extra"})
	clone.Handoffs = append(clone.Handoffs, &Handoff{TargetName: "other"})
	if len(original.Tools) != 1 || len(original.Handoffs) != 1 {
		t.Error("clone shares slices with the original")
	}
}

func TestAgent_CloneHandoffOverride(t *testing.T) {
	original := &Agent{Name: "a", Handoffs: []any{&Handoff{TargetName: "x"}}}
	clone := original.Clone(CloneOptions{Handoffs: []any{
		&Handoff{TargetName: "y"},
		&Handoff{TargetName: "z"},
	}})
	if len(clone.Handoffs) != 2 {
		t.Errorf("handoffs = %d", len(clone.Handoffs))
	}
	if len(original.Handoffs) != 1 {
		t.Error("override leaked into original")
	}
}

func TestAgent_CanonicalHandoffs(t *testing.T) {
	agent := &Agent{
		Name: "a",
		Handoffs: []any{
			&Handoff{TargetName: "canonical"},
			models.HandoffSpec{AgentName: "raw"},
			"junk",
		},
	}
	canonical := agent.CanonicalHandoffs()
	if len(canonical) != 1 || canonical[0].TargetName != "canonical" {
		t.Errorf("canonical = %+v", canonical)
	}
}

func TestHandoff_Target(t *testing.T) {
	h := &Handoff{TargetName: "by_name"}
	if h.Target() != "by_name" {
		t.Errorf("target = %q", h.Target())
	}
	h.TargetAgent = &Agent{Name: "resolved"}
	if h.Target() != "resolved" {
		t.Error("resolved agent name should win")
	}
}

func TestHandoff_SafeMarker(t *testing.T) {
	h := &Handoff{}
	if h.IsSafe() {
		t.Error("fresh descriptor must not be marked safe")
	}
	h.MarkSafe()
	if !h.IsSafe() {
		t.Error("marker lost")
	}
}
