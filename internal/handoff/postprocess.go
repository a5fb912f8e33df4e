package handoff

import (
	"encoding/json"
	"fmt"

	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// Detection is the result of scanning a turn's items for a handoff.
type Detection struct {
	// Descriptor is the matched canonical handoff, nil when the target
	// was inferred from the tool-name prefix.
	Descriptor *llm.Handoff

	// Target is the resolved delegate agent.
	Target *llm.Agent

	// Reason is taken from the tool call's arguments.
	Reason string

	// ToolCall is the triggering call.
	ToolCall models.ToolCall
}

// Detect scans the items an agent produced for a handoff tool call.
// Calls are examined in order; the first one that matches a canonical
// descriptor, or whose handoff-prefixed name resolves by inference, is
// returned. Returns nil when the turn contained no delegation.
func (e *Engine) Detect(agent *llm.Agent, items []models.Message) *Detection {
	byTool := map[string]*llm.Handoff{}
	for _, h := range agent.CanonicalHandoffs() {
		byTool[h.ToolName] = h
	}

	for _, item := range items {
		for _, call := range item.ToolCalls {
			if desc, ok := byTool[call.Name]; ok && desc.TargetAgent != nil {
				return &Detection{
					Descriptor: desc,
					Target:     desc.TargetAgent,
					Reason:     reasonOf(call),
					ToolCall:   call,
				}
			}
			if target := e.inferTarget(call.Name); target != nil {
				e.logger.Info("handoff target inferred from tool name",
					"tool", call.Name, "target", target.Name)
				return &Detection{
					Target:   target,
					Reason:   reasonOf(call),
					ToolCall: call,
				}
			}
		}
	}
	return nil
}

func (e *Engine) inferTarget(toolName string) *llm.Agent {
	if e.resolver == nil {
		return nil
	}
	for _, candidate := range InferTargetName(toolName) {
		if agent, err := e.resolver.ResolveAgent(candidate); err == nil {
			return agent
		}
	}
	return nil
}

func reasonOf(call models.ToolCall) string {
	var input Input
	if err := json.Unmarshal(call.Input, &input); err != nil || input.Reason == "" {
		return "further assistance"
	}
	return input.Reason
}

// SystemMessage renders the system prompt the delegate receives.
func SystemMessage(agentName, reason string) string {
	return fmt.Sprintf(
		"You are %s. The user has been referred to you for %s. Continue the conversation.",
		agentName, reason,
	)
}

// ApplyFilter runs the detection's input filter (when any) over the
// handoff snapshot. Descriptor-less detections and nil filters pass
// the data through.
func (d *Detection) ApplyFilter(data models.HandoffInputData) models.HandoffInputData {
	if d.Descriptor == nil || d.Descriptor.InputFilter == nil {
		return data
	}
	out, err := d.Descriptor.InputFilter(data)
	if err != nil {
		// Safety-wrapped filters never return errors; this path only
		// fires for descriptors built outside the engine.
		return data
	}
	return out
}
