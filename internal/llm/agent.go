package llm

import (
	"context"
	"encoding/json"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// InputFilter rewrites the conversation history handed to a delegated
// agent. Filters registered through the handoff engine are wrapped so
// they can never fail the turn; see handoff.SafeFilter.
type InputFilter func(models.HandoffInputData) (models.HandoffInputData, error)

// FilterFactory is a higher-order filter: it takes configuration and
// returns the real filter. SummarizeHistory is the canonical example.
type FilterFactory func(prefix string, keepN int) InputFilter

// OnInvokeFunc runs when the model emits the handoff tool call, before
// the target agent executes. It may veto the delegation by returning
// an error.
type OnInvokeFunc func(ctx context.Context, reason string) error

// Handoff is the canonical delegation descriptor the runtime executes:
// a tool the model can call that transfers the turn to another agent.
type Handoff struct {
	// TargetAgent is the resolved delegate. At least one of TargetAgent
	// and TargetName is set; normalization resolves names into agents
	// and keeps the name alongside.
	TargetAgent *Agent

	// TargetName names the delegate when the agent was not yet
	// resolvable at construction time.
	TargetName string

	ToolName        string
	ToolDescription string

	// InputSchema is the JSON schema for the tool call arguments.
	InputSchema json.RawMessage

	OnInvoke    OnInvokeFunc
	InputFilter InputFilter

	// safe marks the filter as already wrapped; double-wrapping is a
	// no-op. Managed by the handoff engine.
	safe bool
}

// Target returns the best available name for the delegate.
func (h *Handoff) Target() string {
	if h.TargetAgent != nil {
		return h.TargetAgent.Name
	}
	return h.TargetName
}

// MarkSafe flags the descriptor's filter as safety-wrapped.
func (h *Handoff) MarkSafe() { h.safe = true }

// IsSafe reports whether the filter has been safety-wrapped.
func (h *Handoff) IsSafe() bool { return h.safe }

// Agent is a per-turn working copy of an agent definition: the unit the
// runtime hands to a provider. Templates are immutable; Clone produces
// the mutable copy each turn executes.
//
// Handoffs is deliberately heterogeneous ([]any): template loading and
// user code produce canonical *Handoff values, models.HandoffSpec maps,
// or raw *Agent targets. The handoff engine normalizes the list to
// canonical descriptors before the provider sees it.
type Agent struct {
	Name          string
	Instructions  string
	Model         models.ModelRef
	ModelSettings map[string]any
	Tools         []ToolSpec
	Handoffs      []any
}

// CloneOptions selects the fields Clone overrides.
type CloneOptions struct {
	Instructions *string
	Handoffs     []any
}

// Clone returns a copy of the agent with the given overrides applied.
// The Tools and Handoffs slices are copied, so appending to or replacing
// entries in the clone never touches the original; the ModelSettings map
// and the values the Handoffs entries point to are shared.
func (a *Agent) Clone(opts CloneOptions) *Agent {
	out := &Agent{
		Name:          a.Name,
		Instructions:  a.Instructions,
		Model:         a.Model,
		ModelSettings: a.ModelSettings,
		Tools:         append([]ToolSpec(nil), a.Tools...),
		Handoffs:      append([]any(nil), a.Handoffs...),
	}
	if opts.Instructions != nil {
		out.Instructions = *opts.Instructions
	}
	if opts.Handoffs != nil {
		out.Handoffs = append([]any(nil), opts.Handoffs...)
	}
	return out
}

// CanonicalHandoffs returns the already-normalized descriptors in the
// handoff list, skipping entries not yet canonical.
func (a *Agent) CanonicalHandoffs() []*Handoff {
	out := make([]*Handoff, 0, len(a.Handoffs))
	for _, h := range a.Handoffs {
		if ho, ok := h.(*Handoff); ok {
			out = append(out, ho)
		}
	}
	return out
}

// String implements fmt.Stringer for log output.
func (a *Agent) String() string { return "agent:" + a.Name }
