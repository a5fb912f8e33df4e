package templates

import "github.com/ensemble-run/ensemble/pkg/models"

// defaultTemplates returns the built-in agents installed when the
// template directory is empty: a general assistant and a triage agent
// that delegates to it.
func defaultTemplates() []*models.AgentTemplate {
	return []*models.AgentTemplate{
		{
			Name:         "assistant_agent",
			Instructions: "You are a helpful assistant. Answer clearly and concisely.",
			Model:        models.ModelRef{Name: "gpt-4o", Provider: "openai"},
		},
		{
			Name: "triage_agent",
			Instructions: "You are a triage assistant. Decide whether you can answer " +
				"the user's question yourself or whether a specialist should take over. " +
				"Use a handoff tool to delegate when a specialist fits better.",
			Model: models.ModelRef{Name: "gpt-4o", Provider: "openai"},
			Handoffs: []models.HandoffSpec{
				{AgentName: "assistant_agent", InputFilter: models.FilterRemoveTools},
			},
		},
	}
}
