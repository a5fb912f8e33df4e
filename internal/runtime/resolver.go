package runtime

import (
	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/internal/templates"
)

// registryResolver adapts the template registry to the handoff
// engine's AgentResolver contract.
type registryResolver struct {
	registry *templates.Registry
}

func (r *registryResolver) ResolveAgent(name string) (*llm.Agent, error) {
	tmpl, err := r.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return r.registry.BuildAgent(tmpl), nil
}
