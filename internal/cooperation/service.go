// Package cooperation is the declarative layer over the handoff
// engine for building triage patterns: register experts once, derive
// triage agents from the registered set, or route to an expert
// directly without an LLM triage step.
package cooperation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ensemble-run/ensemble/internal/handoff"
	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/internal/runtime"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// ExpertConfig declares a handoff target.
type ExpertConfig struct {
	// Name is the expert's template name in the registry.
	Name string

	// Template optionally registers the expert's definition; nil means
	// the registry already holds it.
	Template *models.AgentTemplate

	// Description becomes the handoff tool description.
	Description string

	// ToolName overrides the default handoff_to_<name>.
	ToolName string

	// InputFilter accepts any coercible filter shape: a canonical
	// filter, a bare factory (initialized with defaults), or a plain
	// history transform. Nil selects RemoveAllTools.
	InputFilter any
}

// Service registers experts and builds triage agents. Every execution
// path goes through the agent runtime, so authentication, persistence,
// and the handoff depth bound apply uniformly.
type Service struct {
	mu      sync.RWMutex
	runtime *runtime.Runtime
	experts map[string]*llm.Handoff
	logger  *slog.Logger
}

// NewService builds a cooperation service on top of the runtime.
func NewService(rt *runtime.Runtime, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runtime: rt,
		experts: map[string]*llm.Handoff{},
		logger:  logger,
	}
}

// RegisterExpert stores a canonical handoff config for the expert and,
// when a template is supplied, installs it in the registry.
func (s *Service) RegisterExpert(cfg ExpertConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("expert name required")
	}
	if cfg.Template != nil {
		if cfg.Template.Name == "" {
			cfg.Template.Name = cfg.Name
		}
		if err := s.runtime.Templates().Register(cfg.Template); err != nil {
			return fmt.Errorf("register expert template: %w", err)
		}
	} else if _, err := s.runtime.Templates().Get(cfg.Name); err != nil {
		return fmt.Errorf("expert %q: %w", cfg.Name, err)
	}

	filter, ok := handoff.CoerceFilter(cfg.InputFilter)
	if !ok {
		return fmt.Errorf("expert %q: unusable input filter %T", cfg.Name, cfg.InputFilter)
	}
	if filter == nil {
		filter = handoff.RemoveAllTools
	}

	desc := &llm.Handoff{
		TargetName:      cfg.Name,
		ToolName:        cfg.ToolName,
		ToolDescription: cfg.Description,
		InputFilter:     filter,
	}

	s.mu.Lock()
	s.experts[cfg.Name] = desc
	s.mu.Unlock()
	s.logger.Info("expert registered", "name", cfg.Name)
	return nil
}

// Experts lists the registered expert names, sorted.
func (s *Service) Experts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.experts))
	for name := range s.experts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateTriageAgent clones the base template into a triage agent whose
// handoff list is the named experts. With no instructions, a default
// prompt rendering the expert tool names is injected.
func (s *Service) CreateTriageAgent(baseTemplate string, expertNames []string, instructions string) (*llm.Agent, error) {
	tmpl, err := s.runtime.Templates().Get(baseTemplate)
	if err != nil {
		return nil, err
	}
	base := s.runtime.Templates().BuildAgent(tmpl)

	s.mu.RLock()
	handoffs := make([]any, 0, len(expertNames))
	var toolNames []string
	for _, name := range expertNames {
		desc, ok := s.experts[name]
		if !ok {
			s.mu.RUnlock()
			return nil, fmt.Errorf("expert %q not registered", name)
		}
		// Copy the descriptor so per-triage normalization never
		// mutates the registered original.
		cp := *desc
		handoffs = append(handoffs, &cp)
		toolName := cp.ToolName
		if toolName == "" {
			toolName = handoff.ToolNamePrefix + name
		}
		toolNames = append(toolNames, toolName)
	}
	s.mu.RUnlock()

	if instructions == "" {
		instructions = defaultTriageInstructions(toolNames)
	}

	agent := base.Clone(llm.CloneOptions{
		Instructions: &instructions,
		Handoffs:     handoffs,
	})
	return s.runtime.Engine().PreRunHook(agent)
}

// RunTriage executes a triage agent built by CreateTriageAgent.
func (s *Service) RunTriage(ctx context.Context, agent *llm.Agent, req *runtime.TurnRequest) *models.TurnResult {
	req.Agent = agent
	return s.runtime.RunTurn(ctx, req)
}

// DirectHandoffToExpert bypasses LLM triage: the named expert runs
// against the user message with the referral system message
// synthesized from reason, in the given session.
func (s *Service) DirectHandoffToExpert(ctx context.Context, expertName, userMessage, reason string, req *runtime.TurnRequest) *models.TurnResult {
	s.mu.RLock()
	_, registered := s.experts[expertName]
	s.mu.RUnlock()
	if !registered {
		return &models.TurnResult{
			Input:     userMessage,
			Success:   false,
			Error:     fmt.Sprintf("expert %q not registered", expertName),
			ErrorKind: models.KindTemplateNotFound,
		}
	}

	if req == nil {
		req = &runtime.TurnRequest{}
	}
	req.Template = expertName
	req.Input = userMessage
	req.ExpertOnly = true
	req.Reason = reason
	return s.runtime.RunTurn(ctx, req)
}

func defaultTriageInstructions(toolNames []string) string {
	var b strings.Builder
	b.WriteString("You are a triage assistant. Answer simple questions yourself; ")
	b.WriteString("for anything that needs a specialist, delegate with the matching handoff tool.\n\n")
	b.WriteString("Available handoffs:\n")
	for _, name := range toolNames {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	b.WriteString("\nWhen delegating, give a clear reason so the specialist has context.")
	return b.String()
}
