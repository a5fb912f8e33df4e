// Package runtime orchestrates agent turns: session resolution, the
// security gate, context assembly, system-message synthesis, provider
// invocation (blocking or streamed), tool dispatch, and handoff
// post-processing. One Runtime serves all turns; per-turn state lives
// on the stack.
package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/ensemble-run/ensemble/internal/handoff"
	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/internal/observability"
	"github.com/ensemble-run/ensemble/internal/security"
	"github.com/ensemble-run/ensemble/internal/sessions"
	"github.com/ensemble-run/ensemble/internal/templates"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// Defaults for turn execution bounds.
const (
	DefaultTurnTimeout   = 30 * time.Second
	DefaultEventTimeout  = 10 * time.Second
	DefaultMaxToolRounds = 4
)

// Options wires a Runtime. Templates, Store, Gate, and at least one
// provider are required.
type Options struct {
	Templates       *templates.Registry
	Store           sessions.Store
	Gate            *security.Gate
	Providers       map[string]llm.Provider
	DefaultProvider string
	Tools           *ToolRegistry
	Metrics         *observability.Metrics
	Tracer          *observability.Tracer
	Logger          *slog.Logger

	// TurnTimeout bounds one whole turn, handoffs included.
	TurnTimeout time.Duration
	// EventTimeout bounds the wait for each streamed event.
	EventTimeout time.Duration
	// MaxHandoffDepth bounds delegation recursion per turn.
	MaxHandoffDepth int
	// MaxToolRounds bounds LLM/tool round-trips per agent.
	MaxToolRounds int

	// SessionTTL applies to sessions the runtime creates.
	SessionTTL time.Duration
	// Context bounds applied to freshly created contexts.
	ContextMaxMessages      int
	ContextMaxContentLength int
}

// Runtime executes agent turns against the configured services.
type Runtime struct {
	templates       *templates.Registry
	store           sessions.Store
	gate            *security.Gate
	engine          *handoff.Engine
	policy          *sessions.AccessPolicy
	providers       map[string]llm.Provider
	defaultProvider string
	tools           *ToolRegistry
	metrics         *observability.Metrics
	tracer          *observability.Tracer
	logger          *slog.Logger

	turnTimeout      time.Duration
	eventTimeout     time.Duration
	maxToolRounds    int
	sessionTTL       time.Duration
	maxMessages      int
	maxContentLength int
}

// New fills defaults for unset options and builds a Runtime; it does
// not check that the required collaborators are present.
func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Tools == nil {
		opts.Tools = NewToolRegistry()
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = DefaultEventTimeout
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}

	resolver := &registryResolver{registry: opts.Templates}
	return &Runtime{
		templates:        opts.Templates,
		store:            opts.Store,
		gate:             opts.Gate,
		engine:           handoff.NewEngine(resolver, opts.MaxHandoffDepth, logger),
		policy:           sessions.NewAccessPolicy(),
		providers:        opts.Providers,
		defaultProvider:  opts.DefaultProvider,
		tools:            opts.Tools,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		logger:           logger,
		turnTimeout:      opts.TurnTimeout,
		eventTimeout:     opts.EventTimeout,
		maxToolRounds:    opts.MaxToolRounds,
		sessionTTL:       opts.SessionTTL,
		maxMessages:      opts.ContextMaxMessages,
		maxContentLength: opts.ContextMaxContentLength,
	}
}

// Engine exposes the handoff engine (the cooperation service builds on
// it).
func (r *Runtime) Engine() *handoff.Engine { return r.engine }

// Templates exposes the template registry.
func (r *Runtime) Templates() *templates.Registry { return r.templates }

// Store exposes the session store.
func (r *Runtime) Store() sessions.Store { return r.store }

// Tools exposes the tool registry.
func (r *Runtime) Tools() *ToolRegistry { return r.tools }

// TurnRequest carries one user turn into the runtime.
type TurnRequest struct {
	// Template names the agent definition to execute.
	Template string

	// Input is the user's message.
	Input string

	// SessionID binds the turn to an existing session; empty mints a
	// fresh one. An unresolvable id is treated as fresh.
	SessionID string

	// UserName is the display name for new sessions.
	UserName string

	// APIKey and JWT are the caller's credentials; Auth short-circuits
	// authentication when the transport already ran the gate.
	APIKey string
	JWT    string
	Auth   *models.AuthResult

	// SystemOverride replaces the template's instructions.
	SystemOverride string

	// Context, when set, is executed against directly instead of the
	// session's reconstituted context.
	Context *models.Context

	// Agent, when set, is executed directly instead of resolving
	// Template through the registry. The cooperation service uses this
	// for triage agents carrying function-valued input filters.
	Agent *llm.Agent

	// ExpertOnly, when set with Reason, bypasses LLM triage and hands
	// the turn straight to the named template (cooperation service's
	// direct handoff).
	ExpertOnly bool
	Reason     string
}

// RunTurn executes one turn synchronously and returns the result
// record. Errors are folded into the record; there is no separate
// error return.
func (r *Runtime) RunTurn(ctx context.Context, req *TurnRequest) *models.TurnResult {
	var result *models.TurnResult
	events := r.run(ctx, req)
	for event := range events {
		if event.Terminal() {
			if data, ok := event.Data.(*models.TurnResult); ok {
				result = data
			}
		}
	}
	if result == nil {
		result = &models.TurnResult{
			Input:     req.Input,
			Success:   false,
			Error:     "turn produced no result",
			ErrorKind: models.KindInternal,
		}
	}
	return result
}

// StreamTurn executes one turn and streams its events. The channel is
// closed after the terminal event (done, error, or cancelled); content
// events carry assistant text deltas in arrival order.
func (r *Runtime) StreamTurn(ctx context.Context, req *TurnRequest) <-chan models.StreamEvent {
	return r.run(ctx, req)
}

func (r *Runtime) run(ctx context.Context, req *TurnRequest) <-chan models.StreamEvent {
	events := make(chan models.StreamEvent, 16)
	go func() {
		defer close(events)
		emit := func(e models.StreamEvent) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}
		result := r.execute(ctx, req, emit)

		terminal := models.StreamEvent{
			SessionID: result.SessionID,
			Type:      models.EventDone,
			Data:      result,
			Done:      true,
		}
		switch result.ErrorKind {
		case models.KindCancelled:
			terminal.Type = models.EventCancelled
		case "":
			// success
		default:
			terminal.Type = models.EventError
			terminal.Content = result.Error
		}
		// Deliver the terminal event even when the caller's context is
		// already gone; an abandoned consumer only costs the buffered
		// slot.
		select {
		case events <- terminal:
		default:
			select {
			case events <- terminal:
			case <-time.After(time.Second):
			}
		}
	}()
	return events
}
