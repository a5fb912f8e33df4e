package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/ensemble-run/ensemble/internal/handoff"
	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/internal/security"
	"github.com/ensemble-run/ensemble/internal/sessions"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// turnState is the per-turn context threaded through the pipeline.
type turnState struct {
	req       *TurnRequest
	auth      *models.AuthResult
	sessionID string
	workCtx   *models.Context
	template  *models.AgentTemplate
	emit      func(models.StreamEvent)
	// partial accumulates assistant text for truncated persistence on
	// cancellation or timeout.
	partial string
}

// execute runs the full pipeline for one turn and always returns a
// result record; failures are folded in as typed error kinds.
func (r *Runtime) execute(ctx context.Context, req *TurnRequest, emit func(models.StreamEvent)) *models.TurnResult {
	start := time.Now()
	if r.metrics != nil {
		r.metrics.ActiveTurns.Inc()
		defer r.metrics.ActiveTurns.Dec()
	}

	ctx, cancel := context.WithTimeout(ctx, r.turnTimeout)
	defer cancel()

	st := &turnState{req: req, emit: emit}
	result := r.executeInner(ctx, st)

	if r.metrics != nil {
		label := req.Template
		if label == "" && req.Agent != nil {
			label = req.Agent.Name
		}
		status := "success"
		switch {
		case result.ErrorKind == models.KindCancelled:
			status = "cancelled"
		case !result.Success:
			status = "error"
		}
		r.metrics.TurnCounter.WithLabelValues(label, status).Inc()
		r.metrics.TurnDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		switch result.ErrorKind {
		case models.KindAuthFailed, models.KindRateLimited, models.KindQuotaExceeded,
			models.KindContentBlocked, models.KindPermissionDenied:
			r.metrics.GateRejections.WithLabelValues(string(result.ErrorKind)).Inc()
		}
	}
	return result
}

func (r *Runtime) executeInner(ctx context.Context, st *turnState) *models.TurnResult {
	req := st.req

	// Template resolution. A pre-built agent (cooperation service)
	// bypasses the registry.
	var tmpl *models.AgentTemplate
	var err error
	if req.Agent == nil {
		tmpl, err = r.templates.Get(req.Template)
		if err != nil {
			return r.fail(st, err)
		}
		st.template = tmpl
	}

	// Security gate: authentication.
	auth := req.Auth
	if auth == nil {
		auth, err = r.gate.Authenticate(ctx, req.APIKey, req.JWT)
		if err != nil {
			return r.fail(st, err)
		}
	}
	st.auth = auth

	// Session resolution.
	session, err := r.resolveSession(ctx, st)
	if err != nil {
		return r.fail(st, err)
	}
	st.sessionID = session.ID

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.StartTurn(ctx, req.Template, session.ID)
		defer span.End()
	}

	// Security gate: rate, quota, content. On content rewrite the
	// filtered text replaces the user input for the rest of the turn.
	input, err := r.gate.CheckTurn(ctx, auth, req.Input)
	if err != nil {
		return r.fail(st, err)
	}

	// Context assembly.
	if req.Context != nil {
		st.workCtx = req.Context
	} else {
		st.workCtx = session.Context.Clone()
	}
	st.workCtx.SessionID = session.ID
	r.applyContextBounds(st.workCtx)
	st.workCtx.AddMessage(models.RoleUser, input)

	// Persist the user message first: even failed turns record what
	// the user said.
	if err := r.store.AppendMessage(ctx, session.ID, models.Message{
		Role:    models.RoleUser,
		Content: input,
	}); err != nil {
		return r.fail(st, models.WrapError(models.KindInternal, err))
	}

	// System-message synthesis.
	base := req.Agent
	if base == nil {
		base = r.templates.BuildAgent(tmpl)
	}
	instructions := base.Instructions
	if req.SystemOverride != "" {
		instructions = req.SystemOverride
	}
	instructions = instructions + "\n\n" + models.UserInfoBlock(st.workCtx)

	// Agent preparation: clone with the synthesized instructions, then
	// normalize the handoff list.
	agent := base.Clone(llm.CloneOptions{Instructions: &instructions})
	agent, err = r.engine.PreRunHook(agent)
	if err != nil {
		return r.fail(st, models.WrapError(models.KindInternal, err))
	}

	var output string
	var handoffResult *models.HandoffResult

	if req.ExpertOnly {
		// Direct handoff: skip triage and run the template as the
		// referred expert.
		reason := req.Reason
		if reason == "" {
			reason = "further assistance"
		}
		sys := handoff.SystemMessage(agent.Name, reason) + "\n\n" + models.UserInfoBlock(st.workCtx)
		expert := agent.Clone(llm.CloneOptions{Instructions: &sys})
		output, handoffResult, err = r.runAgent(ctx, st, expert, st.workCtx.NonSystemMessages(), 1)
	} else {
		output, handoffResult, err = r.runAgent(ctx, st, agent, st.workCtx.NonSystemMessages(), 0)
	}
	if err != nil {
		return r.failWithPartial(ctx, st, err)
	}

	// Persist the assistant output.
	if err := r.store.AppendMessage(ctx, st.sessionID, models.Message{
		Role:    models.RoleAssistant,
		Content: output,
	}); err != nil {
		return r.fail(st, models.WrapError(models.KindInternal, err))
	}
	_ = r.store.Touch(ctx, st.sessionID)

	result := &models.TurnResult{
		SessionID: st.sessionID,
		Input:     req.Input,
		Output:    output,
		Success:   true,
	}
	if handoffResult != nil {
		result.Items = append(result.Items, models.ResultItem{
			Type:    models.ItemHandoffResult,
			Content: handoffResult,
		})
	}
	return result
}

// resolveSession loads the request's session or creates a fresh one
// bound to the authenticated subject. Unresolvable ids are treated as
// fresh per the session contract.
func (r *Runtime) resolveSession(ctx context.Context, st *turnState) (*models.Session, error) {
	userID := st.auth.Subject
	if userID == "" {
		userID = "anonymous"
	}

	if st.req.SessionID != "" {
		session, err := r.store.Load(ctx, st.req.SessionID)
		if err == nil {
			if !r.policy.CanWrite(&session.Metadata, userID, st.auth.Roles) {
				return nil, models.NewError(models.KindPermissionDenied,
					"session %s is not writable by %s", session.ID, userID)
			}
			return session, nil
		}
		if !sessions.IsNotFound(err) {
			return nil, models.WrapError(models.KindInternal, err)
		}
		// Fall through: mint a fresh session under the requested id so
		// the caller's handle stays valid.
	}

	id := st.req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	sessionCtx := models.NewContext(userID, st.req.UserName)
	r.applyContextBounds(sessionCtx)
	sessionCtx.SessionID = id
	session := &models.Session{
		ID:       id,
		Context:  sessionCtx,
		Metadata: models.NewSessionMetadata(userID, r.sessionTTL),
	}
	if err := r.store.Create(ctx, session); err != nil {
		return nil, models.WrapError(models.KindInternal, err)
	}
	return session, nil
}

func (r *Runtime) applyContextBounds(c *models.Context) {
	if r.maxMessages > 0 {
		c.MaxMessages = r.maxMessages
	}
	if r.maxContentLength > 0 {
		c.MaxContentLength = r.maxContentLength
	}
}

// runAgent drives one agent against the provider, dispatching tools
// between rounds and following at most one handoff per level. Returns
// the agent's final text and, when a delegation happened below, the
// handoff record.
func (r *Runtime) runAgent(ctx context.Context, st *turnState, agent *llm.Agent, messages []models.Message, depth int) (string, *models.HandoffResult, error) {
	if depth > r.engine.MaxDepth() {
		return "", nil, models.NewError(models.KindHandoffLoop,
			"handoff depth %d exceeds limit %d", depth, r.engine.MaxDepth())
	}

	provider, err := r.providerFor(agent)
	if err != nil {
		return "", nil, err
	}

	tools := append(append([]llm.ToolSpec(nil), agent.Tools...), handoff.ToolSpecs(agent)...)
	completion := &llm.CompletionRequest{
		Model:    agent.Model.Name,
		System:   agent.Instructions,
		Messages: messages,
		Tools:    tools,
		Settings: agent.ModelSettings,
	}

	var priorItems []models.Message
	for round := 0; round < r.maxToolRounds; round++ {
		text, toolCalls, err := r.consumeCompletion(ctx, st, provider, completion)
		if err != nil {
			return text, nil, err
		}

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		}

		if len(toolCalls) == 0 {
			return text, nil, nil
		}

		// Handoff post-processing: a tool call naming a handoff wins
		// over ordinary dispatch.
		if det := r.engine.Detect(agent, []models.Message{assistant}); det != nil {
			out, res, err := r.followHandoff(ctx, st, agent, det, messages, priorItems, assistant, depth)
			return out, res, err
		}

		// Ordinary tool dispatch.
		results := make([]models.ToolResult, 0, len(toolCalls))
		for _, call := range toolCalls {
			st.emit(models.StreamEvent{
				SessionID: st.sessionID,
				Type:      models.EventToolCall,
				Data:      call,
			})
			res, err := r.tools.Execute(ctx, r.gate, st.auth, call)
			if err != nil {
				// Permission denial fails the turn; the session keeps
				// the user message plus an error note.
				return "", nil, err
			}
			results = append(results, *res)
			st.emit(models.StreamEvent{
				SessionID: st.sessionID,
				Type:      models.EventToolResult,
				Data:      res,
			})
		}

		toolMsg := models.Message{Role: models.RoleTool, ToolResults: results}
		priorItems = append(priorItems, assistant, toolMsg)
		messages = append(messages, assistant, toolMsg)
		completion.Messages = messages
	}

	return "", nil, models.NewError(models.KindInternal,
		"agent %s exceeded %d tool rounds", agent.Name, r.maxToolRounds)
}

// followHandoff executes the detected delegation: filter the history,
// synthesize the referral system message, and re-run the pipeline loop
// as the expert with the same session, context, and auth.
func (r *Runtime) followHandoff(ctx context.Context, st *turnState, from *llm.Agent, det *handoff.Detection, history, priorItems []models.Message, assistant models.Message, depth int) (string, *models.HandoffResult, error) {
	if depth+1 > r.engine.MaxDepth() {
		return "", nil, models.NewError(models.KindHandoffLoop,
			"handoff depth %d exceeds limit %d", depth+1, r.engine.MaxDepth())
	}
	if det.Descriptor != nil && det.Descriptor.OnInvoke != nil {
		if err := det.Descriptor.OnInvoke(ctx, det.Reason); err != nil {
			r.logger.Warn("handoff vetoed by on_invoke", "target", det.Target.Name, "error", err)
			return assistant.Content, nil, nil
		}
	}
	if r.metrics != nil {
		r.metrics.HandoffCounter.WithLabelValues(from.Name, det.Target.Name).Inc()
	}
	r.logger.Info("handoff",
		"from", from.Name, "to", det.Target.Name,
		"reason", det.Reason, "depth", depth+1)

	filtered := det.ApplyFilter(models.HandoffInputData{
		InputHistory:    history,
		PreHandoffItems: priorItems,
		NewItems:        []models.Message{assistant},
	})
	expertHistory := filtered.InputHistory
	if len(expertHistory) == 0 || expertHistory[len(expertHistory)-1].Role != models.RoleUser {
		if last := lastUserMessage(history); last != nil {
			expertHistory = append(expertHistory, *last)
		}
	}

	sys := handoff.SystemMessage(det.Target.Name, det.Reason) + "\n\n" + models.UserInfoBlock(st.workCtx)
	expert := det.Target.Clone(llm.CloneOptions{Instructions: &sys})
	expert, err := r.engine.PreRunHook(expert)
	if err != nil {
		return "", nil, models.WrapError(models.KindInternal, err)
	}

	output, nested, err := r.runAgent(ctx, st, expert, expertHistory, depth+1)
	if err != nil {
		return output, nil, err
	}
	if nested != nil {
		// A chain of delegations reports the agent that actually
		// answered.
		return output, nested, nil
	}
	return output, &models.HandoffResult{
		AgentName: det.Target.Name,
		Body:      output,
		Reason:    det.Reason,
	}, nil
}

// consumeCompletion drives one provider call, emitting content events
// and enforcing the per-event budget. Returns accumulated text and any
// tool calls.
func (r *Runtime) consumeCompletion(ctx context.Context, st *turnState, provider llm.Provider, req *llm.CompletionRequest) (string, []models.ToolCall, error) {
	start := time.Now()
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return "", nil, models.WrapError(models.KindInternal, err)
	}

	var text string
	var toolCalls []models.ToolCall
	eventTimer := time.NewTimer(r.eventTimeout)
	defer eventTimer.Stop()

	for {
		if !eventTimer.Stop() {
			select {
			case <-eventTimer.C:
			default:
			}
		}
		eventTimer.Reset(r.eventTimeout)
		select {
		case <-ctx.Done():
			st.partial = text
			return text, toolCalls, r.ctxError(ctx)

		case <-eventTimer.C:
			st.partial = text
			return text, toolCalls, models.NewError(models.KindTimeout,
				"no event within %s", r.eventTimeout)

		case chunk, ok := <-chunks:
			if !ok {
				// A cancelled context also closes the provider stream;
				// report the cancellation, not a clean finish.
				if ctx.Err() != nil {
					st.partial = text
					return text, toolCalls, r.ctxError(ctx)
				}
				r.recordLLMMetrics(st, provider, req.Model, start, 0, 0)
				return text, toolCalls, nil
			}
			if chunk.Error != nil {
				st.partial = text
				if errors.Is(chunk.Error, context.Canceled) || errors.Is(chunk.Error, context.DeadlineExceeded) {
					return text, toolCalls, r.ctxError(ctx)
				}
				return text, toolCalls, models.WrapError(models.KindInternal, chunk.Error)
			}
			if chunk.Text != "" {
				text += chunk.Text
				st.partial = text
				st.emit(models.StreamEvent{
					SessionID: st.sessionID,
					Type:      models.EventContent,
					Content:   chunk.Text,
				})
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				r.recordLLMMetrics(st, provider, req.Model, start, chunk.InputTokens, chunk.OutputTokens)
				return text, toolCalls, nil
			}
		}
	}
}

func (r *Runtime) recordLLMMetrics(st *turnState, provider llm.Provider, model string, start time.Time, in, out int) {
	// Token quota is consumed post-hoc; the call-count quota was
	// reserved before the turn started.
	if total := int64(in + out); total > 0 && r.gate != nil && r.gate.Quota != nil {
		r.gate.Quota.UseQuota(st.auth.Subject, security.QuotaModelTokens, total)
	}
	if r.metrics == nil {
		return
	}
	r.metrics.LLMRequestDuration.WithLabelValues(provider.Name(), model).Observe(time.Since(start).Seconds())
	if in > 0 {
		r.metrics.LLMTokensUsed.WithLabelValues(provider.Name(), model, "prompt").Add(float64(in))
	}
	if out > 0 {
		r.metrics.LLMTokensUsed.WithLabelValues(provider.Name(), model, "completion").Add(float64(out))
	}
}

func (r *Runtime) ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewError(models.KindTimeout, "turn exceeded its duration budget")
	}
	return models.NewError(models.KindCancelled, "turn cancelled")
}

func (r *Runtime) providerFor(agent *llm.Agent) (llm.Provider, error) {
	name := agent.Model.Provider
	if name == "" {
		name = r.defaultProvider
	}
	provider, ok := r.providers[name]
	if !ok {
		return nil, models.NewError(models.KindInternal, "provider %q not configured", name)
	}
	return provider, nil
}

func lastUserMessage(messages []models.Message) *models.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return &messages[i]
		}
	}
	return nil
}

// fail converts err into a failed result without touching the session.
func (r *Runtime) fail(st *turnState, err error) *models.TurnResult {
	kind := models.KindOf(err)
	r.logger.Warn("turn failed", "template", st.req.Template, "kind", kind, "error", err)
	return &models.TurnResult{
		SessionID: st.sessionID,
		Input:     st.req.Input,
		Success:   false,
		Error:     err.Error(),
		ErrorKind: kind,
	}
}

// failWithPartial persists whatever assistant text accumulated before
// the failure. Cancellation and timeout keep the partial output as a
// truncated assistant message; permission denials leave an error note
// instead.
func (r *Runtime) failWithPartial(ctx context.Context, st *turnState, err error) *models.TurnResult {
	kind := models.KindOf(err)

	// Persistence must survive the turn's own deadline.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	switch kind {
	case models.KindCancelled, models.KindTimeout:
		if st.partial != "" {
			if perr := r.store.AppendMessage(persistCtx, st.sessionID, models.Message{
				Role:      models.RoleAssistant,
				Content:   st.partial,
				Truncated: true,
			}); perr != nil {
				r.logger.Warn("partial persist failed", "session", st.sessionID, "error", perr)
			}
		}
	case models.KindPermissionDenied:
		if perr := r.store.AppendMessage(persistCtx, st.sessionID, models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf("error: %v", err),
		}); perr != nil {
			r.logger.Warn("error note persist failed", "session", st.sessionID, "error", perr)
		}
	}

	result := r.fail(st, err)
	if st.partial != "" && (kind == models.KindCancelled || kind == models.KindTimeout) {
		result.Output = st.partial
	}
	return result
}
