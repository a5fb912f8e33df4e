package runtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/internal/security"
	"github.com/ensemble-run/ensemble/internal/sessions"
	"github.com/ensemble-run/ensemble/internal/templates"
	"github.com/ensemble-run/ensemble/pkg/models"
)

// chunk shortens the provider chunk type in test scripts.
type chunk = llm.CompletionChunk

// fakeProvider streams scripted chunk sequences, one per Complete
// call.
type fakeProvider struct {
	mu      sync.Mutex
	script  [][]*chunk
	calls   []*llm.CompletionRequest
	release chan struct{} // when set, chunks wait for a tick each
}

func (p *fakeProvider) Name() string        { return "fake" }
func (p *fakeProvider) SupportsTools() bool { return true }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.CompletionRequest) (<-chan *llm.CompletionChunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	var chunks []*chunk
	if len(p.script) > 0 {
		chunks = p.script[0]
		p.script = p.script[1:]
	} else {
		chunks = []*chunk{{Text: "ok"}, {Done: true}}
	}
	release := p.release
	p.mu.Unlock()

	out := make(chan *llm.CompletionChunk)
	go func() {
		defer close(out)
		for _, chunk := range chunks {
			if release != nil {
				select {
				case <-release:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func text(parts ...string) []*chunk {
	var chunks []*chunk
	for _, p := range parts {
		chunks = append(chunks, &chunk{Text: p})
	}
	return append(chunks, &chunk{Done: true})
}

func toolCall(name string, input string) []*chunk {
	return []*chunk{
		{ToolCall: &models.ToolCall{ID: "call-1", Name: name, Input: json.RawMessage(input)}},
		{Done: true},
	}
}

type fixture struct {
	runtime  *Runtime
	provider *fakeProvider
	store    *sessions.MemoryStore
	gate     *security.Gate
}

func newFixture(t *testing.T, tmpls ...*models.AgentTemplate) *fixture {
	t.Helper()

	registry := templates.NewRegistry(t.TempDir(), nil)
	if err := registry.Load(); err != nil {
		t.Fatal(err)
	}
	for _, tmpl := range tmpls {
		if err := registry.Register(tmpl); err != nil {
			t.Fatal(err)
		}
	}

	gate := security.NewGate(nil, nil, nil, nil)
	gate.AllowAnonymous = true

	provider := &fakeProvider{}
	store := sessions.NewMemoryStore(time.Hour, nil)

	rt := New(Options{
		Templates:       registry,
		Store:           store,
		Gate:            gate,
		Providers:       map[string]llm.Provider{"fake": provider},
		DefaultProvider: "fake",
		TurnTimeout:     5 * time.Second,
		EventTimeout:    2 * time.Second,
	})
	return &fixture{runtime: rt, provider: provider, store: store, gate: gate}
}

func assistantTemplate() *models.AgentTemplate {
	return &models.AgentTemplate{
		Name:         "assistant_agent",
		Instructions: "You are a helpful assistant.",
		Model:        models.ModelRef{Name: "fake-1", Provider: "fake"},
	}
}

func TestRunTurn_FreshSession(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	f.provider.script = [][]*chunk{text("Hello", " there")}

	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "assistant_agent",
		Input:    "hello",
	})

	if !result.Success {
		t.Fatalf("turn failed: %s", result.Error)
	}
	if result.Output != "Hello there" {
		t.Errorf("output = %q", result.Output)
	}
	if result.SessionID == "" {
		t.Fatal("no session id minted")
	}

	session, err := f.store.Load(context.Background(), result.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	msgs := session.Context.Messages
	if len(msgs) != 2 {
		t.Fatalf("session has %d messages, want 2 (user, assistant)", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Hello there" {
		t.Errorf("persisted assistant = %q", msgs[1].Content)
	}
}

func TestRunTurn_ExistingSessionCarriesHistory(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	f.provider.script = [][]*chunk{text("first"), text("second")}

	first := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "assistant_agent", Input: "one",
	})
	second := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "assistant_agent", Input: "two", SessionID: first.SessionID,
	})

	if second.SessionID != first.SessionID {
		t.Error("session id should be stable across turns")
	}
	// The second LLM call must have seen the first exchange.
	call := f.provider.calls[1]
	if len(call.Messages) < 3 {
		t.Fatalf("second call saw %d messages, want >= 3", len(call.Messages))
	}
	if call.Messages[0].Content != "one" || call.Messages[1].Content != "first" {
		t.Errorf("history = %+v", call.Messages)
	}
}

func TestRunTurn_UnresolvableSessionTreatedAsFresh(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template:  "assistant_agent",
		Input:     "hi",
		SessionID: "no-such-session",
	})
	if !result.Success {
		t.Fatalf("turn failed: %s", result.Error)
	}
	if result.SessionID != "no-such-session" {
		t.Errorf("caller's session handle should be honored, got %q", result.SessionID)
	}
}

func TestRunTurn_TemplateNotFound(t *testing.T) {
	f := newFixture(t)
	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "ghost", Input: "hi",
	})
	if result.Success || result.ErrorKind != models.KindTemplateNotFound {
		t.Errorf("result = %+v", result)
	}
}

func TestRunTurn_SystemSynthesis(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	f.provider.script = [][]*chunk{text("ok")}

	f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "assistant_agent",
		Input:    "hi",
		UserName: "Alice",
	})

	call := f.provider.calls[0]
	if !strings.Contains(call.System, "You are a helpful assistant.") {
		t.Errorf("template instructions missing: %q", call.System)
	}
	if !strings.Contains(call.System, "User info:") || !strings.Contains(call.System, "user_name: Alice") {
		t.Errorf("user info block missing: %q", call.System)
	}
}

func TestRunTurn_SystemOverride(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	f.provider.script = [][]*chunk{text("ok")}

	f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template:       "assistant_agent",
		Input:          "hi",
		SystemOverride: "You are a pirate.",
	})
	call := f.provider.calls[0]
	if !strings.Contains(call.System, "You are a pirate.") {
		t.Errorf("override missing: %q", call.System)
	}
	if strings.Contains(call.System, "helpful assistant") {
		t.Error("template instructions should be replaced by the override")
	}
}

func TestRunTurn_RateLimited(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	f.gate.Rate = security.NewRateLimiter(map[string]security.RateLimitConfig{
		"model": {Limit: 2, Window: time.Minute},
	})
	f.provider.script = [][]*chunk{text("a"), text("b")}

	for i := 0; i < 2; i++ {
		if res := f.runtime.RunTurn(context.Background(), &TurnRequest{Template: "assistant_agent", Input: "x"}); !res.Success {
			t.Fatalf("turn %d failed: %s", i, res.Error)
		}
	}
	third := f.runtime.RunTurn(context.Background(), &TurnRequest{Template: "assistant_agent", Input: "x"})
	if third.Success || third.ErrorKind != models.KindRateLimited {
		t.Errorf("third turn = %+v, want rate_limited", third)
	}
}

func TestRunTurn_ContentFiltered(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	f.provider.script = [][]*chunk{text("noted")}

	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "assistant_agent",
		Input:    "reach me at bob@example.com",
	})
	if !result.Success {
		t.Fatal(result.Error)
	}
	// The model and the session must both see the filtered input.
	if got := f.provider.calls[0].Messages[0].Content; got != "reach me at [email]" {
		t.Errorf("model saw %q", got)
	}
	session, _ := f.store.Load(context.Background(), result.SessionID)
	if got := session.Context.Messages[0].Content; got != "reach me at [email]" {
		t.Errorf("session stored %q", got)
	}
}

func TestRunTurn_ToolDispatch(t *testing.T) {
	tmpl := assistantTemplate()
	tmpl.Tools = []models.ToolDef{{Name: "calculator", Description: "math"}}
	f := newFixture(t, tmpl)

	f.runtime.Tools().Register(&llm.ToolFunc{
		ToolName: "calculator",
		Desc:     "math",
		InSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			return &models.ToolResult{Content: "4"}, nil
		},
	}, "")

	f.provider.script = [][]*chunk{
		toolCall("calculator", `{"expr":"2+2"}`),
		text("The answer is 4."),
	}

	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "assistant_agent", Input: "what is 2+2?",
	})
	if !result.Success {
		t.Fatal(result.Error)
	}
	if result.Output != "The answer is 4." {
		t.Errorf("output = %q", result.Output)
	}
	// Second call carries the tool result back to the model.
	second := f.provider.calls[1]
	found := false
	for _, msg := range second.Messages {
		for _, tr := range msg.ToolResults {
			if tr.Content == "4" {
				found = true
			}
		}
	}
	if !found {
		t.Error("tool result not fed back to the model")
	}
}

func TestRunTurn_ToolPermissionDenied(t *testing.T) {
	tmpl := assistantTemplate()
	f := newFixture(t, tmpl)

	f.runtime.Tools().Register(&llm.ToolFunc{
		ToolName: "purge_everything",
		Desc:     "dangerous",
		InSchema: json.RawMessage(`{"type":"object"}`),
		Fn: func(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
			t.Fatal("tool must not execute")
			return nil, nil
		},
	}, "tool:admin")

	f.provider.script = [][]*chunk{toolCall("purge_everything", `{}`)}

	// Anonymous callers hold the guest role only.
	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "assistant_agent", Input: "wipe it all",
	})
	if result.Success || result.ErrorKind != models.KindPermissionDenied {
		t.Fatalf("result = %+v, want permission_denied", result)
	}

	// The session gains the user message plus a system error note.
	session, _ := f.store.Load(context.Background(), result.SessionID)
	msgs := session.Context.Messages
	if len(msgs) != 2 {
		t.Fatalf("session has %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || !strings.Contains(msgs[0].Content, "error") {
		t.Errorf("system note = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleUser {
		t.Errorf("user message = %+v", msgs[1])
	}
}

func TestRunTurn_QuotaExceeded(t *testing.T) {
	f := newFixture(t, assistantTemplate())
	f.gate.Quota = security.NewQuotaManager(map[string]int64{security.QuotaModelCalls: 1})
	f.provider.script = [][]*chunk{text("a")}

	if res := f.runtime.RunTurn(context.Background(), &TurnRequest{Template: "assistant_agent", Input: "x"}); !res.Success {
		t.Fatal(res.Error)
	}
	second := f.runtime.RunTurn(context.Background(), &TurnRequest{Template: "assistant_agent", Input: "x"})
	if second.Success || second.ErrorKind != models.KindQuotaExceeded {
		t.Errorf("second = %+v, want quota_exceeded", second)
	}
}
