package runtime

import (
	"context"
	"strings"
	"testing"

	"github.com/ensemble-run/ensemble/pkg/models"
)

func triageTemplate(experts ...string) *models.AgentTemplate {
	tmpl := &models.AgentTemplate{
		Name:         "triage_agent",
		Instructions: "Route the user to the right expert.",
		Model:        models.ModelRef{Name: "fake-1", Provider: "fake"},
	}
	for _, name := range experts {
		tmpl.Handoffs = append(tmpl.Handoffs, models.HandoffSpec{
			AgentName:   name,
			InputFilter: models.FilterRemoveTools,
		})
	}
	return tmpl
}

func expertTemplate(name string) *models.AgentTemplate {
	return &models.AgentTemplate{
		Name:         name,
		Instructions: "You are " + name + ".",
		Model:        models.ModelRef{Name: "fake-1", Provider: "fake"},
	}
}

func TestRunTurn_Handoff(t *testing.T) {
	f := newFixture(t,
		triageTemplate("travel_agent", "finance_agent"),
		expertTemplate("travel_agent"),
		expertTemplate("finance_agent"),
	)
	f.provider.script = [][]*chunk{
		// Triage decides to delegate.
		toolCall("handoff_to_finance_agent", `{"reason": "investment advice"}`),
		// The finance expert answers.
		text("Spread the 100k across index funds."),
	}

	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "triage_agent",
		Input:    "I have 100k to invest",
	})
	if !result.Success {
		t.Fatalf("turn failed: %s", result.Error)
	}
	if result.Output != "Spread the 100k across index funds." {
		t.Errorf("output = %q, want the expert's text", result.Output)
	}

	if len(result.Items) != 1 || result.Items[0].Type != models.ItemHandoffResult {
		t.Fatalf("items = %+v, want one handoff_result", result.Items)
	}
	hr, ok := result.Items[0].Content.(*models.HandoffResult)
	if !ok {
		t.Fatalf("handoff content = %T", result.Items[0].Content)
	}
	if hr.AgentName != "finance_agent" {
		t.Errorf("agent_name = %q", hr.AgentName)
	}
	if hr.Body != result.Output {
		t.Errorf("body = %q", hr.Body)
	}

	// The expert ran with the referral system message.
	expertCall := f.provider.calls[1]
	if !strings.Contains(expertCall.System, "You are finance_agent.") ||
		!strings.Contains(expertCall.System, "investment advice") {
		t.Errorf("expert system = %q", expertCall.System)
	}

	// The session holds the user message and the expert's answer.
	session, _ := f.store.Load(context.Background(), result.SessionID)
	msgs := session.Context.Messages
	if len(msgs) != 2 || msgs[1].Content != result.Output {
		t.Errorf("session messages = %+v", msgs)
	}
}

func TestRunTurn_HandoffLoopBound(t *testing.T) {
	// Two triage agents that always delegate to each other.
	a := &models.AgentTemplate{
		Name:         "ping_agent",
		Instructions: "ping",
		Model:        models.ModelRef{Name: "fake-1", Provider: "fake"},
		Handoffs:     []models.HandoffSpec{{AgentName: "pong_agent"}},
	}
	b := &models.AgentTemplate{
		Name:         "pong_agent",
		Instructions: "pong",
		Model:        models.ModelRef{Name: "fake-1", Provider: "fake"},
		Handoffs:     []models.HandoffSpec{{AgentName: "ping_agent"}},
	}
	f := newFixture(t, a, b)

	// Every level emits another handoff; the depth bound must trip.
	for i := 0; i < 10; i++ {
		f.provider.script = append(f.provider.script,
			toolCall("handoff_to_pong_agent", `{"reason": "loop"}`),
			toolCall("handoff_to_ping_agent", `{"reason": "loop"}`),
		)
	}

	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "ping_agent", Input: "go",
	})
	if result.Success || result.ErrorKind != models.KindHandoffLoop {
		t.Fatalf("result = %+v, want handoff_loop", result)
	}
	// Depth limit 3: triage (0) plus exactly MaxDepth delegations ran.
	if calls := len(f.provider.calls); calls != 4 {
		t.Errorf("provider calls = %d, want 4 (depth bound of 3)", calls)
	}
}

func TestRunTurn_DirectHandoff(t *testing.T) {
	f := newFixture(t, expertTemplate("finance_agent"))
	f.provider.script = [][]*chunk{text("Direct expert answer.")}

	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template:   "finance_agent",
		Input:      "help me invest",
		ExpertOnly: true,
		Reason:     "budget planning",
	})
	if !result.Success {
		t.Fatal(result.Error)
	}
	call := f.provider.calls[0]
	if !strings.Contains(call.System, "You are finance_agent.") ||
		!strings.Contains(call.System, "budget planning") {
		t.Errorf("system = %q", call.System)
	}
}

func TestRunTurn_HandoffFilterApplied(t *testing.T) {
	f := newFixture(t,
		triageTemplate("finance_agent"),
		expertTemplate("finance_agent"),
	)

	// Seed a session whose history contains tool traffic.
	seed := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template: "triage_agent", Input: "warmup",
	})

	// Manually plant a tool message in the session history.
	if err := f.store.AppendMessage(context.Background(), seed.SessionID, models.Message{
		Role:        models.RoleTool,
		ToolResults: []models.ToolResult{{ToolCallID: "x", Content: "tool noise"}},
	}); err != nil {
		t.Fatal(err)
	}

	f.provider.script = [][]*chunk{
		toolCall("handoff_to_finance_agent", `{"reason": "money"}`),
		text("expert answer"),
	}
	result := f.runtime.RunTurn(context.Background(), &TurnRequest{
		Template:  "triage_agent",
		Input:     "invest",
		SessionID: seed.SessionID,
	})
	if !result.Success {
		t.Fatal(result.Error)
	}

	// remove_tools filter: the expert call must not see tool traffic.
	expertCall := f.provider.calls[len(f.provider.calls)-1]
	for _, msg := range expertCall.Messages {
		if msg.IsToolItem() {
			t.Errorf("expert saw tool item: %+v", msg)
		}
	}
}
