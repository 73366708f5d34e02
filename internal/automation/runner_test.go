package automation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/agent/providers"
	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// fakeAdapter answers each request with the next scripted turn.
type fakeAdapter struct {
	mu       sync.Mutex
	turns    [][]*agent.Chunk
	requests []*agent.Request
}

func (a *fakeAdapter) Name() string { return "openai" }

func (a *fakeAdapter) Stream(ctx context.Context, req *agent.Request) (<-chan *agent.Chunk, error) {
	return a.StreamWithTools(ctx, req, nil)
}

func (a *fakeAdapter) StreamWithTools(ctx context.Context, req *agent.Request, tools []models.ToolDefinition) (<-chan *agent.Chunk, error) {
	a.mu.Lock()
	c := *req
	c.Messages = append([]agent.Message(nil), req.Messages...)
	a.requests = append(a.requests, &c)
	chunks := []*agent.Chunk{{Text: "done"}}
	if len(a.turns) > 0 {
		chunks, a.turns = a.turns[0], a.turns[1:]
	}
	a.mu.Unlock()

	out := make(chan *agent.Chunk, len(chunks))
	for _, ch := range chunks {
		out <- ch
	}
	close(out)
	return out, nil
}

func (a *fakeAdapter) ListModels(ctx context.Context) ([]agent.Model, error) { return nil, nil }

func (a *fakeAdapter) IsRetriable(err error) bool { return false }

func (a *fakeAdapter) TransformMessages(messages []agent.Message, systemPrompt string) []agent.Message {
	return agent.SystemFirst(messages, systemPrompt)
}

func (a *fakeAdapter) calls() []*agent.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*agent.Request(nil), a.requests...)
}

type fakeExecutor struct {
	mu      sync.Mutex
	results map[string]*models.ExecutionResult
	calls   []string
}

func (e *fakeExecutor) ExecuteTool(ctx context.Context, serverID, toolName string, args map[string]any, userID string) (*models.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, serverID+"/"+toolName)
	if res, ok := e.results[toolName]; ok {
		return res, nil
	}
	return &models.ExecutionResult{Success: true, Result: "ok"}, nil
}

type toolList []models.ToolDefinition

func (l toolList) Tools() []models.ToolDefinition { return l }

var testTools = toolList{
	{Name: "search", Description: "Search documents", ServerID: "docs"},
	{Name: "send_email", Description: "Send an email", ServerID: "mail"},
}

type fixture struct {
	runner  *Runner
	gate    *approval.Gate
	store   *storage.MemoryStore
	adapter *fakeAdapter
	exec    *fakeExecutor
}

func newFixture(t *testing.T, turns ...[]*agent.Chunk) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	exec := &fakeExecutor{results: map[string]*models.ExecutionResult{}}
	adapter := &fakeAdapter{turns: turns}
	gate := approval.NewGate(store, exec, nil, approval.Config{}, approval.Options{})

	factory := func(ctx context.Context, spec providers.Spec) (agent.Adapter, error) {
		return adapter, nil
	}
	reg, err := gateway.NewRegistryWithFactory(context.Background(), gateway.RegistryConfig{
		Specs: []providers.Spec{{Name: "openai", APIKey: "sk-test"}},
	}, store, factory, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistryWithFactory: %v", err)
	}
	gw := gateway.New(reg, gate, exec, testTools, store, nil, gateway.Config{DefaultModel: "gpt-4o-mini"}, gateway.Options{})

	runner := NewRunner(gw, gate, exec, store, RunnerConfig{})
	gate.SetAutomationResumer(runner)
	return &fixture{runner: runner, gate: gate, store: store, adapter: adapter, exec: exec}
}

func (f *fixture) execution(t *testing.T, id string) *models.Execution {
	t.Helper()
	f.gate.Wait()
	f.runner.Wait()
	exec, err := f.store.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return exec
}

func toolChunk(id, name string, args map[string]any) *agent.Chunk {
	return &agent.Chunk{ToolCall: &models.ToolCall{ID: id, Name: name, Arguments: args}}
}

func agentStep(tools ...string) models.StepConfig {
	return models.StepConfig{
		ID:   "step-1",
		Type: models.StepAIAgent,
		AIAgent: &models.AIAgentStep{
			AgentID:   "agent-1",
			Prompt:    "Find the Q3 report",
			ToolNames: tools,
		},
	}
}

func TestRunToolStepMCPCall(t *testing.T) {
	f := newFixture(t)
	f.exec.results["search"] = &models.ExecutionResult{Success: true, Result: map[string]any{"hits": 3}}
	if err := f.store.PutUser(context.Background(), &models.User{ID: "u1", PermissionLevel: models.PermissionFullAuto}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	exec, err := f.runner.RunToolStep(context.Background(), StepRequest{
		UserID: "u1",
		Step: models.StepConfig{Type: models.StepMCPCall, MCPCall: &models.MCPCallStep{
			ServerID: "docs", ToolName: "search", Arguments: map[string]any{"q": "q3"},
		}},
	})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if exec.ID == "" {
		t.Error("execution id not generated")
	}
	if exec.Status != models.ExecutionCompleted || exec.Output != `{"hits":3}` {
		t.Errorf("execution = %+v", exec)
	}
}

func TestRunToolStepInternalToolSkipsValidation(t *testing.T) {
	f := newFixture(t)
	exec, err := f.runner.RunToolStep(context.Background(), StepRequest{
		UserID: "u1",
		Step:   models.StepConfig{Type: models.StepInternalTool, InternalTool: &models.InternalToolStep{ToolName: "current_time"}},
	})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if exec.Status != models.ExecutionCompleted {
		t.Fatalf("status = %s (%s)", exec.Status, exec.Error)
	}
	if len(f.exec.calls) != 1 || f.exec.calls[0] != models.InternalServerID+"/current_time" {
		t.Errorf("executor calls = %v", f.exec.calls)
	}
}

func TestRunToolStepDeniedUser(t *testing.T) {
	f := newFixture(t)
	if err := f.store.PutUser(context.Background(), &models.User{ID: "u1", PermissionLevel: models.PermissionNoTools}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	exec, err := f.runner.RunToolStep(context.Background(), StepRequest{
		UserID: "u1",
		Step:   models.StepConfig{Type: models.StepMCPCall, MCPCall: &models.MCPCallStep{ServerID: "mail", ToolName: "send_email"}},
	})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if exec.Status != models.ExecutionFailed || !strings.Contains(exec.Error, "permission denied") {
		t.Errorf("execution = %+v", exec)
	}
}

func TestRunToolStepExternalStep(t *testing.T) {
	f := newFixture(t)
	for _, typ := range []models.StepType{models.StepCondition, models.StepLoop, models.StepDelay} {
		_, err := f.runner.RunToolStep(context.Background(), StepRequest{UserID: "u1", Step: models.StepConfig{Type: typ}})
		if !errors.Is(err, ErrExternalStep) {
			t.Errorf("%s: err = %v, want ErrExternalStep", typ, err)
		}
	}
}

func TestMCPCallPausesUntilApproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.results["send_email"] = &models.ExecutionResult{Success: true, Result: "sent"}

	exec, err := f.runner.RunToolStep(ctx, StepRequest{
		ExecutionID: "exec-1",
		UserID:      "u1",
		Step:        models.StepConfig{Type: models.StepMCPCall, MCPCall: &models.MCPCallStep{ServerID: "mail", ToolName: "send_email"}},
	})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if exec.Status != models.ExecutionPaused || exec.ValidationID == "" {
		t.Fatalf("execution = %+v, want paused", exec)
	}
	if len(f.exec.calls) != 0 {
		t.Fatal("tool ran before approval")
	}

	v, err := f.gate.Get(ctx, exec.ValidationID, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Source != models.SourceAutomation || v.Process != models.ProcessWorkflow || v.ExecutionID != "exec-1" {
		t.Errorf("validation = %+v", v)
	}

	if _, err := f.gate.Approve(ctx, exec.ValidationID, "u1", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got := f.execution(t, "exec-1")
	if got.Status != models.ExecutionCompleted || got.Output != "sent" || got.ValidationID != "" {
		t.Errorf("execution = %+v", got)
	}
}

func TestResumeWhileStepBusyIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.results["send_email"] = &models.ExecutionResult{Success: true, Result: "sent"}

	exec, err := f.runner.RunToolStep(ctx, StepRequest{
		ExecutionID: "exec-busy",
		UserID:      "u1",
		Step:        models.StepConfig{Type: models.StepMCPCall, MCPCall: &models.MCPCallStep{ServerID: "mail", ToolName: "send_email"}},
	})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}

	// The approval lands while the step still holds the execution.
	if !f.runner.claim("exec-busy") {
		t.Fatal("claim failed")
	}
	if _, err := f.gate.Approve(ctx, exec.ValidationID, "u1", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	f.gate.Wait()
	if got, _ := f.store.GetExecution(ctx, "exec-busy"); got.Status != models.ExecutionPaused {
		t.Fatalf("status while busy = %s, want paused", got.Status)
	}

	f.runner.finish(ctx, "exec-busy")
	got := f.execution(t, "exec-busy")
	if got.Status != models.ExecutionCompleted || got.Output != "sent" {
		t.Errorf("execution = %+v, want the queued resume to complete it", got)
	}
}

func TestMCPCallRejectedFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec, err := f.runner.RunToolStep(ctx, StepRequest{
		ExecutionID: "exec-2",
		UserID:      "u1",
		Step:        models.StepConfig{Type: models.StepMCPCall, MCPCall: &models.MCPCallStep{ServerID: "mail", ToolName: "send_email"}},
	})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if _, err := f.gate.Reject(ctx, exec.ValidationID, "u1", "wrong recipient"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	got := f.execution(t, "exec-2")
	if got.Status != models.ExecutionFailed || !strings.Contains(got.Error, "wrong recipient") {
		t.Errorf("execution = %+v", got)
	}
}

func TestAIAgentPauseAndResume(t *testing.T) {
	f := newFixture(t,
		[]*agent.Chunk{{Text: "Searching. "}, toolChunk("call_1", "search", map[string]any{"q": "q3"})},
		[]*agent.Chunk{{Text: "The report is in /finance."}},
	)
	f.exec.results["search"] = &models.ExecutionResult{Success: true, Result: "/finance/q3.pdf"}
	ctx := context.Background()

	exec, err := f.runner.RunToolStep(ctx, StepRequest{ExecutionID: "exec-3", UserID: "u1", Step: agentStep("search")})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if exec.Status != models.ExecutionPaused {
		t.Fatalf("status = %s (%s)", exec.Status, exec.Error)
	}
	if len(exec.Messages) != 3 {
		t.Fatalf("paused execution = %+v", exec)
	}
	if marked, _ := exec.Messages[2].Metadata[pendingBatchKey].(bool); !marked {
		t.Error("pending batch not recorded")
	}

	if _, err := f.gate.Approve(ctx, exec.ValidationID, "u1", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got := f.execution(t, "exec-3")
	if got.Status != models.ExecutionCompleted || got.Output != "The report is in /finance." {
		t.Fatalf("execution = %+v", got)
	}

	reqs := f.adapter.calls()
	if len(reqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(reqs))
	}
	msgs := reqs[1].Messages
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleTool || last.ToolResults[0].Content != "/finance/q3.pdf" || last.ToolResults[0].ToolCallID != "call_1" {
		t.Errorf("resumed tool message = %+v", last)
	}
}

func TestAIAgentFeedbackContinues(t *testing.T) {
	f := newFixture(t,
		[]*agent.Chunk{toolChunk("call_1", "send_email", map[string]any{"to": "all"})},
		[]*agent.Chunk{{Text: "Drafted instead."}},
	)
	ctx := context.Background()

	exec, err := f.runner.RunToolStep(ctx, StepRequest{ExecutionID: "exec-4", UserID: "u1", Step: agentStep()})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if _, err := f.gate.Feedback(ctx, exec.ValidationID, "u1", "only draft it"); err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	got := f.execution(t, "exec-4")
	if got.Status != models.ExecutionCompleted {
		t.Fatalf("execution = %+v", got)
	}
	if len(f.exec.calls) != 0 {
		t.Errorf("tool executed after feedback: %v", f.exec.calls)
	}
	reqs := f.adapter.calls()
	msgs := reqs[len(reqs)-1].Messages
	want := gateway.FeedbackContent("send_email", "only draft it")
	if got := msgs[len(msgs)-1].ToolResults[0].Content; got != want {
		t.Errorf("feedback result = %q, want %q", got, want)
	}
}

func TestAIAgentRejectedFails(t *testing.T) {
	f := newFixture(t, []*agent.Chunk{toolChunk("call_1", "send_email", nil)})
	ctx := context.Background()

	exec, err := f.runner.RunToolStep(ctx, StepRequest{ExecutionID: "exec-5", UserID: "u1", Step: agentStep()})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if _, err := f.gate.Reject(ctx, exec.ValidationID, "u1", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	got := f.execution(t, "exec-5")
	if got.Status != models.ExecutionFailed {
		t.Errorf("status = %s", got.Status)
	}
	if len(f.adapter.calls()) != 1 {
		t.Error("model called again after rejection")
	}
}

func TestAIActionWithoutToolsIsSingleTurn(t *testing.T) {
	f := newFixture(t, []*agent.Chunk{{Text: "Summary."}})
	exec, err := f.runner.RunToolStep(context.Background(), StepRequest{
		UserID: "u1",
		Input:  "quarterly numbers",
		Step: models.StepConfig{Type: models.StepAIAction, AIAction: &models.AIActionStep{
			Model: "gpt-4o-mini", Prompt: "Summarize",
		}},
	})
	if err != nil {
		t.Fatalf("RunToolStep: %v", err)
	}
	if exec.Status != models.ExecutionCompleted || exec.Output != "Summary." {
		t.Fatalf("execution = %+v", exec)
	}
	reqs := f.adapter.calls()
	if len(reqs) != 1 {
		t.Fatalf("provider calls = %d", len(reqs))
	}
	if got := reqs[0].Messages[len(reqs[0].Messages)-1].Content; got != "Summarize\n\nquarterly numbers" {
		t.Errorf("prompt = %q", got)
	}
}

func TestResumeRequiresPausedExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.SaveExecution(ctx, &models.Execution{ID: "done", UserID: "u1", Status: models.ExecutionCompleted}); err != nil {
		t.Fatalf("SaveExecution: %v", err)
	}
	if err := f.runner.Resume(ctx, "done"); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Resume err = %v, want ErrNotPaused", err)
	}
	if err := f.runner.Resume(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Resume missing err = %v", err)
	}
}

func TestSplitPending(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "search"}
	convo := []agent.Message{{Role: models.RoleUser, Content: "hi"}}
	pending := &gateway.ResumeState{
		Assistant: agent.Message{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call, {ID: "c2", Name: "search"}}},
		Results:   []models.ToolResult{{ToolCallID: "c1", Content: "a"}},
	}

	stored := pausedMessages(convo, pending)
	gotConvo, gotPending, err := splitPending(stored)
	if err != nil {
		t.Fatalf("splitPending: %v", err)
	}
	if len(gotConvo) != 1 || gotConvo[0].Content != "hi" {
		t.Errorf("convo = %+v", gotConvo)
	}
	if len(gotPending.Assistant.ToolCalls) != 2 || len(gotPending.Results) != 1 {
		t.Errorf("pending = %+v", gotPending)
	}

	if _, _, err := splitPending(storedMessages(convo)); !errors.Is(err, errNoPendingBatch) {
		t.Errorf("unmarked tail err = %v", err)
	}
}
