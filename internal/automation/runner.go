// Package automation runs workflow tool steps on top of the gateway and
// resumes them once their validations are settled.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/gateway"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// ErrExternalStep is returned for step types the workflow engine executes itself.
var ErrExternalStep = errors.New("step is executed by the workflow engine")

// ErrNotPaused is returned by Resume for executions that are not waiting on a validation.
var ErrNotPaused = errors.New("execution is not paused")

// pendingBatchKey marks the trailing tool message of a paused execution.
const pendingBatchKey = "pending_batch"

// Store is the persistence the runner needs.
type Store interface {
	storage.ExecutionStore
	storage.ValidationStore
}

// RunnerConfig configures the runner.
type RunnerConfig struct {
	// Logger for runner events.
	Logger *slog.Logger
}

// Runner executes ai_agent, ai_action, mcp_call and internal_tool steps.
// Validations pause the step; Resume continues it.
type Runner struct {
	gateway  *gateway.Gateway
	gate     *approval.Gate
	executor approval.Executor
	store    Store
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]bool
	queued  map[string]bool

	background sync.WaitGroup
}

// NewRunner creates a runner.
func NewRunner(gw *gateway.Gateway, gate *approval.Gate, executor approval.Executor, store Store, config RunnerConfig) *Runner {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		gateway:  gw,
		gate:     gate,
		executor: executor,
		store:    store,
		logger:   logger.With("component", "automation"),
		now:      time.Now,
		running:  make(map[string]bool),
		queued:   make(map[string]bool),
	}
}

// StepRequest is one tool step of a workflow run.
type StepRequest struct {
	// ExecutionID identifies the run. Generated when empty.
	ExecutionID string
	UserID      string
	AgentID     string
	Step        models.StepConfig

	// Input is appended to the step prompt for AI steps.
	Input string
}

// RunToolStep executes a step until it completes, fails or pauses on a
// validation. The returned execution is persisted in every case.
func (r *Runner) RunToolStep(ctx context.Context, req StepRequest) (*models.Execution, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	exec := &models.Execution{
		ID:      req.ExecutionID,
		UserID:  req.UserID,
		AgentID: req.AgentID,
		Step:    req.Step,
		Status:  models.ExecutionRunning,
	}
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if !r.claim(exec.ID) {
		return nil, fmt.Errorf("execution %s is already running", exec.ID)
	}
	defer r.finish(ctx, exec.ID)

	r.logger.InfoContext(ctx, "running tool step",
		"execution_id", exec.ID,
		"step_id", req.Step.ID,
		"type", req.Step.Type,
		"agent_id", req.AgentID)

	var err error
	switch req.Step.Type {
	case models.StepAIAgent, models.StepAIAction:
		err = r.runAI(ctx, exec, aiMessages(req), nil)
	case models.StepMCPCall:
		step := req.Step.MCPCall
		err = r.runTool(ctx, exec, step.ServerID, step.ToolName, step.Arguments)
	case models.StepInternalTool:
		step := req.Step.InternalTool
		err = r.runTool(ctx, exec, models.InternalServerID, step.ToolName, step.Arguments)
	case models.StepCondition, models.StepLoop, models.StepDelay:
		return nil, fmt.Errorf("%w: %s", ErrExternalStep, req.Step.Type)
	default:
		return nil, fmt.Errorf("unknown step type %q", req.Step.Type)
	}
	if err != nil {
		exec.Status = models.ExecutionFailed
		exec.Error = err.Error()
	}
	if saveErr := r.save(ctx, exec); saveErr != nil {
		return exec, saveErr
	}
	return exec, nil
}

func aiMessages(req StepRequest) []agent.Message {
	prompt := ""
	switch {
	case req.Step.AIAgent != nil:
		prompt = req.Step.AIAgent.Prompt
	case req.Step.AIAction != nil:
		prompt = req.Step.AIAction.Prompt
	}
	if req.Input != "" {
		prompt += "\n\n" + req.Input
	}
	return []agent.Message{{Role: models.RoleUser, Content: prompt}}
}

// toolRequest builds the loop request for an AI step.
func (r *Runner) toolRequest(exec *models.Execution, messages []agent.Message) (*gateway.ToolRequest, error) {
	req := &gateway.ToolRequest{
		Messages:    messages,
		UserID:      exec.UserID,
		AgentID:     exec.AgentID,
		ExecutionID: exec.ID,
	}
	var names []string
	switch exec.Step.Type {
	case models.StepAIAgent:
		step := exec.Step.AIAgent
		req.Model, req.System, req.MaxIterations = step.Model, step.SystemPrompt, step.MaxIterations
		if step.AgentID != "" {
			req.AgentID = step.AgentID
		}
		names = step.ToolNames
		if len(names) > 0 {
			req.Tools = selectTools(r.gateway.Tools(), names)
		}
	case models.StepAIAction:
		step := exec.Step.AIAction
		req.Model, req.System = step.Model, step.SystemPrompt
		names = step.ToolNames
		req.Tools = selectTools(r.gateway.Tools(), names)
		req.MaxIterations = 1
		if len(req.Tools) > 0 {
			req.MaxIterations = 2
		}
	default:
		return nil, fmt.Errorf("step %s is not an AI step", exec.Step.Type)
	}
	return req, nil
}

func selectTools(all []models.ToolDefinition, names []string) []models.ToolDefinition {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	out := []models.ToolDefinition{}
	for _, def := range all {
		if want[def.Name] {
			out = append(out, def)
		}
	}
	return out
}

// runAI drives the tool loop and records the outcome on exec.
func (r *Runner) runAI(ctx context.Context, exec *models.Execution, messages []agent.Message, resume *gateway.ResumeState) error {
	req, err := r.toolRequest(exec, messages)
	if err != nil {
		return err
	}
	req.Resume = resume

	res, err := r.gateway.StreamWithTools(ctx, req, func(string) {})
	if err != nil {
		return err
	}

	switch {
	case res.Kind == gateway.StepPausedForValidation:
		exec.Status = models.ExecutionPaused
		exec.ValidationID = res.ValidationID
		exec.Messages = pausedMessages(res.Messages, res.Pending)
		r.logger.InfoContext(ctx, "tool step paused for validation",
			"execution_id", exec.ID,
			"validation_id", res.ValidationID)
		return nil
	case res.StopReason == gateway.StopRejected:
		exec.Messages = storedMessages(res.Messages)
		exec.Output = res.Text
		return fmt.Errorf("tool call rejected")
	case res.StopReason == gateway.StopValidationExpired:
		exec.Messages = storedMessages(res.Messages)
		return fmt.Errorf("validation expired")
	}

	exec.Status = models.ExecutionCompleted
	exec.ValidationID = ""
	exec.Output = res.Text
	exec.Messages = storedMessages(res.Messages)
	return nil
}

// runTool executes a single tool through the gate.
func (r *Runner) runTool(ctx context.Context, exec *models.Execution, serverID, toolName string, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	decision, reason, err := r.gate.ShouldExecute(ctx, exec.UserID, exec.AgentID, toolName, serverID)
	if err != nil {
		return fmt.Errorf("permission check: %w", err)
	}

	switch decision {
	case approval.DecisionDeny:
		return fmt.Errorf("permission denied: %s", reason)

	case approval.DecisionValidate:
		vid, _, err := r.gate.CreateValidationRequest(ctx, approval.Request{
			UserID:      exec.UserID,
			AgentID:     exec.AgentID,
			ExecutionID: exec.ID,
			Call:        models.ToolCall{ID: uuid.NewString(), Name: toolName, Arguments: args},
			ServerID:    serverID,
			Source:      models.SourceAutomation,
			Process:     models.ProcessWorkflow,
		})
		if err != nil {
			return fmt.Errorf("request validation: %w", err)
		}
		exec.Status = models.ExecutionPaused
		exec.ValidationID = vid
		return nil
	}

	res, err := r.executor.ExecuteTool(ctx, serverID, toolName, args, exec.UserID)
	if err != nil {
		return fmt.Errorf("execute %s: %w", toolName, err)
	}
	if res != nil && !res.Success {
		return fmt.Errorf("execute %s: %s", toolName, res.Error)
	}
	exec.Status = models.ExecutionCompleted
	if res != nil {
		exec.Output = models.ResultContent(mcp.Unwrap(res.Result))
	}
	return nil
}

// Resume continues a paused execution once its validation is resolved. The
// gate calls it when no validation of the execution is pending. While the
// execution is busy the resume is queued and runs once the step lets go.
func (r *Runner) Resume(ctx context.Context, executionID string) error {
	if !r.claimOrQueue(executionID) {
		r.logger.DebugContext(ctx, "execution busy, resume queued", "execution_id", executionID)
		return nil
	}
	defer r.finish(ctx, executionID)

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", executionID, err)
	}
	if exec.Status != models.ExecutionPaused {
		return fmt.Errorf("%w: %s is %s", ErrNotPaused, executionID, exec.Status)
	}
	v, err := r.store.GetValidation(ctx, exec.ValidationID)
	if err != nil {
		return fmt.Errorf("load validation %s: %w", exec.ValidationID, err)
	}
	if v.Status == models.ValidationPending {
		return fmt.Errorf("validation %s is still pending", v.ID)
	}

	r.logger.InfoContext(ctx, "resuming execution",
		"execution_id", executionID,
		"validation_id", v.ID,
		"outcome", v.Status)

	exec.Status = models.ExecutionRunning
	switch exec.Step.Type {
	case models.StepAIAgent, models.StepAIAction:
		err = r.resumeAI(ctx, exec, v)
	default:
		err = resumeTool(exec, v)
	}
	if err != nil {
		exec.Status = models.ExecutionFailed
		exec.Error = err.Error()
	}
	return r.save(ctx, exec)
}

// resumeTool settles a single-tool step. Approval already ran the tool.
func resumeTool(exec *models.Execution, v *models.Validation) error {
	switch v.Status {
	case models.ValidationApproved:
		if msg, failed := toolFailure(v.ToolResult); failed {
			return fmt.Errorf("execute %s: %s", v.ToolName, msg)
		}
		exec.Status = models.ExecutionCompleted
		exec.ValidationID = ""
		exec.Output = models.ResultContent(mcp.Unwrap(v.ToolResult))
		return nil
	case models.ValidationFeedback:
		return fmt.Errorf("%s was not executed; feedback: %s", v.ToolName, v.Feedback)
	case models.ValidationRejected:
		return fmt.Errorf("%s was rejected: %s", v.ToolName, v.Reason)
	default:
		return fmt.Errorf("validation for %s was %s", v.ToolName, v.Status)
	}
}

func (r *Runner) resumeAI(ctx context.Context, exec *models.Execution, v *models.Validation) error {
	messages, pending, err := splitPending(exec.Messages)
	if err != nil {
		return err
	}

	result := models.ToolResult{ToolCallID: v.ToolCallID}
	switch v.Status {
	case models.ValidationApproved:
		if msg, failed := toolFailure(v.ToolResult); failed {
			toolErr := agent.NewToolExecutionError(v.ToolName, errors.New(msg)).WithToolCallID(v.ToolCallID).WithServerID(v.ServerID)
			result.Content, result.IsError = toolErr.ModelMessage(0), true
		} else {
			result.Content = models.ResultContent(mcp.Unwrap(v.ToolResult))
		}
	case models.ValidationFeedback:
		result.Content = gateway.FeedbackContent(v.ToolName, v.Feedback)
	case models.ValidationRejected:
		exec.Messages = storedMessages(messages)
		return fmt.Errorf("%s was rejected: %s", v.ToolName, v.Reason)
	default:
		exec.Messages = storedMessages(messages)
		return fmt.Errorf("validation for %s was %s", v.ToolName, v.Status)
	}
	pending.Results = append(pending.Results, result)

	return r.runAI(ctx, exec, messages, pending)
}

// toolFailure detects the {"error": ...} value stored for a failed approved call.
func toolFailure(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	msg, ok := m["error"].(string)
	return msg, ok
}

func (r *Runner) save(ctx context.Context, exec *models.Execution) error {
	now := r.now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	if err := r.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

func (r *Runner) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	return true
}

// claimOrQueue is claim that leaves a resume for the current holder when
// id is busy.
func (r *Runner) claimOrQueue(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		r.queued[id] = true
		return false
	}
	r.running[id] = true
	return true
}

// release frees id and reports whether a resume was queued meanwhile.
func (r *Runner) release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
	queued := r.queued[id]
	delete(r.queued, id)
	return queued
}

// finish releases id and starts the resume queued while it was held.
func (r *Runner) finish(ctx context.Context, id string) {
	if !r.release(id) {
		return
	}
	ctx = context.WithoutCancel(ctx)
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		err := r.Resume(ctx, id)
		switch {
		case errors.Is(err, ErrNotPaused):
			r.logger.DebugContext(ctx, "queued resume skipped", "execution_id", id, "error", err)
		case err != nil:
			r.logger.ErrorContext(ctx, "queued resume failed", "execution_id", id, "error", err)
		}
	}()
}

// Wait blocks until queued resumes finish.
func (r *Runner) Wait() {
	r.background.Wait()
}
