// Package approval decides whether a tool call may run and drives the
// validation lifecycle: create, approve, reject (with cascade), feedback and
// expiry.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/sessions"
	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// Decision is the gate's verdict for one tool call.
type Decision string

const (
	DecisionExecute  Decision = "execute"
	DecisionValidate Decision = "validate"
	DecisionDeny     Decision = "deny"
)

// Executor runs a tool on its server.
type Executor interface {
	ExecuteTool(ctx context.Context, serverID, toolName string, args map[string]any, userID string) (*models.ExecutionResult, error)
}

// ChatResumer restarts generation for a chat whose stream is gone.
type ChatResumer interface {
	ResumeChat(ctx context.Context, v *models.Validation) error
}

// AutomationResumer resumes a paused automation execution.
type AutomationResumer interface {
	Resume(ctx context.Context, executionID string) error
}

// Store is the persistence the gate needs.
type Store interface {
	storage.ValidationStore
	storage.MessageStore
	storage.LogStore
	storage.UserStore
}

// Config tunes gate policy.
type Config struct {
	// DefaultPermission applies to users without a stored record.
	DefaultPermission models.PermissionLevel

	// ValidationTTL sets expires_at on new validations.
	ValidationTTL time.Duration
}

// Options carries optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Request describes a tool call that needs a human decision.
type Request struct {
	UserID      string
	AgentID     string
	ChatID      string
	ExecutionID string
	Call        models.ToolCall
	ServerID    string
	Source      models.ValidationSource
	Process     models.ValidationProcess
	Description string
}

// Gate is the validation gate. It is safe for concurrent use.
type Gate struct {
	store    Store
	executor Executor
	sessions *sessions.Registry
	config   Config

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	mu         sync.RWMutex
	chat       ChatResumer
	automation AutomationResumer
	background sync.WaitGroup
}

// NewGate creates a gate. registry may be nil when no streams run in-process.
func NewGate(store Store, executor Executor, registry *sessions.Registry, config Config, opts Options) *Gate {
	if config.DefaultPermission == "" {
		config.DefaultPermission = models.PermissionValidationRequired
	}
	if config.ValidationTTL <= 0 {
		config.ValidationTTL = 48 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:    store,
		executor: executor,
		sessions: registry,
		config:   config,
		logger:   logger.With("component", "approval"),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      time.Now,
	}
}

// SetChatResumer installs the background chat resumer.
func (g *Gate) SetChatResumer(r ChatResumer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chat = r
}

// SetAutomationResumer installs the automation resumer.
func (g *Gate) SetAutomationResumer(r AutomationResumer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.automation = r
}

// SetDefaultPermission replaces the permission applied to users without a
// stored level. Used on configuration reload.
func (g *Gate) SetDefaultPermission(level models.PermissionLevel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config.DefaultPermission = level
}

// Wait blocks until background resumptions started by the gate finish.
func (g *Gate) Wait() {
	g.background.Wait()
}

// ShouldExecute decides whether a tool call runs directly, needs a
// validation, or is denied. Internal tools always run. The reason is empty
// when the call executes.
func (g *Gate) ShouldExecute(ctx context.Context, userID, agentID, toolName, serverID string) (Decision, string, error) {
	if serverID == models.InternalServerID {
		return DecisionExecute, "", nil
	}

	g.mu.RLock()
	level := g.config.DefaultPermission
	g.mu.RUnlock()
	user, err := g.store.GetUser(ctx, userID)
	switch {
	case err == nil && user.PermissionLevel != "":
		level = user.PermissionLevel
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return DecisionDeny, "", fmt.Errorf("load user %s: %w", userID, err)
	}

	switch level {
	case models.PermissionNoTools:
		return DecisionDeny, "tools are disabled for this user", nil
	case models.PermissionFullAuto:
		return DecisionExecute, "", nil
	}

	hit, err := g.store.CheckToolCache(ctx, models.ToolCacheKey{
		UserID:   userID,
		AgentID:  agentID,
		ToolName: toolName,
		ServerID: serverID,
	})
	if err != nil {
		return DecisionDeny, "", fmt.Errorf("check tool cache: %w", err)
	}
	if hit {
		return DecisionExecute, "", nil
	}
	return DecisionValidate, "validation required", nil
}

// CreateValidationRequest persists a pending validation and, for chats, the
// visible tool-call entry that renders it.
func (g *Gate) CreateValidationRequest(ctx context.Context, req Request) (string, string, error) {
	now := g.now()
	expires := now.Add(g.config.ValidationTTL)
	if req.Source == "" {
		req.Source = models.SourceToolCall
	}
	if req.Process == "" {
		req.Process = models.ProcessLLMStream
	}

	v := &models.Validation{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		ChatID:      req.ChatID,
		Title:       fmt.Sprintf("Run %s on %s", req.Call.Name, req.ServerID),
		Description: req.Description,
		Source:      req.Source,
		Process:     req.Process,
		Status:      models.ValidationPending,
		ToolName:    req.Call.Name,
		ServerID:    req.ServerID,
		ToolCallID:  req.Call.ID,
		ToolArgs:    req.Call.Arguments,
		ExecutionID: req.ExecutionID,
		ExpiresAt:   &expires,
	}
	if v.ToolArgs == nil {
		v.ToolArgs = map[string]any{}
	}

	if req.ChatID != "" {
		msg := &models.Message{
			ChatID:   req.ChatID,
			UserID:   req.UserID,
			Role:     models.RoleAssistant,
			Metadata: models.ToolCallMetadata(req.Call, req.ServerID, models.ToolCallPending, ""),
		}
		if err := g.store.CreateMessage(ctx, msg); err != nil {
			return "", "", fmt.Errorf("create tool call entry: %w", err)
		}
		v.MessageID = msg.ID
	}

	if err := g.store.CreateValidation(ctx, v); err != nil {
		return "", "", fmt.Errorf("create validation: %w", err)
	}
	if v.MessageID != "" {
		if err := g.store.UpdateMessageMetadata(ctx, v.MessageID, map[string]any{"validation_id": v.ID}); err != nil {
			g.logger.WarnContext(ctx, "link tool call entry failed", "validation_id", v.ID, "error", err)
		}
	}

	g.metrics.RecordValidation("created")
	g.logger.InfoContext(ctx, "validation created",
		"validation_id", v.ID,
		"tool", v.ToolName,
		"server_id", v.ServerID,
		"chat_id", v.ChatID,
		"execution_id", v.ExecutionID)
	return v.ID, v.MessageID, nil
}

// load fetches a validation the caller may mutate. An empty userID skips the
// owner check; operator tooling uses it.
func (g *Gate) load(ctx context.Context, id, userID string) (*models.Validation, error) {
	v, err := g.store.GetValidation(ctx, id)
	if err != nil {
		return nil, stateError(id, err)
	}
	if userID != "" && v.UserID != userID {
		return nil, &ValidationStateError{Kind: StateWrongOwner, ValidationID: id}
	}
	if v.Status != models.ValidationPending {
		return nil, &ValidationStateError{Kind: StateNotPending, ValidationID: id, Status: v.Status}
	}
	return v, nil
}

// Approve claims the validation, runs the tool, records the result and hands
// it to the waiting stream. With no stream attached the chat is resumed in
// the background.
func (g *Gate) Approve(ctx context.Context, id, userID string, alwaysAllow bool) (*models.Validation, error) {
	ctx, span := g.tracer.TraceApproval(ctx, "approve", id)
	defer span.End()
	ctx = observability.AddValidationID(ctx, id)

	if _, err := g.load(ctx, id, userID); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	v, err := g.store.UpdateValidationStatus(ctx, id, models.ValidationUpdate{Status: models.ValidationApproved})
	if err != nil {
		err = stateError(id, err)
		observability.RecordError(span, err)
		return nil, err
	}

	start := g.now()
	result, execErr := g.executor.ExecuteTool(ctx, v.ServerID, v.ToolName, v.ToolArgs, v.UserID)
	duration := g.now().Sub(start)
	if execErr != nil {
		result = &models.ExecutionResult{Error: execErr.Error()}
	} else if result == nil {
		result = &models.ExecutionResult{Success: true}
	}

	stored := result.Result
	status := models.ToolCallExecuted
	logStatus := models.ToolLogSuccess
	if !result.Success {
		stored = map[string]any{"error": result.Error}
		status = models.ToolCallFailed
		logStatus = models.ToolLogError
	}
	content := result.Content()

	if err := g.store.SetValidationResult(ctx, id, stored); err != nil {
		g.logger.WarnContext(ctx, "persist validation result failed", "error", err)
	}
	v.ToolResult = stored
	g.patchMessage(ctx, v.MessageID, map[string]any{"status": string(status), "result": content})

	if err := g.store.CreateLog(ctx, &models.ToolLog{
		UserID:       v.UserID,
		AgentID:      v.AgentID,
		ChatID:       v.ChatID,
		ValidationID: id,
		ToolName:     v.ToolName,
		ServerID:     v.ServerID,
		Arguments:    v.ToolArgs,
		Result:       content,
		Status:       logStatus,
		AlwaysAllow:  alwaysAllow,
		DurationMs:   duration.Milliseconds(),
	}); err != nil {
		g.logger.WarnContext(ctx, "tool log failed", "error", err)
	}

	g.metrics.RecordToolExecution(v.ServerID, v.ToolName, string(logStatus), duration.Seconds())
	g.metrics.RecordValidation("approved")
	g.logger.InfoContext(ctx, "validation approved",
		"tool", v.ToolName,
		"always_allow", alwaysAllow,
		"success", result.Success)

	outcome := sessions.Outcome{ValidationID: id, Action: models.ValidationApproved, Result: result.Result, IsError: !result.Success}
	if !result.Success {
		outcome.Result = result.Error
	}
	delivered := g.inject(ctx, v, outcome)
	if !delivered && v.ExecutionID == "" && v.ChatID != "" {
		g.resumeChat(ctx, v)
	}
	g.resumeExecutionIfSettled(ctx, v.ExecutionID)
	return v, nil
}

// Reject claims the validation and cancels every other pending validation
// in the same chat.
func (g *Gate) Reject(ctx context.Context, id, userID, reason string) (*models.Validation, error) {
	ctx, span := g.tracer.TraceApproval(ctx, "reject", id)
	defer span.End()
	ctx = observability.AddValidationID(ctx, id)

	if _, err := g.load(ctx, id, userID); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	v, err := g.store.UpdateValidationStatus(ctx, id, models.ValidationUpdate{Status: models.ValidationRejected, Reason: reason})
	if err != nil {
		err = stateError(id, err)
		observability.RecordError(span, err)
		return nil, err
	}

	executions := map[string]bool{}
	if v.ExecutionID != "" {
		executions[v.ExecutionID] = true
	}
	if v.ChatID != "" {
		cancelled, err := g.store.CancelAllPendingValidations(ctx, v.ChatID)
		if err != nil {
			g.logger.ErrorContext(ctx, "cascade cancel failed", "chat_id", v.ChatID, "error", err)
		}
		for _, cid := range cancelled {
			g.metrics.RecordValidation("cancelled")
			other, err := g.store.GetValidation(ctx, cid)
			if err != nil {
				continue
			}
			g.patchMessage(ctx, other.MessageID, map[string]any{"status": string(models.ToolCallCancelled)})
			if other.ExecutionID != "" {
				executions[other.ExecutionID] = true
			}
		}
		if len(cancelled) > 0 {
			g.logger.InfoContext(ctx, "cascaded rejection", "chat_id", v.ChatID, "cancelled", len(cancelled))
		}
	}

	g.patchMessage(ctx, v.MessageID, map[string]any{"status": string(models.ToolCallRejected), "reason": reason})
	if err := g.store.CreateLog(ctx, &models.ToolLog{
		UserID:       v.UserID,
		AgentID:      v.AgentID,
		ChatID:       v.ChatID,
		ValidationID: id,
		ToolName:     v.ToolName,
		ServerID:     v.ServerID,
		Arguments:    v.ToolArgs,
		Result:       reason,
		Status:       models.ToolLogRejected,
	}); err != nil {
		g.logger.WarnContext(ctx, "rejection log failed", "error", err)
	}

	g.metrics.RecordToolExecution(v.ServerID, v.ToolName, "denied", 0)
	g.metrics.RecordValidation("rejected")
	g.inject(ctx, v, sessions.Outcome{ValidationID: id, Action: models.ValidationRejected, Reason: reason})
	for executionID := range executions {
		g.resumeExecutionIfSettled(ctx, executionID)
	}
	return v, nil
}

// Feedback resolves the validation without running the tool and records the
// human's note as a conversation entry for the next model turn.
func (g *Gate) Feedback(ctx context.Context, id, userID, text string) (*models.Validation, error) {
	ctx, span := g.tracer.TraceApproval(ctx, "feedback", id)
	defer span.End()
	ctx = observability.AddValidationID(ctx, id)

	if _, err := g.load(ctx, id, userID); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	v, err := g.store.UpdateValidationStatus(ctx, id, models.ValidationUpdate{Status: models.ValidationFeedback, Feedback: text})
	if err != nil {
		err = stateError(id, err)
		observability.RecordError(span, err)
		return nil, err
	}

	g.patchMessage(ctx, v.MessageID, map[string]any{"status": string(models.ToolCallFeedback), "feedback": text})
	if v.ChatID != "" {
		if err := g.store.CreateMessage(ctx, &models.Message{
			ChatID:  v.ChatID,
			UserID:  v.UserID,
			Role:    models.RoleUser,
			Content: text,
			Metadata: map[string]any{
				"type":          models.MessageTypeFeedback,
				"validation_id": id,
				"tool_name":     v.ToolName,
			},
		}); err != nil {
			g.logger.WarnContext(ctx, "persist feedback entry failed", "error", err)
		}
	}

	g.metrics.RecordValidation("feedback")
	g.inject(ctx, v, sessions.Outcome{ValidationID: id, Action: models.ValidationFeedback, Feedback: text})
	g.resumeExecutionIfSettled(ctx, v.ExecutionID)
	return v, nil
}

// Cancel marks a pending validation cancelled without notifying any stream.
// The tool loop uses it when its own wait ends; expired also sets expired_at.
func (g *Gate) Cancel(ctx context.Context, id, reason string, expired bool) (*models.Validation, error) {
	update := models.ValidationUpdate{Status: models.ValidationCancelled, Reason: reason}
	if expired {
		at := g.now()
		update.ExpiredAt = &at
	}
	v, err := g.store.UpdateValidationStatus(ctx, id, update)
	if err != nil {
		return nil, stateError(id, err)
	}
	g.patchMessage(ctx, v.MessageID, map[string]any{"status": string(models.ToolCallCancelled), "reason": reason})
	if expired {
		g.metrics.RecordValidation("expired")
	} else {
		g.metrics.RecordValidation("cancelled")
	}
	return v, nil
}

// Expire cancels a validation past its deadline and wakes whatever waits on it.
func (g *Gate) Expire(ctx context.Context, id string) (*models.Validation, error) {
	v, err := g.Cancel(ctx, id, "expired", true)
	if err != nil {
		return nil, err
	}
	g.inject(ctx, v, sessions.Outcome{ValidationID: id, Action: models.ValidationCancelled, Reason: "expired"})
	g.resumeExecutionIfSettled(ctx, v.ExecutionID)
	return v, nil
}

func (g *Gate) patchMessage(ctx context.Context, messageID string, patch map[string]any) {
	if messageID == "" {
		return
	}
	if err := g.store.UpdateMessageMetadata(ctx, messageID, patch); err != nil {
		g.logger.WarnContext(ctx, "update tool call entry failed", "message_id", messageID, "error", err)
	}
}

func (g *Gate) inject(ctx context.Context, v *models.Validation, outcome sessions.Outcome) bool {
	if g.sessions == nil || v.ChatID == "" || v.ExecutionID != "" {
		return false
	}
	delivered, err := g.sessions.Inject(ctx, v.ChatID, outcome)
	if err != nil {
		g.logger.WarnContext(ctx, "inject outcome failed", "chat_id", v.ChatID, "error", err)
		return false
	}
	return delivered
}

func (g *Gate) resumeChat(ctx context.Context, v *models.Validation) {
	g.mu.RLock()
	resumer := g.chat
	g.mu.RUnlock()
	if resumer == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		if err := resumer.ResumeChat(ctx, v); err != nil {
			g.logger.ErrorContext(ctx, "background chat resume failed", "chat_id", v.ChatID, "error", err)
		}
	}()
}

func (g *Gate) resumeExecutionIfSettled(ctx context.Context, executionID string) {
	if executionID == "" {
		return
	}
	g.mu.RLock()
	resumer := g.automation
	g.mu.RUnlock()
	if resumer == nil {
		return
	}

	related, err := g.store.GetValidationsByExecution(ctx, executionID)
	if err != nil {
		g.logger.ErrorContext(ctx, "load execution validations failed", "execution_id", executionID, "error", err)
		return
	}
	for _, v := range related {
		if v.Status == models.ValidationPending {
			return
		}
	}

	ctx = context.WithoutCancel(ctx)
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		if err := resumer.Resume(ctx, executionID); err != nil {
			g.logger.ErrorContext(ctx, "automation resume failed", "execution_id", executionID, "error", err)
		}
	}()
}

// ListPending returns the caller's pending validations.
func (g *Gate) ListPending(ctx context.Context, userID string, limit int) ([]*models.Validation, error) {
	return g.store.ListPendingValidations(ctx, userID, limit)
}

// Get returns a validation visible to userID. An empty userID skips the owner check.
func (g *Gate) Get(ctx context.Context, id, userID string) (*models.Validation, error) {
	v, err := g.store.GetValidation(ctx, id)
	if err != nil {
		return nil, stateError(id, err)
	}
	if userID != "" && v.UserID != userID {
		return nil, &ValidationStateError{Kind: StateWrongOwner, ValidationID: id}
	}
	return v, nil
}
