package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/toolgate/internal/agent"
	"github.com/haasonsaas/toolgate/internal/approval"
	"github.com/haasonsaas/toolgate/internal/mcp"
	"github.com/haasonsaas/toolgate/internal/observability"
	"github.com/haasonsaas/toolgate/internal/sessions"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// LoopConfig bounds the tool-calling loop.
type LoopConfig struct {
	// MaxIterations limits provider calls per request.
	// Default: 25
	MaxIterations int `yaml:"max_iterations" json:"max_iterations,omitempty"`

	// MaxConsecutiveErrors stops the loop after this many iterations in a
	// row that produced at least one failed tool call.
	// Default: 5
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors" json:"max_consecutive_errors,omitempty"`

	// ValidationTimeout bounds the interactive wait for a human decision.
	// Default: 48h
	ValidationTimeout time.Duration `yaml:"validation_timeout" json:"validation_timeout,omitempty"`

	// HideDirectToolCalls skips the visible entry for tool calls that run
	// without approval.
	HideDirectToolCalls bool `yaml:"hide_direct_tool_calls" json:"hide_direct_tool_calls,omitempty"`
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 25
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 48 * time.Hour
	}
	return c
}

// toolErrorGuidance is appended to the system prompt whenever tools are offered.
const toolErrorGuidance = `When a tool returns an error, read the message carefully. Fix the arguments and retry if the error says they were invalid, try a different tool or approach if the tool itself failed, and explain the problem to the user if you cannot recover. Do not repeat an identical failing call. If a tool call was not executed because the user gave feedback instead, follow that feedback.`

func enrichSystemPrompt(system string, hasTools bool) string {
	if !hasTools {
		return system
	}
	if system == "" {
		return toolErrorGuidance
	}
	return system + "\n\n" + toolErrorGuidance
}

// ToolRequest is one run of the tool-calling loop.
type ToolRequest struct {
	Model    string
	System   string
	Messages []agent.Message
	Params   agent.Params

	// Tools offered to the model. Nil means every tool the gateway knows.
	Tools []models.ToolDefinition

	ChatID  string
	UserID  string
	AgentID string

	// ExecutionID marks an automation run: validations pause the loop
	// instead of waiting.
	ExecutionID string

	// Session carries cancel and validation outcomes. When nil and ChatID
	// is set, the loop registers its own session for the run.
	Session *sessions.Session

	// Zero values use the gateway's LoopConfig.
	MaxIterations        int
	MaxConsecutiveErrors int

	// Resume continues a batch of tool calls interrupted by a validation.
	Resume *ResumeState
}

// ResumeState is a tool-call batch cut short by a pause. Results holds one
// entry for every call resolved so far, in call order.
type ResumeState struct {
	Assistant agent.Message
	Results   []models.ToolResult
}

// StepKind discriminates StepResult.
type StepKind string

const (
	StepCompleted           StepKind = "completed"
	StepPausedForValidation StepKind = "paused_for_validation"
)

// Stop reasons reported on StepResult.
const (
	StopFinal               = "final"
	StopByUser              = "stopped_by_user"
	StopValidationExpired   = "validation_expired"
	StopRejected            = "rejected"
	StopMaxIterations       = "max_iterations"
	StopConsecutiveErrors   = "consecutive_errors"
	StopProviderUnavailable = "provider_unavailable"
)

// StepResult is the outcome of StreamWithTools.
type StepResult struct {
	Kind       StepKind
	StopReason string

	// Text is every model text fragment emitted during the run.
	Text string

	// Messages is the conversation up to the last complete tool batch.
	Messages []agent.Message

	Iterations int

	// Set when Kind is StepPausedForValidation.
	ValidationID string
	MessageID    string
	ExecutionID  string
	Pending      *ResumeState

	Sources []sessions.Source
}

// loopState is owned by one StreamWithTools call.
type loopState struct {
	req         *ToolRequest
	target      *target
	session     *sessions.Session
	servers     map[string]string
	maxErrors   int
	consecutive int
	emit        EmitFunc
	sources     []sessions.Source
}

// batchControl says how a tool batch ended when it did not simply finish.
type batchControl struct {
	stop         string
	note         string
	validationID string
	messageID    string
	paused       bool
}

// StreamWithTools runs the tool-calling loop: stream a turn, resolve each
// requested tool call through the validation gate, feed the results back
// and repeat until the model answers without tools.
func (g *Gateway) StreamWithTools(ctx context.Context, req *ToolRequest, emit EmitFunc) (*StepResult, error) {
	if req.Model == "" {
		req.Model = g.config.DefaultModel
	}
	t, err := g.resolve(ctx, req.Model, req.UserID, req.Params)
	if err != nil {
		return nil, err
	}

	tools := req.Tools
	if tools == nil {
		tools = g.Tools()
	}
	servers := make(map[string]string, len(tools))
	for _, def := range tools {
		servers[def.Name] = def.ServerID
	}

	system := req.System
	if system == "" {
		system = g.config.DefaultSystemPrompt
	}
	system = enrichSystemPrompt(system, len(tools) > 0)

	maxIterations := req.MaxIterations
	if maxIterations <= 0 {
		maxIterations = g.config.Loop.MaxIterations
	}
	maxErrors := req.MaxConsecutiveErrors
	if maxErrors <= 0 {
		maxErrors = g.config.Loop.MaxConsecutiveErrors
	}

	session := req.Session
	if session == nil && req.ExecutionID == "" && req.ChatID != "" && g.sessions != nil {
		session = g.sessions.Create(ctx, req.ChatID, req.UserID)
		defer g.sessions.End(session)
	}
	var cancel <-chan struct{}
	if session != nil {
		cancel = session.Done()
	}

	ctx = observability.AddChatID(ctx, req.ChatID)
	ctx = observability.AddUserID(ctx, req.UserID)
	ctx, span := g.tracer.TraceStream(ctx, t.route.Provider, t.route.Model, req.ChatID)
	defer span.End()

	result := &StepResult{Kind: StepCompleted}
	var text []byte
	emitText := func(s string) {
		text = append(text, s...)
		emit(s)
	}

	st := &loopState{
		req:       req,
		target:    t,
		session:   session,
		servers:   servers,
		maxErrors: maxErrors,
		emit:      emit,
	}
	convo := append([]agent.Message(nil), req.Messages...)

	finish := func(stop string) *StepResult {
		result.StopReason = stop
		result.Text = string(text)
		result.Messages = convo
		result.Sources = st.sources
		if session != nil {
			session.AddSources(st.sources...)
			result.Sources = session.Sources()
		}
		if len(result.Sources) > 0 {
			emit(SourcesSentinel(result.Sources))
		}
		return result
	}

	// handleBatch applies a batch outcome; it returns a non-nil result when
	// the loop must end.
	handleBatch := func(assistant agent.Message, results []models.ToolResult, ctl *batchControl) *StepResult {
		if ctl == nil {
			convo = append(convo, assistant, agent.Message{Role: models.RoleTool, ToolResults: results})
			if anyError(results) {
				st.consecutive++
			} else {
				st.consecutive = 0
			}
			return nil
		}
		switch {
		case ctl.paused:
			result.Kind = StepPausedForValidation
			result.ValidationID = ctl.validationID
			result.MessageID = ctl.messageID
			result.ExecutionID = req.ExecutionID
			result.Pending = &ResumeState{Assistant: assistant, Results: results}
			return finish("")
		case ctl.stop == StopByUser:
			emit(SentinelStoppedByUser)
		case ctl.stop == StopValidationExpired:
			emit(SentinelStreamStopped)
		case ctl.stop == StopRejected:
			emitText(ctl.note)
			g.persistText(ctx, req, ctl.note)
		}
		return finish(ctl.stop)
	}

	if req.Resume != nil {
		results, ctl, err := g.runBatch(ctx, st, req.Resume.Assistant.ToolCalls, req.Resume.Results)
		if err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		if res := handleBatch(req.Resume.Assistant, results, ctl); res != nil {
			return res, nil
		}
	}

	for result.Iterations < maxIterations && st.consecutive < maxErrors {
		if session != nil && session.Cancelled() {
			emit(SentinelStoppedByUser)
			return finish(StopByUser), nil
		}

		turn, err := g.turn(ctx, t, &agent.Request{
			Model:    t.route.Model,
			System:   system,
			Messages: convo,
			Params:   t.params,
		}, tools, cancel, emitText)
		result.Iterations++
		if err != nil {
			observability.RecordError(span, err)
			if unavailable(err) {
				err = providerUnavailable(err, emitText)
				finish(StopProviderUnavailable)
			}
			return result, err
		}
		if turn.stopped {
			g.persistText(ctx, req, turn.text)
			emit(SentinelStoppedByUser)
			return finish(StopByUser), nil
		}
		g.persistText(ctx, req, turn.text)

		if len(turn.toolCalls) == 0 {
			return finish(StopFinal), nil
		}

		assistant := agent.Message{Role: models.RoleAssistant, Content: turn.text, ToolCalls: turn.toolCalls}
		results, ctl, err := g.runBatch(ctx, st, turn.toolCalls, nil)
		if err != nil {
			observability.RecordError(span, err)
			return result, err
		}
		if res := handleBatch(assistant, results, ctl); res != nil {
			return res, nil
		}
	}

	stop := StopMaxIterations
	if st.consecutive >= maxErrors {
		stop = StopConsecutiveErrors
	}
	g.logger.InfoContext(ctx, "tool loop limit reached",
		"chat_id", req.ChatID,
		"iterations", result.Iterations,
		"consecutive_errors", st.consecutive,
		"reason", stop)
	return finish(stop), nil
}

// runBatch resolves calls in emission order, starting after the results
// already present in prior.
func (g *Gateway) runBatch(ctx context.Context, st *loopState, calls []models.ToolCall, prior []models.ToolResult) ([]models.ToolResult, *batchControl, error) {
	results := append([]models.ToolResult(nil), prior...)
	for i := len(results); i < len(calls); i++ {
		res, ctl, err := g.runCall(ctx, st, calls[i])
		if err != nil {
			return results, nil, err
		}
		if ctl != nil {
			return results, ctl, nil
		}
		results = append(results, res)
	}
	return results, nil, nil
}

func anyError(results []models.ToolResult) bool {
	for _, r := range results {
		if r.IsError {
			return true
		}
	}
	return false
}

func (st *loopState) remaining() int {
	return st.maxErrors - st.consecutive - 1
}

func (st *loopState) errorResult(call models.ToolCall, serverID string, cause error) models.ToolResult {
	toolErr := agent.NewToolExecutionError(call.Name, cause).WithToolCallID(call.ID).WithServerID(serverID)
	return models.ToolResult{ToolCallID: call.ID, Content: toolErr.ModelMessage(st.remaining()), IsError: true}
}

// runCall resolves one tool call. A non-nil control ends the batch.
func (g *Gateway) runCall(ctx context.Context, st *loopState, call models.ToolCall) (models.ToolResult, *batchControl, error) {
	req := st.req
	serverID, ok := st.servers[call.Name]
	if !ok {
		return st.errorResult(call, "", fmt.Errorf("%w: %s is not available", agent.ErrToolNotFound, call.Name)), nil, nil
	}

	decision := approval.DecisionExecute
	reason := ""
	if g.gate != nil {
		var err error
		decision, reason, err = g.gate.ShouldExecute(ctx, req.UserID, req.AgentID, call.Name, serverID)
		if err != nil {
			g.logger.ErrorContext(ctx, "permission check failed", "tool", call.Name, "error", err)
			return st.errorResult(call, serverID, fmt.Errorf("permission check failed")), nil, nil
		}
	}

	switch decision {
	case approval.DecisionDeny:
		return st.errorResult(call, serverID, fmt.Errorf("permission denied: %s", reason)), nil, nil
	case approval.DecisionValidate:
		return g.validateCall(ctx, st, call, serverID)
	default:
		return g.executeCall(ctx, st, call, serverID), nil, nil
	}
}

func (g *Gateway) validateCall(ctx context.Context, st *loopState, call models.ToolCall, serverID string) (models.ToolResult, *batchControl, error) {
	req := st.req
	source, process := models.SourceToolCall, models.ProcessLLMStream
	if req.ExecutionID != "" {
		source, process = models.SourceAutomation, models.ProcessWorkflow
	}
	vid, mid, err := g.gate.CreateValidationRequest(ctx, approval.Request{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		ChatID:      req.ChatID,
		ExecutionID: req.ExecutionID,
		Call:        call,
		ServerID:    serverID,
		Source:      source,
		Process:     process,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "create validation failed", "tool", call.Name, "error", err)
		return st.errorResult(call, serverID, fmt.Errorf("could not request approval")), nil, nil
	}
	if mid != "" && g.store != nil {
		if err := g.store.UpdateMessageMetadata(ctx, mid, map[string]any{"model": req.Model}); err != nil {
			g.logger.WarnContext(ctx, "tag tool call entry failed", "message_id", mid, "error", err)
		}
	}
	st.emit(ValidationRequired(vid, mid))

	if req.ExecutionID != "" || st.session == nil {
		return models.ToolResult{}, &batchControl{paused: true, validationID: vid, messageID: mid}, nil
	}

	outcome, ctl, err := g.awaitValidation(ctx, st.session, vid)
	if err != nil || ctl != nil {
		return models.ToolResult{}, ctl, err
	}

	switch outcome.Action {
	case models.ValidationApproved:
		if outcome.IsError {
			msg, _ := outcome.Result.(string)
			return st.errorResult(call, serverID, errors.New(msg)), nil, nil
		}
		return models.ToolResult{ToolCallID: call.ID, Content: st.resultContent(outcome.Result)}, nil, nil

	case models.ValidationFeedback:
		return models.ToolResult{ToolCallID: call.ID, Content: FeedbackContent(call.Name, outcome.Feedback)}, nil, nil

	case models.ValidationRejected:
		return models.ToolResult{}, &batchControl{stop: StopRejected, note: RejectionNote(call.Name, outcome.Reason)}, nil

	default:
		return models.ToolResult{}, &batchControl{stop: StopValidationExpired}, nil
	}
}

// awaitValidation blocks until the validation resolves, the user cancels,
// or the timeout passes. Outcomes for other validations are discarded.
func (g *Gateway) awaitValidation(ctx context.Context, session *sessions.Session, vid string) (sessions.Outcome, *batchControl, error) {
	session.SetPendingValidation(vid)
	defer session.SetPendingValidation("")

	timer := time.NewTimer(g.config.Loop.ValidationTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return sessions.Outcome{}, nil, ctx.Err()

		case <-session.Done():
			if _, err := g.gate.Cancel(context.WithoutCancel(ctx), vid, "stopped by user", false); err != nil {
				g.logger.WarnContext(ctx, "cancel validation failed", "validation_id", vid, "error", err)
			}
			return sessions.Outcome{}, &batchControl{stop: StopByUser}, nil

		case <-timer.C:
			if _, err := g.gate.Cancel(ctx, vid, "expired", true); err != nil {
				g.logger.WarnContext(ctx, "expire validation failed", "validation_id", vid, "error", err)
			}
			return sessions.Outcome{}, &batchControl{stop: StopValidationExpired}, nil

		case outcome := <-session.Outcomes():
			if outcome.ValidationID != vid {
				g.logger.WarnContext(ctx, "discarding stale validation outcome",
					"want", vid, "got", outcome.ValidationID)
				continue
			}
			return outcome, nil, nil
		}
	}
}

func (g *Gateway) executeCall(ctx context.Context, st *loopState, call models.ToolCall, serverID string) models.ToolResult {
	req := st.req
	if g.executor == nil {
		return st.errorResult(call, serverID, errors.New("no tool executor configured"))
	}

	var messageID string
	if req.ChatID != "" && g.store != nil && !g.config.Loop.HideDirectToolCalls {
		meta := models.ToolCallMetadata(call, serverID, models.ToolCallApproved, "")
		meta["model"] = req.Model
		msg := &models.Message{ChatID: req.ChatID, UserID: req.UserID, Role: models.RoleAssistant, Metadata: meta}
		if err := g.store.CreateMessage(ctx, msg); err != nil {
			g.logger.WarnContext(ctx, "create tool call entry failed", "tool", call.Name, "error", err)
		} else {
			messageID = msg.ID
			st.emit(ToolCallCreated(messageID))
		}
	}

	start := g.now()
	res, err := g.executor.ExecuteTool(ctx, serverID, call.Name, call.Arguments, req.UserID)
	duration := g.now().Sub(start)

	var out models.ToolResult
	switch {
	case err != nil:
		out = st.errorResult(call, serverID, err)
	case res == nil:
		out = models.ToolResult{ToolCallID: call.ID}
	case !res.Success:
		out = st.errorResult(call, serverID, errors.New(res.Error))
	default:
		out = models.ToolResult{ToolCallID: call.ID, Content: st.resultContent(res.Result)}
	}

	status, logStatus := models.ToolCallExecuted, models.ToolLogSuccess
	if out.IsError {
		status, logStatus = models.ToolCallFailed, models.ToolLogError
	}
	if messageID != "" {
		if err := g.store.UpdateMessageMetadata(ctx, messageID, map[string]any{"status": string(status), "result": out.Content}); err != nil {
			g.logger.WarnContext(ctx, "update tool call entry failed", "message_id", messageID, "error", err)
		} else {
			st.emit(SentinelToolUpdated)
		}
	}
	if g.store != nil {
		if err := g.store.CreateLog(ctx, &models.ToolLog{
			UserID:     req.UserID,
			AgentID:    req.AgentID,
			ChatID:     req.ChatID,
			ToolName:   call.Name,
			ServerID:   serverID,
			Arguments:  call.Arguments,
			Result:     out.Content,
			Status:     logStatus,
			DurationMs: duration.Milliseconds(),
		}); err != nil {
			g.logger.WarnContext(ctx, "tool log failed", "tool", call.Name, "error", err)
		}
	}
	g.metrics.RecordToolExecution(serverID, call.Name, string(logStatus), duration.Seconds())
	return out
}

// resultContent unwraps MCP content, collects any sources and renders the
// value for the model.
func (st *loopState) resultContent(v any) string {
	v = mcp.Unwrap(v)
	st.sources = append(st.sources, extractSources(v)...)
	return models.ResultContent(v)
}

func extractSources(v any) []sessions.Source {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	list, ok := obj["sources"].([]any)
	if !ok {
		return nil
	}
	var out []sessions.Source
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		src := sessions.Source{}
		src.Title, _ = m["title"].(string)
		src.URL, _ = m["url"].(string)
		src.Snippet, _ = m["snippet"].(string)
		if src.URL == "" && src.Title == "" {
			continue
		}
		out = append(out, src)
	}
	return out
}

// FeedbackContent is the tool result handed to the model when the user
// answered a validation with feedback instead of approving it.
func FeedbackContent(toolName, feedback string) string {
	return fmt.Sprintf("The tool %q was NOT executed. The user reviewed the call and replied with feedback instead:\n%s\nIncorporate this feedback before deciding how to proceed.", toolName, feedback)
}

// RejectionNote is emitted when a validation is rejected.
func RejectionNote(toolName, reason string) string {
	note := fmt.Sprintf("\n\nThe tool call %q was rejected", toolName)
	if reason != "" {
		note += ": " + reason
	}
	return note + ". I stopped here."
}

// persistText records a turn's text as a conversation entry for chats.
func (g *Gateway) persistText(ctx context.Context, req *ToolRequest, text string) {
	if req.ChatID == "" || text == "" || g.store == nil {
		return
	}
	if err := g.store.CreateMessage(context.WithoutCancel(ctx), &models.Message{
		ChatID:  req.ChatID,
		UserID:  req.UserID,
		Role:    models.RoleAssistant,
		Content: text,
	}); err != nil {
		g.logger.WarnContext(ctx, "persist assistant message failed", "chat_id", req.ChatID, "error", err)
	}
}
