package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// InternalServerID routes a call to the built-in tools.
const InternalServerID = models.InternalServerID

// ErrUnknownTool is returned for a tool name the server does not offer.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationReader is the read-only view of validations the built-in tools use.
type ValidationReader interface {
	GetValidation(ctx context.Context, id string) (*models.Validation, error)
	ListPendingValidations(ctx context.Context, userID string, limit int) ([]*models.Validation, error)
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone such as Europe/Paris. Defaults to UTC."`
}

type listPendingArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,description=Maximum number of validations to return."`
}

type getValidationArgs struct {
	ValidationID string `json:"validation_id" jsonschema:"required,description=Id of the validation to look up."`
}

type builtinTool struct {
	def models.ToolDefinition
	run func(ctx context.Context, userID string, raw []byte) (any, error)
}

// InternalTools are read-only tools served in-process. Results are wrapped
// as MCP content so they look like any other server's output.
type InternalTools struct {
	validations ValidationReader
	tools       map[string]*builtinTool
	now         func() time.Time
}

// NewInternalTools creates the built-in tool set.
func NewInternalTools(validations ValidationReader) *InternalTools {
	t := &InternalTools{
		validations: validations,
		tools:       make(map[string]*builtinTool),
		now:         time.Now,
	}
	t.register("current_time", "Returns the current date and time.", &currentTimeArgs{}, t.currentTime)
	t.register("list_pending_validations", "Lists tool calls waiting for the user's approval.", &listPendingArgs{}, t.listPending)
	t.register("get_validation", "Returns the status of one tool approval request.", &getValidationArgs{}, t.getValidation)
	return t
}

func (t *InternalTools) register(name, description string, args any, run func(context.Context, string, []byte) (any, error)) {
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema, err := json.Marshal(r.Reflect(args))
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	t.tools[name] = &builtinTool{
		def: models.ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: schema,
			ServerID:    InternalServerID,
			IsDefault:   true,
		},
		run: run,
	}
}

// Definitions lists the built-in tools sorted by name.
func (t *InternalTools) Definitions() []models.ToolDefinition {
	defs := make([]models.ToolDefinition, 0, len(t.tools))
	for _, tool := range t.tools {
		defs = append(defs, tool.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs a built-in tool.
func (t *InternalTools) Execute(ctx context.Context, name string, args map[string]any, userID string) (*models.ExecutionResult, error) {
	tool, ok := t.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	out, err := tool.run(ctx, userID, raw)
	if err != nil {
		return &models.ExecutionResult{Error: err.Error()}, nil
	}
	return &models.ExecutionResult{Success: true, Result: Wrap(out)}, nil
}

func (t *InternalTools) currentTime(ctx context.Context, userID string, raw []byte) (any, error) {
	var args currentTimeArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	loc := time.UTC
	if args.Timezone != "" {
		l, err := time.LoadLocation(args.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q", args.Timezone)
		}
		loc = l
	}
	now := t.now().In(loc)
	return map[string]any{
		"iso8601":  now.Format(time.RFC3339),
		"timezone": loc.String(),
		"weekday":  now.Weekday().String(),
		"unix":     now.Unix(),
	}, nil
}

type validationView struct {
	ID        string                  `json:"id"`
	ToolName  string                  `json:"tool_name"`
	ServerID  string                  `json:"server_id"`
	Status    models.ValidationStatus `json:"status"`
	Title     string                  `json:"title,omitempty"`
	ChatID    string                  `json:"chat_id,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt *time.Time              `json:"expires_at,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
	Feedback  string                  `json:"feedback,omitempty"`
}

func viewOf(v *models.Validation) validationView {
	return validationView{
		ID:        v.ID,
		ToolName:  v.ToolName,
		ServerID:  v.ServerID,
		Status:    v.Status,
		Title:     v.Title,
		ChatID:    v.ChatID,
		CreatedAt: v.CreatedAt,
		ExpiresAt: v.ExpiresAt,
		Reason:    v.Reason,
		Feedback:  v.Feedback,
	}
}

func (t *InternalTools) listPending(ctx context.Context, userID string, raw []byte) (any, error) {
	var args listPendingArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Limit <= 0 || args.Limit > 100 {
		args.Limit = 20
	}
	pending, err := t.validations.ListPendingValidations(ctx, userID, args.Limit)
	if err != nil {
		return nil, err
	}
	views := make([]validationView, 0, len(pending))
	for _, v := range pending {
		views = append(views, viewOf(v))
	}
	return map[string]any{"count": len(views), "validations": views}, nil
}

func (t *InternalTools) getValidation(ctx context.Context, userID string, raw []byte) (any, error) {
	var args getValidationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.ValidationID == "" {
		return nil, fmt.Errorf("validation_id is required")
	}
	v, err := t.validations.GetValidation(ctx, args.ValidationID)
	if err != nil || v.UserID != userID {
		return nil, fmt.Errorf("validation %s not found", args.ValidationID)
	}
	return viewOf(v), nil
}
