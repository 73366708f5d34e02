package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/toolgate/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotPending is returned by UpdateValidationStatus when the validation
	// has already left the pending state.
	ErrNotPending = errors.New("validation is not pending")
)

// ValidationStore persists validation records.
type ValidationStore interface {
	CreateValidation(ctx context.Context, v *models.Validation) error
	GetValidation(ctx context.Context, id string) (*models.Validation, error)

	// UpdateValidationStatus moves a pending validation to update.Status.
	// The transition is conditional on the row still being pending, so two
	// concurrent resolutions cannot both succeed.
	UpdateValidationStatus(ctx context.Context, id string, update models.ValidationUpdate) (*models.Validation, error)

	// SetValidationResult records the tool output on an approved validation.
	SetValidationResult(ctx context.Context, id string, result any) error

	GetValidationsByExecution(ctx context.Context, executionID string) ([]*models.Validation, error)

	// CancelAllPendingValidations cancels every pending validation of a chat
	// and returns the cancelled ids.
	CancelAllPendingValidations(ctx context.Context, chatID string) ([]string, error)

	ListPendingValidations(ctx context.Context, userID string, limit int) ([]*models.Validation, error)
	ListExpiredValidations(ctx context.Context, now time.Time, limit int) ([]*models.Validation, error)
}

// MessageStore persists visible conversation entries.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error

	// UpdateMessageMetadata merges patch into the stored metadata.
	UpdateMessageMetadata(ctx context.Context, id string, patch map[string]any) error

	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, chatID string) ([]*models.Message, error)
}

// LogStore persists tool attempts. A log with AlwaysAllow is a cache entry.
type LogStore interface {
	CreateLog(ctx context.Context, log *models.ToolLog) error
	CheckToolCache(ctx context.Context, key models.ToolCacheKey) (bool, error)
}

// UserStore resolves permission levels and per-user provider keys.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	PutUser(ctx context.Context, user *models.User) error

	// GetProviderKey returns ErrNotFound when the user has no key for provider.
	GetProviderKey(ctx context.Context, userID, provider string) (string, error)
	PutProviderKey(ctx context.Context, userID, provider, apiKey string) error
}

// ExecutionStore persists paused automation executions.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
}

// Store is the full persistence collaborator.
type Store interface {
	ValidationStore
	MessageStore
	LogStore
	UserStore
	ExecutionStore
	Close() error
}
