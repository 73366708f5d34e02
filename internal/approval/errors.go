package approval

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/haasonsaas/toolgate/internal/storage"
	"github.com/haasonsaas/toolgate/pkg/models"
)

// StateErrorKind classifies a rejected validation operation.
type StateErrorKind string

const (
	StateNotFound   StateErrorKind = "not_found"
	StateWrongOwner StateErrorKind = "wrong_owner"
	StateNotPending StateErrorKind = "not_pending"
)

// ValidationStateError reports that a validation cannot be mutated by this
// caller in its current state.
type ValidationStateError struct {
	Kind         StateErrorKind
	ValidationID string
	Status       models.ValidationStatus
}

func (e *ValidationStateError) Error() string {
	switch e.Kind {
	case StateNotFound:
		return fmt.Sprintf("validation %s not found", e.ValidationID)
	case StateWrongOwner:
		return fmt.Sprintf("validation %s belongs to another user", e.ValidationID)
	default:
		if e.Status != "" {
			return fmt.Sprintf("validation %s is %s, not pending", e.ValidationID, e.Status)
		}
		return fmt.Sprintf("validation %s is no longer pending", e.ValidationID)
	}
}

// HTTPStatus maps the error onto a response status.
func (e *ValidationStateError) HTTPStatus() int {
	switch e.Kind {
	case StateNotFound:
		return http.StatusNotFound
	case StateWrongOwner:
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}

// AsValidationStateError extracts a ValidationStateError from an error chain.
func AsValidationStateError(err error) (*ValidationStateError, bool) {
	var stateErr *ValidationStateError
	if errors.As(err, &stateErr) {
		return stateErr, true
	}
	return nil, false
}

// stateError converts storage sentinels; other errors pass through.
func stateError(id string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &ValidationStateError{Kind: StateNotFound, ValidationID: id}
	case errors.Is(err, storage.ErrNotPending):
		return &ValidationStateError{Kind: StateNotPending, ValidationID: id}
	}
	return err
}
