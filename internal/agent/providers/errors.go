package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorReason categorizes why a provider request failed.
type ErrorReason string

const (
	// ReasonRateLimit indicates rate limiting (HTTP 429)
	ReasonRateLimit ErrorReason = "rate_limit"

	// ReasonOverloaded indicates the provider is overloaded (HTTP 529)
	ReasonOverloaded ErrorReason = "overloaded"

	// ReasonServerError indicates a retriable gateway or server failure (HTTP 500/502/503/504)
	ReasonServerError ErrorReason = "server_error"

	// ReasonTimeout indicates the request timed out before a status was received
	ReasonTimeout ErrorReason = "timeout"

	// ReasonAuth indicates authentication failure (HTTP 401, 403)
	ReasonAuth ErrorReason = "auth"

	// ReasonBilling indicates payment/quota issues (HTTP 402)
	ReasonBilling ErrorReason = "billing"

	// ReasonInvalidRequest indicates client-side issues (HTTP 400, 422)
	ReasonInvalidRequest ErrorReason = "invalid_request"

	// ReasonModelUnavailable indicates the model is not available (HTTP 404)
	ReasonModelUnavailable ErrorReason = "model_unavailable"

	// ReasonContentFilter indicates content was blocked by safety filters
	ReasonContentFilter ErrorReason = "content_filter"

	// ReasonUnknown indicates an unclassified error
	ReasonUnknown ErrorReason = "unknown"
)

// Transient reports whether retrying the same request may succeed.
func (r ErrorReason) Transient() bool {
	switch r {
	case ReasonRateLimit, ReasonOverloaded, ReasonServerError, ReasonTimeout:
		return true
	default:
		return false
	}
}

// retriableStatus lists the HTTP statuses a retry may fix. Every other 4xx is fatal.
var retriableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	529:                            true,
}

// IsRetriableStatus reports whether an HTTP status should be retried.
func IsRetriableStatus(status int) bool {
	return retriableStatus[status]
}

// ProviderError represents a structured error from an LLM provider.
type ProviderError struct {
	// Reason categorizes the error for retry logic
	Reason ErrorReason

	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Transient reports whether the error is a ProviderTransient error.
// A known status always wins over the message-based classification.
func (e *ProviderError) Transient() bool {
	if e.Status != 0 {
		return IsRetriableStatus(e.Status)
	}
	return e.Reason.Transient()
}

// NewProviderError creates a new ProviderError with the given parameters.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus adds HTTP status to the error and reclassifies it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if status != 0 {
		e.Reason = classifyStatusCode(status)
	}
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown && e.Status == 0 {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error without a status and returns its reason.
func ClassifyError(err error) ErrorReason {
	if err == nil {
		return ReasonUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	errStr := strings.ToLower(err.Error())

	switch {
	case containsAny(errStr, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(errStr, "overloaded", "529"):
		return ReasonOverloaded
	case containsAny(errStr, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case containsAny(errStr, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case containsAny(errStr, "billing", "payment", "insufficient_quota", "402"):
		return ReasonBilling
	case containsAny(errStr, "content_filter", "content policy", "safety"):
		return ReasonContentFilter
	case containsAny(errStr, "model not found", "model_not_found", "does not exist"):
		return ReasonModelUnavailable
	case containsAny(errStr, "internal server", "server error", "bad gateway", "service unavailable", "500", "502", "503", "504"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// classifyStatusCode returns a reason based on HTTP status code.
func classifyStatusCode(status int) ErrorReason {
	switch {
	case status == 529:
		return ReasonOverloaded
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// classifyErrorCode returns a reason based on provider-specific error codes.
func classifyErrorCode(code string) ErrorReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "throttlingexception":
		return ReasonRateLimit
	case "overloaded_error", "serviceunavailableexception":
		return ReasonOverloaded
	case "authentication_error", "invalid_api_key", "accessdeniedexception":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "model_not_available", "resourcenotfoundexception":
		return ReasonModelUnavailable
	case "content_policy_violation", "content_filter":
		return ReasonContentFilter
	case "server_error", "internal_error", "api_error", "internalserverexception":
		return ReasonServerError
	case "invalid_request_error", "validationexception":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetriable is the shared retriable check used by every adapter.
func IsRetriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Transient()
	}
	return ClassifyError(err).Transient()
}
