package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Reason categorizes why a provider call failed. The AI worker retries
// once on transient reasons and fails immediately on the rest.
type Reason string

const (
	// ReasonRateLimit is HTTP 429 or an equivalent throttle signal.
	ReasonRateLimit Reason = "rate_limit"

	// ReasonTimeout covers deadlines, both ours and the provider's.
	ReasonTimeout Reason = "timeout"

	// ReasonServerError is HTTP 5xx or a provider-side fault.
	ReasonServerError Reason = "server_error"

	// ReasonAuth is a missing or rejected credential.
	ReasonAuth Reason = "auth"

	// ReasonInvalidRequest is a request the provider refused as malformed.
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonModelUnavailable means the requested model does not exist
	// or is not served to this account.
	ReasonModelUnavailable Reason = "model_unavailable"

	// ReasonCanceled means our context was canceled mid-call. Never
	// retried; the caller asked for the stop.
	ReasonCanceled Reason = "canceled"

	// ReasonUnknown is anything the classifier could not place.
	ReasonUnknown Reason = "unknown"
)

// Transient reports whether a retry may succeed.
func (r Reason) Transient() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// ProviderError is the structured error every adapter returns.
type ProviderError struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause with provider context and a classified
// reason.
func NewProviderError(provider, model string, cause error) *ProviderError {
	e := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		e.Message = cause.Error()
		e.Reason = Classify(cause)
	}
	return e
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if r := classifyStatus(status); r != ReasonUnknown {
		e.Reason = r
	}
	return e
}

// WithMessage replaces the human-readable message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// Classify places a raw error into the Reason taxonomy.
func Classify(err error) Reason {
	if err == nil {
		return ReasonUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "etimedout"):
		return ReasonTimeout
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429"):
		return ReasonRateLimit
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403"):
		return ReasonAuth
	case strings.Contains(msg, "model not found") ||
		strings.Contains(msg, "model_not_found") ||
		strings.Contains(msg, "does not exist"):
		return ReasonModelUnavailable
	case strings.Contains(msg, "temporarily unavailable") ||
		strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "internal server") ||
		strings.Contains(msg, "server error") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504"):
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ReasonTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status == http.StatusBadRequest:
		return ReasonInvalidRequest
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

// ReasonOf extracts the classified reason from an error chain.
func ReasonOf(err error) Reason {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return Classify(err)
}

// IsTransient reports whether err warrants the single retry.
func IsTransient(err error) bool {
	return ReasonOf(err).Transient()
}
