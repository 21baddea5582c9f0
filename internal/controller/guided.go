package controller

import (
	"errors"
	"fmt"
	"strings"
)

// GuidedError is the user-facing failure shape: what went wrong, why,
// and the exact next command to try. Every surfaced error renders as the
// three labeled lines; wrapping keeps the cause inspectable.
type GuidedError struct {
	Problem string
	Why     string
	Next    string
	Cause   error
}

func (e *GuidedError) Error() string {
	var b strings.Builder
	b.WriteString("Problem: ")
	b.WriteString(strings.TrimSpace(e.Problem))
	b.WriteString("\nWhy: ")
	b.WriteString(strings.TrimSpace(e.Why))
	b.WriteString("\nNext: ")
	b.WriteString(strings.TrimSpace(e.Next))
	return b.String()
}

func (e *GuidedError) Unwrap() error { return e.Cause }

// Guide builds a GuidedError from the three lines.
func Guide(problem, why, next string) *GuidedError {
	return &GuidedError{Problem: problem, Why: why, Next: next}
}

// Guidef is Guide with a formatted problem line.
func Guidef(why, next, problemFormat string, args ...any) *GuidedError {
	return &GuidedError{
		Problem: fmt.Sprintf(problemFormat, args...),
		Why:     why,
		Next:    next,
	}
}

// WithCause attaches the underlying error for errors.Is/As chains.
func (e *GuidedError) WithCause(err error) *GuidedError {
	e.Cause = err
	return e
}

// AsGuided extracts a GuidedError from a chain, or wraps err in a
// generic triad so the UI always has the three lines to print.
func AsGuided(err error) *GuidedError {
	if err == nil {
		return nil
	}
	var ge *GuidedError
	if errors.As(err, &ge) {
		return ge
	}
	return &GuidedError{
		Problem: err.Error(),
		Why:     "An internal operation failed.",
		Next:    "Check the runtime log, or run /status to inspect the session.",
		Cause:   err,
	}
}
