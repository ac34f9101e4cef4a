package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory groups errors by who can fix them.
type ErrorCategory string

const (
	CategoryCredentials ErrorCategory = "credentials"
	CategoryAuth        ErrorCategory = "auth"
	CategoryNetwork     ErrorCategory = "network"
	CategoryAPI         ErrorCategory = "api"
	CategoryLocation    ErrorCategory = "location"
	CategoryValidation  ErrorCategory = "validation"
)

// CredentialError reports missing, corrupt or inaccessible credentials.
type CredentialError struct {
	Op     string
	Source string
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	msg := "credentials"
	if e.Op != "" {
		msg = e.Op
	}
	if e.Source != "" {
		msg += " (" + e.Source + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() error           { return e.Err }
func (e *CredentialError) Category() ErrorCategory { return CategoryCredentials }

// AuthError reports a rejected login, or a token still rejected after one refresh.
type AuthError struct {
	Op     string
	Status int
	Err    error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("%s: authentication failed", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error           { return e.Err }
func (e *AuthError) Category() ErrorCategory { return CategoryAuth }

// NetworkError reports a transport failure that survived every retry.
type NetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error           { return e.Err }
func (e *NetworkError) Category() ErrorCategory { return CategoryNetwork }

// APIError reports a non-2xx application response, after retries where they apply.
type APIError struct {
	Op       string
	Status   int
	Attempts int
	Body     string
	Err      error
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: api error", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(" %d", e.Status)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *APIError) Unwrap() error           { return e.Err }
func (e *APIError) Category() ErrorCategory { return CategoryAPI }

// LocationUnavailableError is raised when the resolver ends in FAILED. StaleFix holds
// the best fix seen during the pass, if any, so callers can decide whether it is good
// enough.
type LocationUnavailableError struct {
	LastState string
	StaleFix  *GPSLocation
	Err       error
}

func (e *LocationUnavailableError) Error() string {
	msg := "location unavailable"
	if e.LastState != "" {
		msg += " (in " + e.LastState + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.StaleFix != nil {
		msg += fmt.Sprintf("; last stale fix at %d", e.StaleFix.Timestamp)
	}
	return msg
}

func (e *LocationUnavailableError) Unwrap() error           { return e.Err }
func (e *LocationUnavailableError) Category() ErrorCategory { return CategoryLocation }

// ValidationError reports a malformed input rejected before any network call.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Category() ErrorCategory { return CategoryValidation }

// CategoryOf returns the category of the first categorised error in err's chain.
func CategoryOf(err error) (ErrorCategory, bool) {
	var c interface{ Category() ErrorCategory }
	if errors.As(err, &c) {
		return c.Category(), true
	}
	return "", false
}

// IsTransient reports whether retrying later may succeed.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	category, ok := CategoryOf(err)
	if !ok {
		return false
	}
	switch category {
	case CategoryNetwork, CategoryLocation:
		return true
	case CategoryAPI:
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.Status == 0 || apiErr.Status == 429 || apiErr.Status >= 500
		}
	}
	return false
}
