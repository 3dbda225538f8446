package shared

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// ErrorKind classifies failures surfaced by the session and registration core.
type ErrorKind string

const (
	KindNotAuthenticated      ErrorKind = "not_authenticated"
	KindEmailNotVerified      ErrorKind = "email_not_verified"
	KindEmailAlreadyInUse     ErrorKind = "email_already_in_use"
	KindInvalidCredentials    ErrorKind = "invalid_credentials"
	KindFederatedSignInFailed ErrorKind = "federated_sign_in_failed"
	KindUnauthorized          ErrorKind = "unauthorized"
	KindServerError           ErrorKind = "server_error"
	KindPersistence           ErrorKind = "persistence"
	KindSubscription          ErrorKind = "subscription"
	KindValidation            ErrorKind = "validation"
)

// Error is a typed failure carrying a user-readable message and the underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return string(e.Kind) + ": " + e.Message
	case e.Err != nil:
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks against the taxonomy.
var (
	ErrNotAuthenticated      = &Error{Kind: KindNotAuthenticated}
	ErrEmailNotVerified      = &Error{Kind: KindEmailNotVerified}
	ErrEmailAlreadyInUse     = &Error{Kind: KindEmailAlreadyInUse}
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials}
	ErrFederatedSignInFailed = &Error{Kind: KindFederatedSignInFailed}
	ErrUnauthorized          = &Error{Kind: KindUnauthorized}
	ErrServerError           = &Error{Kind: KindServerError}
	ErrPersistence           = &Error{Kind: KindPersistence}
	ErrSubscription          = &Error{Kind: KindSubscription}
	ErrValidation            = &Error{Kind: KindValidation}
)

// NewError builds a typed error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf returns the taxonomy kind of err, or "" when err is not typed.
func KindOf(err error) ErrorKind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	var verr *ValidationError
	if errors.As(err, &verr) {
		return KindValidation
	}
	return ""
}

// ValidationError reports per-field input problems. It matches ErrValidation.
type ValidationError struct {
	Fields map[string]string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation: " + strings.Join(parts, "; ")
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindValidation
}

// UserSafeMessage returns text suitable for display to end users.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) && typed.Message != "" {
		return typed.Message
	}
	switch KindOf(err) {
	case KindNotAuthenticated:
		return "Please sign in to continue."
	case KindEmailNotVerified:
		return "Please verify your email address before signing in."
	case KindEmailAlreadyInUse:
		return "An account with this email already exists."
	case KindInvalidCredentials:
		return "Invalid email or password."
	case KindFederatedSignInFailed:
		return "Sign-in with the external provider failed."
	case KindUnauthorized:
		return "Access denied."
	case KindValidation:
		return "Please correct the highlighted fields."
	case KindPersistence:
		return "Saving failed. Please try again."
	case KindSubscription:
		return "Live updates stopped. Reload to try again."
	}
	if errors.Is(err, ErrNotFound) {
		return "The requested item was not found."
	}
	return "Something went wrong. Please try again."
}
