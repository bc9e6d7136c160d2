package authfilter

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal failure categories. Codes are for logs only;
// callers of the stage only ever see a HaltError.
type ErrorCode string

const (
	ErrCodeInvalidToken        ErrorCode = "invalid_token"
	ErrCodeExpired             ErrorCode = "token_expired"
	ErrCodeNotYetValid         ErrorCode = "token_not_yet_valid"
	ErrCodeInvalidIssuer       ErrorCode = "invalid_issuer"
	ErrCodeInvalidAudience     ErrorCode = "invalid_audience"
	ErrCodeProviderUnavailable ErrorCode = "provider_unavailable"
	ErrCodeMisconfigured       ErrorCode = "misconfigured"
	ErrCodeClaimsIncomplete    ErrorCode = "claims_incomplete"
	ErrCodeInternal            ErrorCode = "internal_error"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeInvalidToken:        "Invalid token",
	ErrCodeExpired:             "Token expired",
	ErrCodeNotYetValid:         "Token not yet valid",
	ErrCodeInvalidIssuer:       "Invalid issuer",
	ErrCodeInvalidAudience:     "Invalid audience",
	ErrCodeProviderUnavailable: "Identity provider unavailable",
	ErrCodeMisconfigured:       "Verifier misconfigured",
	ErrCodeClaimsIncomplete:    "Claims incomplete",
	ErrCodeInternal:            "Internal error",
}

// Error wraps verifier and stage errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsInfrastructure reports whether err describes a verification infrastructure
// failure (unreachable provider, bad key or environment configuration) rather than
// a token the provider rejected.
func IsInfrastructure(err error) bool {
	switch CodeOf(err) {
	case ErrCodeProviderUnavailable, ErrCodeMisconfigured:
		return true
	}
	return false
}

// Halt reasons. These are the only failure strings the stage exposes.
const (
	ReasonTokenMissing = "Auth token is missing"
	ReasonTokenInvalid = "Auth token is invalid"
)

// HaltError signals the pipeline to stop processing the request.
type HaltError struct {
	Reason string
	Err    error
}

// Error implements the error interface. Only the reason is rendered so the
// underlying cause never leaks to clients that print the error.
func (h *HaltError) Error() string {
	return h.Reason
}

// Unwrap returns the underlying cause.
func (h *HaltError) Unwrap() error {
	return h.Err
}

func halt(reason string, err error) error {
	return &HaltError{Reason: reason, Err: err}
}

// IsHalt reports whether err is a pipeline halt.
func IsHalt(err error) bool {
	var h *HaltError
	return errors.As(err, &h)
}

// HaltReason returns the halt reason carried by err, or "" if err is not a halt.
func HaltReason(err error) string {
	var h *HaltError
	if errors.As(err, &h) {
		return h.Reason
	}
	return ""
}
