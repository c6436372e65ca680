package gateway

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CodeValidation     = "VALIDATION"
	CodeNotFound       = "NOT_FOUND"
	CodeStepFailed     = "STEP_FAILED"
	CodeRemoteError    = "REMOTE_ERROR"
	CodeSessionExpired = "SESSION_EXPIRED"
	CodeCDPUnavailable = "CDP_UNAVAILABLE"
	CodeTimeout        = "TIMEOUT"
	CodeBusy           = "BUSY"
)

// ErrSessionExpired is returned when a result envelope reports that the
// remote session is gone. It is never retried automatically.
var ErrSessionExpired = &CodedError{Code: CodeSessionExpired, Message: "session expired"}

// CodedError is a typed error used for stable API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// Is matches coded errors by code, so wrapped copies of ErrSessionExpired
// still satisfy errors.Is.
func (e *CodedError) Is(target error) bool {
	var ce *CodedError
	if !errors.As(target, &ce) {
		return false
	}
	return ce == e || (ce == ErrSessionExpired && e.Code == CodeSessionExpired)
}

func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

// Code extracts the coded error code from err, or "".
func Code(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// EnvelopeError is the error marker a result may carry instead of, or
// alongside, its normal fields.
type EnvelopeError struct {
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

// Envelope is embedded in every gateway result.
type Envelope struct {
	Error *EnvelopeError `json:"error,omitempty"`
}

func (e Envelope) envelope() Envelope { return e }

// Result is implemented by every gateway result type.
type Result interface {
	envelope() Envelope
}

// Fail builds an envelope carrying msg.
func Fail(msg string) Envelope {
	return Envelope{Error: &EnvelopeError{Message: msg}}
}

// IsExpiredMessage reports whether an envelope message signals expiry.
func IsExpiredMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "expired")
}

// Inspect scans a result's envelope. It returns nil when no error marker is
// present, ErrSessionExpired when the marker mentions expiry, and a
// STEP_FAILED coded error otherwise (REMOTE_ERROR when no step is named).
func Inspect(r Result) error {
	env := r.envelope()
	if env.Error == nil {
		return nil
	}
	msg := strings.TrimSpace(env.Error.Message)
	if IsExpiredMessage(msg) {
		return ErrSessionExpired
	}
	if msg == "" {
		msg = "remote reported an error"
	}
	if env.Error.StepID != "" {
		return &CodedError{Code: CodeStepFailed, Message: fmt.Sprintf("step %s: %s", env.Error.StepID, msg)}
	}
	return &CodedError{Code: CodeRemoteError, Message: msg}
}
