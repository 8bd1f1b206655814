package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest       = "BAD_REQUEST"
	ErrPayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	ErrUnauthorized     = "UNAUTHORIZED"
	ErrNotFound         = "NOT_FOUND"
	ErrValidationError  = "VALIDATION_ERROR"
	ErrStateConflict    = "STATE_CONFLICT"
	ErrBillingRule      = "BILLING_RULE_ERROR"
	ErrExternalDispatch = "EXTERNAL_DISPATCH_ERROR"
	ErrInternalError    = "INTERNAL_ERROR"
)

// State conflict reasons carried in ErrorEnvelope.Reason.
const (
	ConflictStageOutOfOrder       = "StageOutOfOrder"
	ConflictStageAlreadyCompleted = "StageAlreadyCompleted"
	ConflictMandatoryStagePending = "MandatoryStagePending"
	ConflictInstanceNotActive     = "InstanceNotActive"
	ConflictTemplateInUse         = "TemplateInUse"
	ConflictPlanAlreadyAttached   = "PlanAlreadyAttached"
	ConflictInvalidTransition     = "InvalidTransition"
	ConflictVersion               = "VersionConflict"
	ConflictDuplicate             = "Duplicate"
	ConflictIdempotencyKeyReused  = "IdempotencyKeyReused"
	ConflictIdempotencyInFlight   = "IdempotencyKeyInFlight"
)

// ErrorEnvelope is the error type returned by every engine operation and the
// JSON body of error responses. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Reason  string       `json:"reason,omitempty"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewPayloadTooLargeError returns a PAYLOAD_TOO_LARGE error for a request
// body over limit bytes.
func NewPayloadTooLargeError(limit int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPayloadTooLarge,
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
	}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewStateConflictError returns a STATE_CONFLICT error with the given reason.
func NewStateConflictError(reason, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStateConflict, Reason: reason, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewBillingRuleError returns a BILLING_RULE_ERROR for a malformed payment link.
func NewBillingRuleError(linkID, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBillingRule,
		Message: fmt.Sprintf("payment link %q: %s", linkID, msg),
	}
}

// NewExternalDispatchError returns an EXTERNAL_DISPATCH_ERROR.
func NewExternalDispatchError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrExternalDispatch, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// AsEnvelope unwraps err into an *ErrorEnvelope if one is present in its chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// CodeOf returns the envelope code of err, or "" when err carries none.
func CodeOf(err error) string {
	if ee, ok := AsEnvelope(err); ok {
		return ee.Code
	}
	return ""
}

// IsConflict reports whether err is a STATE_CONFLICT with the given reason.
func IsConflict(err error, reason string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == ErrStateConflict && ee.Reason == reason
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrNotFound
}
