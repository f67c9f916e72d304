package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrRateLimited     = "RATE_LIMITED"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrUnavailable     = "SERVICE_UNAVAILABLE"
)

// Job-specific error codes.
const (
	ErrJobNotFound     = "JOB_NOT_FOUND"
	ErrJobNotActive    = "JOB_NOT_ACTIVE"
	ErrJobActive       = "JOB_ACTIVE"
	ErrTooManyJobs     = "TOO_MANY_JOBS"
	ErrUnknownSource   = "UNKNOWN_SOURCE"
	ErrIdempotencyUsed = "IDEMPOTENCY_KEY_REUSED"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
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

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnavailableError returns a SERVICE_UNAVAILABLE error.
func NewUnavailableError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnavailable, Message: msg}
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRateLimited,
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// NewJobNotFoundError returns a JOB_NOT_FOUND error.
func NewJobNotFoundError(jobID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrJobNotFound,
		Message: fmt.Sprintf("job %q not found", jobID),
	}
}

// NewJobNotActiveError returns a JOB_NOT_ACTIVE error.
func NewJobNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJobNotActive, Message: msg}
}

// NewJobActiveError returns a JOB_ACTIVE error, used when an operation
// requires the job to have finished.
func NewJobActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrJobActive, Message: msg}
}

// NewTooManyJobsError returns a TOO_MANY_JOBS error.
func NewTooManyJobsError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTooManyJobs,
		Message: fmt.Sprintf("the maximum of %d active jobs has been reached", limit),
	}
}

// NewUnknownSourceError returns an UNKNOWN_SOURCE error.
func NewUnknownSourceError(source string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownSource,
		Message: fmt.Sprintf("navigation source %q is not registered", source),
	}
}

// NewIdempotencyReusedError returns an IDEMPOTENCY_KEY_REUSED error.
func NewIdempotencyReusedError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIdempotencyUsed,
		Message: fmt.Sprintf("idempotency key %q already used with a different request", key),
	}
}
