package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: target system unreachable, connection timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the connected system.
	// Retried with the same backoff as transient failures.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict in the connected system.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, permission denied, denied by policy.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassIntegrity indicates stored or loaded data violates an engine invariant.
	// Integrity violations abort the operation and are never retried.
	ErrorClassIntegrity ErrorClass = "integrity"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the object ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewIntegrityError creates a new integrity violation.
func NewIntegrityError(message string, err error) *EngineError {
	return newError(ErrorClassIntegrity, message, err)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return hasClass(err, ErrorClassTransient)
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return hasClass(err, ErrorClassThrottled)
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return hasClass(err, ErrorClassConflict)
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return hasClass(err, ErrorClassPermanent)
}

// IsIntegrityViolation returns true if the error is an integrity violation.
func IsIntegrityViolation(err error) bool {
	return hasClass(err, ErrorClassIntegrity)
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
// Plain errors from connectors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *EngineError
	if !errors.As(err, &e) {
		return true
	}
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation             = "VALIDATION_ERROR"
	ErrCodeNotFound               = "NOT_FOUND"
	ErrCodeConfiguration          = "CONFIGURATION_ERROR"
	ErrCodeAmbiguousMatch         = "AMBIGUOUS_MATCH"
	ErrCodeDuplicatePendingExport = "DUPLICATE_PENDING_EXPORT"
	ErrCodeMissingNavigation      = "MISSING_NAVIGATION_DATA"
	ErrCodeConflict               = "CONFLICT"
	ErrCodeTimeout                = "TIMEOUT"
	ErrCodeRateLimited            = "RATE_LIMITED"
	ErrCodeConnectorFailed        = "CONNECTOR_FAILED"
	ErrCodeDependencyFailed       = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied           = "POLICY_DENIED"
	ErrCodeInternal               = "INTERNAL_ERROR"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTypeMismatch is returned when a value does not fit the declared attribute type.
	ErrTypeMismatch = errors.New("attribute type mismatch")

	// ErrAmbiguousMatch is returned when a matching rule finds more than one metaverse object.
	ErrAmbiguousMatch = errors.New("matching rule returned more than one metaverse object")

	// ErrDuplicatePendingExport is returned when a second pending export would exist for one object.
	ErrDuplicatePendingExport = errors.New("pending export already exists for connected system object")

	// ErrMissingNavigationData is returned when required related data was not loaded.
	ErrMissingNavigationData = errors.New("required navigation data not loaded")
)

// DuplicatePendingExportError builds the integrity violation raised when more than one
// pending export exists, or would exist, for the same connected system object.
func DuplicatePendingExportError(csoID string, existing int) *EngineError {
	return NewIntegrityError("duplicate pending export", ErrDuplicatePendingExport).
		WithCode(ErrCodeDuplicatePendingExport).
		WithResource(csoID).
		WithDetail("existing", existing)
}

// ImportErrorType classifies why a single import record was rejected.
type ImportErrorType string

const (
	// ImportErrorNone means the record was processed.
	ImportErrorNone ImportErrorType = ""

	// ImportErrorCouldNotDetermineObjectType means the record's object type is unknown to the system.
	ImportErrorCouldNotDetermineObjectType ImportErrorType = "could_not_determine_object_type"

	// ImportErrorMissingExternalID means the external id attribute was absent or empty.
	ImportErrorMissingExternalID ImportErrorType = "missing_external_id"

	// ImportErrorAttributeValueParse means an attribute value could not be converted.
	ImportErrorAttributeValueParse ImportErrorType = "attribute_value_parse_failure"

	// ImportErrorConfiguration means the sync configuration prevented processing.
	ImportErrorConfiguration ImportErrorType = "configuration_error"

	// ImportErrorConnector means the connector itself reported an error for the row.
	ImportErrorConnector ImportErrorType = "connector_error"
)

// ImportError is a data error recorded on a single import record.
// It never stops the containing batch.
type ImportError struct {
	Type    ImportErrorType `json:"type"`
	Message string          `json:"message"`
}

// Error implements the error interface.
func (e *ImportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func newImportError(t ImportErrorType, format string, args ...interface{}) *ImportError {
	return &ImportError{Type: t, Message: fmt.Sprintf(format, args...)}
}
