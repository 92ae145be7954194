package queryx

import (
	"errors"
	"fmt"
)

// Common errors returned by the pool and optimizer layers
var (
	ErrPoolExhausted = errors.New("queryx: connection pool exhausted, acquire timed out")
	ErrPoolClosed    = errors.New("queryx: connection pool is closed")
	ErrQueryTimeout  = errors.New("queryx: query exceeded execution deadline")
	ErrQueryFailed   = errors.New("queryx: query failed")
	ErrInvalidID     = errors.New("queryx: invalid entity id")
	ErrNotFound      = errors.New("queryx: record not found")
	ErrInvalidConfig = errors.New("queryx: invalid configuration")
	ErrStoreClosed   = errors.New("queryx: cache store is closed")
	ErrSerialization = errors.New("queryx: serialization error")
)

// QueryxError carries the operation and key that produced an error along with
// a stable code for categorization.
type QueryxError struct {
	Op      string
	Key     string
	Message string
	Err     error
	Code    string
}

// Error implements the error interface
func (e *QueryxError) Error() string {
	if e == nil {
		return "queryx: nil error"
	}

	baseMsg := fmt.Sprintf("queryx %s error for key %s: %s", e.Op, e.Key, e.Message)

	if e.Err != nil {
		// Use Error() directly to avoid recursion through %v with wrapped QueryxError values
		return fmt.Sprintf("%s: %s", baseMsg, e.Err.Error())
	}
	return baseMsg
}

// Unwrap returns the underlying error
func (e *QueryxError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewQueryxError creates a new error with validation of required fields
func NewQueryxError(op, key, message string, err error) *QueryxError {
	if op == "" {
		op = "unknown"
	}
	if key == "" {
		key = "unknown"
	}
	if message == "" {
		message = "unknown error"
	}

	return &QueryxError{
		Op:      op,
		Key:     key,
		Message: message,
		Err:     err,
		Code:    "QUERYX_ERROR",
	}
}

// isErrorType checks if an error matches a specific sentinel via errors.Is
func isErrorType(err error, target error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, target)
}

// IsPoolExhausted checks if the error is a pool-exhaustion timeout
func IsPoolExhausted(err error) bool {
	return isErrorType(err, ErrPoolExhausted)
}

// IsPoolClosed checks if the error is a pool closed error
func IsPoolClosed(err error) bool {
	return isErrorType(err, ErrPoolClosed)
}

// IsQueryTimeout checks if the error is an execution-deadline timeout
func IsQueryTimeout(err error) bool {
	return isErrorType(err, ErrQueryTimeout)
}

// IsQueryFailed checks if the error is a store-reported query failure
func IsQueryFailed(err error) bool {
	return isErrorType(err, ErrQueryFailed)
}

// IsInvalidID checks if the error is an invalid entity id error
func IsInvalidID(err error) bool {
	return isErrorType(err, ErrInvalidID)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isErrorType(err, ErrNotFound)
}

// IsInvalidConfig checks if the error is an invalid configuration error
func IsInvalidConfig(err error) bool {
	return isErrorType(err, ErrInvalidConfig)
}

// IsStoreClosed checks if the error is a store closed error
func IsStoreClosed(err error) bool {
	return isErrorType(err, ErrStoreClosed)
}

// IsSerialization checks if the error is a serialization error
func IsSerialization(err error) bool {
	return isErrorType(err, ErrSerialization)
}
