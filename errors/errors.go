// Package errors provides error handling for buntime.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Add hints for operators
//	return errors.WithHint(err, "try increasing the worker timeout")
//
//	// Check errors
//	if errors.Is(err, errors.ErrTimeout) {
//	    // handle timeout
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails

	GetReportableStackTrace = crdb.GetReportableStackTrace
)

// GetStack is an alias for GetReportableStackTrace for convenience.
var GetStack = crdb.GetReportableStackTrace

// Assertions and panics
var (
	AssertionFailedf                 = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)

// Common sentinel errors for use across buntime.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrWorkerCollision indicates the same app key resolved from two
	// different application directories
	ErrWorkerCollision = New("worker key collision")

	// ErrWorkerNotReady indicates the worker failed or timed out before
	// sending READY
	ErrWorkerNotReady = New("worker not ready")

	// ErrWorkerTerminated indicates the worker instance was terminated
	// and can no longer serve requests
	ErrWorkerTerminated = New("worker terminated")

	// ErrCriticalWorker indicates the worker process reported a
	// process-level error; the instance is permanently unhealthy
	ErrCriticalWorker = New("worker critical error")

	// ErrPoolClosed indicates the worker pool has been shut down
	ErrPoolClosed = New("worker pool closed")

	// ErrPluginNotFound indicates no plugin with that name is registered
	ErrPluginNotFound = New("plugin not found")

	// ErrDuplicatePlugin indicates a plugin name is already registered
	ErrDuplicatePlugin = New("duplicate plugin")

	// ErrInvalidBasePath indicates a plugin base path failed validation
	// or collides with a reserved path
	ErrInvalidBasePath = New("invalid base path")

	// ErrMissingDependency indicates a required plugin dependency is
	// absent or disabled
	ErrMissingDependency = New("missing plugin dependency")

	// ErrDependencyCycle indicates the plugin dependency graph has a cycle
	ErrDependencyCycle = New("plugin dependency cycle")

	// ErrNoSession indicates a request required an active session baton
	ErrNoSession = New("no active session")

	// ErrInvalidBaton indicates the baton does not reference a live session
	ErrInvalidBaton = New("invalid baton")

	// ErrAdapterNotFound indicates no database adapter is registered for
	// the requested type
	ErrAdapterNotFound = New("database adapter not found")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsTimeoutError checks if an error is or wraps ErrTimeout.
func IsTimeoutError(err error) bool {
	return err != nil && Is(err, ErrTimeout)
}

// IsWorkerCollisionError checks if an error is or wraps ErrWorkerCollision.
func IsWorkerCollisionError(err error) bool {
	return err != nil && Is(err, ErrWorkerCollision)
}

// IsCriticalWorkerError checks if an error is or wraps ErrCriticalWorker.
func IsCriticalWorkerError(err error) bool {
	return err != nil && Is(err, ErrCriticalWorker)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// NewTimeoutError creates a timeout error with a formatted message
func NewTimeoutError(format string, args ...interface{}) error {
	return Wrap(ErrTimeout, Newf(format, args...).Error())
}

// NewWorkerCollision creates a worker-collision error naming the key and
// both directories that resolved to it.
func NewWorkerCollision(key, existingDir, requestedDir string) error {
	err := Wrapf(ErrWorkerCollision, "key %s already registered for %s, requested from %s",
		key, existingDir, requestedDir)
	return WithHint(err, "two application directories resolve to the same name@version; rename one or set an explicit version in its manifest")
}
