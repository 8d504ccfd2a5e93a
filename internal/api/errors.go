package api

import (
	"errors"
	"fmt"
)

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	ResourceType string // e.g. "instance", "provider", "migration plan"
	ResourceName string
	Message      string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s not found", e.ResourceType, e.ResourceName)
}

// IsNotFound checks if an error is a NotFoundError.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceName string) *NotFoundError {
	return &NotFoundError{
		ResourceType: resourceType,
		ResourceName: resourceName,
	}
}

// Specific NotFoundError constructors for each resource type.
var (
	NewInstanceNotFoundError = func(id string) *NotFoundError {
		return NewNotFoundError("instance", id)
	}

	NewProviderNotFoundError = func(providerType ProviderType) *NotFoundError {
		return NewNotFoundError("provider", string(providerType))
	}

	NewPlanNotFoundError = func(id string) *NotFoundError {
		return NewNotFoundError("migration plan", id)
	}
)

// ValidationError represents a rejected configuration or argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// IsValidation checks if an error is a ValidationError.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, messageFmt string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf(messageFmt, args...),
	}
}

// ProviderInitError means a driver failed to initialize. The controller logs
// it and excludes the driver; it is never fatal to the controller itself.
type ProviderInitError struct {
	ProviderType ProviderType
	Err          error
}

func (e *ProviderInitError) Error() string {
	return fmt.Sprintf("provider %s failed to initialize: %v", e.ProviderType, e.Err)
}

func (e *ProviderInitError) Unwrap() error { return e.Err }

// IsProviderInit checks if an error is a ProviderInitError.
func IsProviderInit(err error) bool {
	var initErr *ProviderInitError
	return errors.As(err, &initErr)
}

// ProviderErrorKind is the uniform classification drivers must translate
// their native errors into.
type ProviderErrorKind string

const (
	ProviderErrKindNotFound      ProviderErrorKind = "not_found"
	ProviderErrKindUnavailable   ProviderErrorKind = "unavailable"
	ProviderErrKindConflict      ProviderErrorKind = "conflict"
	ProviderErrKindInvalidInput  ProviderErrorKind = "invalid_input"
	ProviderErrKindResourceLimit ProviderErrorKind = "resource_limit"
	ProviderErrKindInternal      ProviderErrorKind = "internal"
)

// ProviderError represents a failed driver operation, tagged with a kind so
// the control plane can react without knowing the driver.
type ProviderError struct {
	ProviderType ProviderType
	Operation    string
	Kind         ProviderErrorKind
	Err          error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s failed (%s): %v", e.ProviderType, e.Operation, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError checks if an error is a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// NewProviderError creates a new ProviderError.
func NewProviderError(providerType ProviderType, operation string, kind ProviderErrorKind, err error) *ProviderError {
	return &ProviderError{
		ProviderType: providerType,
		Operation:    operation,
		Kind:         kind,
		Err:          err,
	}
}

// ResourceLimitError means provider capacity or quota was exceeded.
type ResourceLimitError struct {
	ProviderType ProviderType
	Resource     string
	Message      string
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("provider %s: %s limit exceeded: %s", e.ProviderType, e.Resource, e.Message)
}

// IsResourceLimit checks if an error is a ResourceLimitError.
func IsResourceLimit(err error) bool {
	var limitErr *ResourceLimitError
	return errors.As(err, &limitErr)
}

// MigrationError represents a step-level migration failure. The migration
// manager records step failures as text on the plan and in the
// MigrationResult; it does not construct this type.
type MigrationError struct {
	PlanID string
	Step   string
	Err    error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s: step %s failed: %v", e.PlanID, e.Step, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// TimeoutError means a probe or a plan exceeded its budget.
type TimeoutError struct {
	Operation string
	Message   string
}

func (e *TimeoutError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s timed out", e.Operation)
}

// IsTimeout checks if an error is a TimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}

// ErrNotInitialized is returned by every public controller method invoked
// before Initialize has completed successfully.
var ErrNotInitialized = errors.New("Swarm controller not initialized")
