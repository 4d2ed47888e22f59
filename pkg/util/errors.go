// Package util provides utility functions and common error types.
package util

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestrator error taxonomy. The HTTP layer maps
// these to status codes; core packages wrap them with context.
var (
	ErrClientInput         = errors.New("invalid client input")
	ErrAuth                = errors.New("authentication failed")
	ErrPublicPhotoDisabled = errors.New("public photo endpoint disabled")
	ErrNotFound            = errors.New("resource not found")
	ErrUpstream            = errors.New("daily upstream failed")
	ErrInternal            = errors.New("internal error")
)

// InputError represents a rejected client input with field context
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error {
	return ErrClientInput
}

// NewInputError creates an input error for a named field
func NewInputError(field, reason string) *InputError {
	return &InputError{Field: field, Reason: reason}
}

// UpstreamError represents a failed daily upstream fetch
type UpstreamError struct {
	URL    string
	Status int
	Reason string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("daily upstream status=%d", e.Status)
	}
	return "daily upstream " + e.Reason
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstream
}

// NotFoundError represents a missing resource
type NotFoundError struct {
	Resource string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Resource, e.Name)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(resource, name string) *NotFoundError {
	return &NotFoundError{Resource: resource, Name: name}
}

// InternalError wraps a store or disk failure with operation context
type InternalError struct {
	Operation string
	Err       error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *InternalError) Unwrap() error {
	return ErrInternal
}

// Internalf wraps err as an InternalError for the given operation.
// Returns nil when err is nil.
func Internalf(operation string, err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Operation: operation, Err: err}
}
