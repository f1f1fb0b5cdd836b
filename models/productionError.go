package models

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorKind string

const (
	ErrKindInsufficientInventory ErrorKind = "INSUFFICIENT_INVENTORY"
	ErrKindCircularDependency    ErrorKind = "CIRCULAR_RECIPE_DEPENDENCY"
	ErrKindUnbalancedPosting     ErrorKind = "UNBALANCED_POSTING"
	ErrKindVarianceNeedsReason   ErrorKind = "VARIANCE_REQUIRES_JUSTIFICATION"
	ErrKindValidation            ErrorKind = "VALIDATION"
	ErrKindNotFound              ErrorKind = "NOT_FOUND"
	ErrKindInvalidState          ErrorKind = "INVALID_STATE"
	ErrKindConcurrentUpdate      ErrorKind = "CONCURRENT_UPDATE"
	ErrKindPrivilegeRequired     ErrorKind = "PRIVILEGE_REQUIRED"
	ErrKindInternal              ErrorKind = "INTERNAL"
)

// ProductionError is the typed error every engine operation fails with.
type ProductionError struct {
	Kind    ErrorKind      `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *ProductionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ProductionError) Unwrap() error {
	return e.Err
}

func (e *ProductionError) WithDetail(key string, value any) *ProductionError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus maps the kind to the response code used by the handlers.
func (e *ProductionError) HTTPStatus() int {
	switch e.Kind {
	case ErrKindValidation:
		return http.StatusBadRequest
	case ErrKindNotFound:
		return http.StatusNotFound
	case ErrKindInsufficientInventory, ErrKindVarianceNeedsReason, ErrKindInvalidState, ErrKindCircularDependency:
		return http.StatusUnprocessableEntity
	case ErrKindConcurrentUpdate:
		return http.StatusConflict
	case ErrKindPrivilegeRequired:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func NewProductionError(kind ErrorKind, message string) *ProductionError {
	return &ProductionError{Kind: kind, Message: message}
}

func WrapProductionError(kind ErrorKind, message string, err error) *ProductionError {
	return &ProductionError{Kind: kind, Message: message, Err: err}
}

func AsProductionError(err error) (*ProductionError, bool) {
	var pe *ProductionError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

func IsKind(err error, kind ErrorKind) bool {
	pe, ok := AsProductionError(err)
	return ok && pe.Kind == kind
}

func ErrValidation(format string, args ...any) *ProductionError {
	return NewProductionError(ErrKindValidation, fmt.Sprintf(format, args...))
}

func ErrNotFound(entity string, id any) *ProductionError {
	return NewProductionError(ErrKindNotFound, fmt.Sprintf("%s not found", entity)).
		WithDetail("entity", entity).
		WithDetail("id", id)
}

func ErrInvalidState(format string, args ...any) *ProductionError {
	return NewProductionError(ErrKindInvalidState, fmt.Sprintf(format, args...))
}

func ErrConcurrentUpdate(entity string, id int) *ProductionError {
	return NewProductionError(ErrKindConcurrentUpdate, fmt.Sprintf("%s %d was modified concurrently", entity, id)).
		WithDetail("entity", entity).
		WithDetail("id", id)
}

func ErrInternal(message string, err error) *ProductionError {
	return WrapProductionError(ErrKindInternal, message, err)
}
