// Package apperr defines the error taxonomy shared by the engine and its
// HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
)

type DomainError struct {
	Kind    Kind
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func Validation(code, message string, details any) *DomainError {
	return &DomainError{Kind: KindValidation, Code: code, Message: message, Details: details}
}

func NotFound(code, message string) *DomainError {
	return &DomainError{Kind: KindNotFound, Code: code, Message: message}
}

func Conflict(code, message string, err error) *DomainError {
	return &DomainError{Kind: KindConflict, Code: code, Message: message, Err: err}
}

func Unavailable(code, message string, err error) *DomainError {
	return &DomainError{Kind: KindUnavailable, Code: code, Message: message, Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *DomainError) WithDetails(details any) *DomainError {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf reports the kind of the first DomainError in err's chain, or the
// empty kind when there is none.
func KindOf(err error) Kind {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
