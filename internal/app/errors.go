package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeNotFound                 = "NOT_FOUND"
	CodeInvalidState             = "INVALID_STATE"
	CodeAlreadyResponded         = "ALREADY_RESPONDED"
	CodeAlreadyConverted         = "ALREADY_CONVERTED"
	CodeIsSourceStub             = "IS_SOURCE_STUB"
	CodeDraftingUnavailable      = "DRAFTING_UNAVAILABLE"
	CodeDuplicateSubmission      = "DUPLICATE_SUBMISSION"
	CodeNotReversible            = "NOT_REVERSIBLE"
	CodeSelfEndorsementForbidden = "SELF_ENDORSEMENT_FORBIDDEN"
	CodeValidation               = "VALIDATION_ERROR"
	CodeForbidden                = "FORBIDDEN"
	CodeStorageFailure           = "STORAGE_FAILURE"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	// Err is the underlying cause, if any. It is never shown to callers.
	Err error
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
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode returns the domain code carried by err, or "" for foreign errors.
func ErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

func notFound(entity string, id any) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, fmt.Sprintf("%s %v not found", entity, id), map[string]any{"id": id})
}

func invalidState(message string, details any) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidState, message, details)
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

func draftingUnavailable(err error) *DomainError {
	e := domainError(http.StatusServiceUnavailable, CodeDraftingUnavailable,
		"drafting service is unavailable; supply a draft to continue", nil)
	e.Err = err
	return e
}

func storageFailure(err error) *DomainError {
	e := domainError(http.StatusInternalServerError, CodeStorageFailure, "storage failure", nil)
	e.Err = err
	return e
}

// classify passes domain errors through and turns everything else coming out
// of the store into NotFound or StorageFailure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		e := domainError(http.StatusNotFound, CodeNotFound, "Not found", nil)
		e.Err = err
		return e
	}
	return storageFailure(err)
}
