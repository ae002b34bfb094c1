package app

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match a DomainError against them with errors.Is.
var (
	ErrValidation         = errors.New("validation error")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidState       = errors.New("invalid state")
	ErrDuplicateVote      = errors.New("duplicate vote")
	ErrNotEligible        = errors.New("not eligible")
	ErrWrongState         = errors.New("wrong state")
	ErrUnavailable        = errors.New("unavailable")
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Kind    error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Is(target error) bool {
	return e != nil && e.Kind != nil && target == e.Kind
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func kindError(kind error, status int, code, message string, details any) *DomainError {
	err := domainError(status, code, message, details)
	err.Kind = kind
	return err
}

func validationError(message string, details any) *DomainError {
	return kindError(ErrValidation, http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

func forbidden(message string) *DomainError {
	return kindError(ErrForbidden, http.StatusForbidden, "FORBIDDEN", message, nil)
}

func invalidTransition(from, operation string) *DomainError {
	return kindError(ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION",
		fmt.Sprintf("cannot %s an issue that is %s", operation, from),
		map[string]any{"status": from, "operation": operation})
}

func preconditionFailed(message string, details any) *DomainError {
	return kindError(ErrPreconditionFailed, http.StatusPreconditionFailed, "PRECONDITION_FAILED", message, details)
}

func invalidState(status string) *DomainError {
	return kindError(ErrInvalidState, http.StatusConflict, "INVALID_STATE",
		fmt.Sprintf("issue is %s", status), map[string]any{"status": status})
}

func duplicateVote() *DomainError {
	return kindError(ErrDuplicateVote, http.StatusConflict, "DUPLICATE_VOTE", "juror has already voted on this issue", nil)
}

func notEligible(message string) *DomainError {
	return kindError(ErrNotEligible, http.StatusForbidden, "NOT_ELIGIBLE", message, nil)
}

func wrongState(status string) *DomainError {
	return kindError(ErrWrongState, http.StatusConflict, "WRONG_STATE",
		fmt.Sprintf("votes are only accepted while escalated; issue is %s", status),
		map[string]any{"status": status})
}

func unavailable(message string) *DomainError {
	return kindError(ErrUnavailable, http.StatusServiceUnavailable, "UNAVAILABLE", message, nil)
}
