package app

import (
	"errors"
	"fmt"
	"net/http"

	"loom/api/internal/history"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// toDomainError maps the engine's sentinel errors onto the HTTP error
// taxonomy. Anything unrecognized is a 500.
func toDomainError(err error) *DomainError {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain
	}
	switch {
	case errors.Is(err, history.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, history.ErrConflict):
		return domainError(http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, history.ErrLockTimeout):
		return domainError(http.StatusRequestTimeout, "LOCK_TIMEOUT", err.Error(), nil)
	case errors.Is(err, history.ErrLeaseConflict):
		return domainError(http.StatusLocked, "LEASE_CONFLICT", err.Error(), nil)
	case errors.Is(err, history.ErrOrderingCorrupt):
		return domainError(http.StatusInternalServerError, "ORDERING_CORRUPT", err.Error(), nil)
	default:
		return domainError(http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}
