package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/coordinator"
	"github.com/google/web-prototyping-tool-sub004/internal/history"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
)

// DomainError carries the HTTP status and code a handler should answer with.
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
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.Is(err, change.ErrUnknownKind),
		errors.Is(err, change.ErrDuplicateID),
		errors.Is(err, change.ErrEmptyID),
		errors.Is(err, change.ErrMissingProject):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusConflict, "SESSION_CLOSED", "Session closed", nil
	case errors.Is(err, history.ErrNoChanges):
		return http.StatusConflict, "NO_CHANGES", "No changes since the last version", nil
	case errors.Is(err, history.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
