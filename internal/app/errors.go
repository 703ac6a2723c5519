package app

import (
	"errors"
	"fmt"
	"net/http"

	"careguide/api/internal/email"
	"careguide/api/internal/export"
	"careguide/api/internal/review"
	"careguide/api/internal/session"
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

var (
	ErrSessionNotFound = domainError(http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
	ErrSectionNotFound = domainError(http.StatusNotFound, "SECTION_NOT_FOUND", "Section not found", nil)
	ErrFormUnavailable = domainError(http.StatusNotFound, "FORM_NOT_AVAILABLE", "Form not yet available", nil)
	ErrUnknownForm     = domainError(http.StatusUnprocessableEntity, "UNKNOWN_FORM", "Form is not referenced by the section", nil)
	ErrManualNotReady  = domainError(http.StatusConflict, "MANUAL_NOT_READY", "Every section must be accepted before the manual is available", nil)
	ErrEmailDisabled   = domainError(http.StatusServiceUnavailable, "EMAIL_UNAVAILABLE", "Email delivery is not configured", nil)
)

func invalidJurisdiction(region, classification string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_JURISDICTION", "Unsupported region or classification", map[string]string{
		"region":         region,
		"classification": classification,
	})
}

// translate maps package sentinel errors onto domain errors. Errors it does
// not recognize pass through unchanged.
func translate(err error) error {
	var domainErr *DomainError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, review.ErrAgencyNameRequired):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Agency name is required", nil)
	case errors.Is(err, review.ErrInvalidDelta):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "delta must be -1 or 1", nil)
	case errors.Is(err, review.ErrInvalidTransition):
		return domainError(http.StatusConflict, "INVALID_TRANSITION", "Action not allowed in the current phase", nil)
	case errors.Is(err, review.ErrUnknownSection):
		return ErrSectionNotFound
	case errors.Is(err, review.ErrEmptyCatalog):
		return domainError(http.StatusInternalServerError, "CATALOG_EMPTY", "Catalog has no sections", nil)
	case errors.Is(err, export.ErrUnsupportedFormat):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'html', 'pdf' or 'docx'", nil)
	case errors.Is(err, export.ErrContentUnavailable):
		return ErrFormUnavailable
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export runtime is not installed", nil)
	case errors.Is(err, email.ErrInvalidRecipient):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Recipient address is invalid", nil)
	case errors.Is(err, email.ErrNotConfigured):
		return ErrEmailDisabled
	default:
		return err
	}
}
