package app

import (
	"errors"
	"net/http"

	"outliner/api/internal/apperr"
	"outliner/api/internal/content"
)

func mapError(err error) (status int, code, message string, details any) {
	if errors.Is(err, content.ErrBlobMissing) || errors.Is(err, content.ErrBlobSizeMismatch) {
		var domainErr *apperr.DomainError
		if errors.As(err, &domainErr) {
			return http.StatusInternalServerError, domainErr.Code, domainErr.Message, domainErr.Details
		}
		return http.StatusInternalServerError, "BLOB_MISSING", "File content is missing", nil
	}

	var domainErr *apperr.DomainError
	if errors.As(err, &domainErr) {
		return statusForKind(domainErr.Kind), domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
