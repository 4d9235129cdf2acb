package store

import "qms/access-service/internal/apperr"

var (
	ErrNotFound           = apperr.Coded(apperr.KindNotFound, "document-not-found", "document not found")
	ErrAlreadyExists      = apperr.Coded(apperr.KindConflict, "document-exists", "document already exists")
	ErrPreconditionFailed = apperr.Coded(apperr.KindAlreadyProcessed, "precondition-failed", "document changed since it was read")
	ErrInvalidDocument    = apperr.Coded(apperr.KindInvalid, "invalid-document", "document failed validation")
)
