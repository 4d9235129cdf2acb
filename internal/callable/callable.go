// Package callable is the authenticated function channel used for admin
// verification and claim changes. Client calls a remote endpoint; Service
// is the implementation the HTTP server exposes.
package callable

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/models"
)

const (
	FunctionVerifyAdmin = "verifyAdmin"
	FunctionSetClaims   = "setClaims"
)

type VerifyAdminResult struct {
	IsAdmin bool        `json:"isAdmin"`
	Role    models.Role `json:"role,omitempty"`
}

type SetClaimsRequest struct {
	UID    string         `json:"uid"`
	Claims map[string]any `json:"claims"`
}

type SetClaimsResult struct {
	Success bool `json:"success"`
}

// Functions is called with the caller's current credential attached.
type Functions interface {
	VerifyAdmin(ctx context.Context, cred identity.Credential) (VerifyAdminResult, error)
	SetClaims(ctx context.Context, cred identity.Credential, uid string, claims map[string]any) error
}

// Status codes carried in error envelopes.
const (
	StatusInvalidArgument    = "INVALID_ARGUMENT"
	StatusUnauthenticated    = "UNAUTHENTICATED"
	StatusPermissionDenied   = "PERMISSION_DENIED"
	StatusNotFound           = "NOT_FOUND"
	StatusAlreadyExists      = "ALREADY_EXISTS"
	StatusFailedPrecondition = "FAILED_PRECONDITION"
	StatusUnavailable        = "UNAVAILABLE"
	StatusDeadlineExceeded   = "DEADLINE_EXCEEDED"
	StatusResourceExhausted  = "RESOURCE_EXHAUSTED"
	StatusInternal           = "INTERNAL"
)

// Request is the envelope a function receives.
type Request struct {
	Data json.RawMessage `json:"data"`
}

// Response is the envelope a function answers with. Exactly one of Result
// and Error is set.
type Response struct {
	Result any        `json:"result,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusFor maps an error to its envelope status and HTTP status code.
func StatusFor(err error) (string, int) {
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusDeadlineExceeded, http.StatusGatewayTimeout
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalid:
		return StatusInvalidArgument, http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return StatusUnauthenticated, http.StatusUnauthorized
	case apperr.KindPermissionDenied:
		return StatusPermissionDenied, http.StatusForbidden
	case apperr.KindNotFound:
		return StatusNotFound, http.StatusNotFound
	case apperr.KindConflict:
		return StatusAlreadyExists, http.StatusConflict
	case apperr.KindAlreadyProcessed:
		return StatusFailedPrecondition, http.StatusBadRequest
	case apperr.KindNetworkUnavailable, apperr.KindTransient:
		return StatusUnavailable, http.StatusServiceUnavailable
	default:
		return StatusInternal, http.StatusInternalServerError
	}
}

// errorFor is the inverse of StatusFor on the client side.
func errorFor(httpStatus int, body *ErrorBody) error {
	status, message := "", ""
	if body != nil {
		status, message = body.Status, body.Message
	}
	if message == "" {
		message = http.StatusText(httpStatus)
	}
	switch status {
	case StatusInvalidArgument:
		return apperr.New(apperr.KindInvalid, message)
	case StatusUnauthenticated:
		return apperr.New(apperr.KindUnauthenticated, message)
	case StatusPermissionDenied:
		return apperr.New(apperr.KindPermissionDenied, message)
	case StatusNotFound:
		return apperr.New(apperr.KindNotFound, message)
	case StatusAlreadyExists:
		return apperr.New(apperr.KindConflict, message)
	case StatusFailedPrecondition:
		return apperr.New(apperr.KindAlreadyProcessed, message)
	case StatusUnavailable, StatusDeadlineExceeded, StatusResourceExhausted, StatusInternal:
		return apperr.New(apperr.KindTransient, message)
	}
	switch {
	case httpStatus == http.StatusUnauthorized:
		return apperr.New(apperr.KindUnauthenticated, message)
	case httpStatus == http.StatusForbidden:
		return apperr.New(apperr.KindPermissionDenied, message)
	case httpStatus == http.StatusTooManyRequests || httpStatus >= 500:
		return apperr.New(apperr.KindTransient, message)
	default:
		return apperr.New(apperr.KindInvalid, message)
	}
}
