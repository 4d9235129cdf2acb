package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/callable"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
	"qms/access-service/internal/provision"
	"qms/access-service/internal/session"
)

// Sessions is the process session owner.
type Sessions interface {
	identity.CredentialSource
	SignIn(ctx context.Context, email, password string) (session.SignInResult, error)
	SignOut(ctx context.Context) error
	Current() (session.Current, bool)
	SendPasswordReset(ctx context.Context, email string) error
}

type Provisioner interface {
	Approve(ctx context.Context, actor identity.CredentialSource, in provision.ApproveInput) provision.Result
	Reject(ctx context.Context, actor identity.CredentialSource, requestID string) error
	ListRequests(ctx context.Context, actor identity.CredentialSource, status models.RequestStatus) ([]models.AuthRequest, error)
}

type Registrar interface {
	Register(ctx context.Context, in provision.RegistrationInput) (models.AuthRequest, error)
}

// ResetConfirmer is implemented by providers that complete password resets
// themselves.
type ResetConfirmer interface {
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
}

type Options struct {
	Sessions  Sessions
	Workflow  Provisioner
	Registrar Registrar
	// Functions and Verifier back the callable endpoints. Both nil disables
	// them. Verifier also authenticates admin callers; without it only the
	// process session's own token is accepted.
	Functions callable.Functions
	Verifier  identity.Verifier
	Resets    ResetConfirmer
	Timeout   time.Duration
	Logger    *slog.Logger
}

type Handler struct {
	sessions  Sessions
	workflow  Provisioner
	registrar Registrar
	functions callable.Functions
	verifier  identity.Verifier
	resets    ResetConfirmer
	timeout   time.Duration
	logger    *slog.Logger
}

type errorResponse struct {
	Error        responseError           `json:"error"`
	ExistingUser *models.ExistenceReport `json:"existing_user,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token       string              `json:"token,omitempty"`
	Subject     string              `json:"subject"`
	Email       string              `json:"email"`
	State       models.SessionState `json:"state"`
	LastRefresh time.Time           `json:"last_refresh"`
	ExpiresAt   time.Time           `json:"expires_at"`
	Redirect    string              `json:"redirect"`
	Profile     models.UserProfile  `json:"profile"`
}

type approveRequest struct {
	ForceContinue bool `json:"force_continue"`
}

type approveResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
}

func NewHandler(opts Options) *Handler {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{
		sessions:  opts.Sessions,
		workflow:  opts.Workflow,
		registrar: opts.Registrar,
		functions: opts.Functions,
		verifier:  opts.Verifier,
		resets:    opts.Resets,
		timeout:   timeout,
		logger:    logging.OrDiscard(opts.Logger),
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /api/session", h.handleSession)
	mux.HandleFunc("POST /api/session/login", h.handleLogin)
	mux.HandleFunc("POST /api/session/logout", h.handleLogout)
	mux.HandleFunc("POST /api/session/password-reset", h.handlePasswordReset)
	mux.HandleFunc("POST /api/session/password-reset/confirm", h.handlePasswordResetConfirm)
	mux.HandleFunc("POST /api/requests", h.handleRegister)
	mux.HandleFunc("GET /api/requests", h.handleListRequests)
	mux.HandleFunc("POST /api/requests/{id}/approve", h.handleApprove)
	mux.HandleFunc("POST /api/requests/{id}/reject", h.handleReject)
	mux.HandleFunc("POST /api/functions/{name}", h.handleFunction)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if _, err := h.sessions.SignIn(ctx, req.Email, req.Password); err != nil {
		h.writeAppError(w, err)
		return
	}
	cred, err := h.sessions.Token(ctx, false)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	h.writeSession(w, cred.IDToken)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.sessions.Current(); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not signed in")
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if !h.sessionOwner(ctx, w, r) {
		return
	}
	h.writeSession(w, "")
}

func (h *Handler) writeSession(w http.ResponseWriter, token string) {
	current, ok := h.sessions.Current()
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "session ended")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:       token,
		Subject:     current.Session.Subject,
		Email:       current.Session.Email,
		State:       current.Session.State,
		LastRefresh: current.Session.LastRefreshAt,
		ExpiresAt:   current.Session.ExpiresAt,
		Redirect:    session.RedirectFor(current.Profile.Role),
		Profile:     current.Profile,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if !h.sessionOwner(ctx, w, r) {
		return
	}
	if err := h.sessions.SignOut(ctx); err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect": session.RedirectLogin})
}

func (h *Handler) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &payload) {
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if err := h.sessions.SendPasswordReset(ctx, payload.Email); err != nil {
		h.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	if h.resets == nil {
		writeError(w, http.StatusNotImplemented, "not_supported", "password reset is completed by the identity provider")
		return
	}
	var payload struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if !decode(w, r, &payload) {
		return
	}
	if strings.TrimSpace(payload.Token) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	if err := h.resets.ConfirmPasswordReset(ctx, payload.Token, payload.Password); err != nil {
		h.writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in provision.RegistrationInput
	if !decode(w, r, &in) {
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	req, err := h.registrar.Register(ctx, in)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	status := models.RequestStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case "", models.StatusPending, models.StatusApproved, models.StatusRejected:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be pending, approved or rejected")
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	actor, _, err := h.caller(ctx, r)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	requests, err := h.workflow.ListRequests(ctx, actor, status)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if requests == nil {
		requests = []models.AuthRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	actor, _, err := h.caller(ctx, r)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	result := h.workflow.Approve(ctx, actor, provision.ApproveInput{
		RequestID:     r.PathValue("id"),
		ForceContinue: req.ForceContinue,
	})
	if result.ExistingUser != nil {
		status, code := errorStatus(result.Err)
		writeJSON(w, status, errorResponse{
			Error:        responseError{Code: code, Message: result.Message},
			ExistingUser: result.ExistingUser,
		})
		return
	}
	if !result.Success {
		h.writeAppError(w, result.Err)
		return
	}
	writeJSON(w, http.StatusOK, approveResponse{Success: true, UserID: result.UserID})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()
	actor, _, err := h.caller(ctx, r)
	if err != nil {
		h.writeAppError(w, err)
		return
	}
	if err := h.workflow.Reject(ctx, actor, r.PathValue("id")); err != nil {
		h.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleFunction serves the callable envelope for in-process functions.
func (h *Handler) handleFunction(w http.ResponseWriter, r *http.Request) {
	if h.functions == nil || h.verifier == nil {
		writeError(w, http.StatusNotFound, "not_found", "functions are not served here")
		return
	}
	var req callable.Request
	if !decode(w, r, &req) {
		return
	}
	token := strings.TrimSpace(bearerToken(r.Header.Get("Authorization")))
	if token == "" {
		writeFunctionError(w, identity.ErrNoCurrentUser)
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()
	cred, err := h.verifier.Verify(ctx, token)
	if err != nil {
		writeFunctionError(w, err)
		return
	}
	noteSubject(ctx, cred.UID)

	switch r.PathValue("name") {
	case callable.FunctionVerifyAdmin:
		result, err := h.functions.VerifyAdmin(ctx, cred)
		if err != nil {
			writeFunctionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, callable.Response{Result: result})
	case callable.FunctionSetClaims:
		var in callable.SetClaimsRequest
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &in); err != nil {
				writeFunctionError(w, apperr.New(apperr.KindInvalid, "invalid setClaims payload"))
				return
			}
		}
		if err := h.functions.SetClaims(ctx, cred, in.UID, in.Claims); err != nil {
			writeFunctionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, callable.Response{Result: callable.SetClaimsResult{Success: true}})
	default:
		writeFunctionError(w, apperr.New(apperr.KindNotFound, "unknown function"))
	}
}

// caller authenticates the bearer token on r and returns the credential
// source admin operations run as. With a verifier any valid token is
// accepted and the caller acts as itself. Without one the token must be
// the process session's current token.
func (h *Handler) caller(ctx context.Context, r *http.Request) (identity.CredentialSource, identity.Credential, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, identity.Credential{}, identity.ErrNoCurrentUser
	}
	if h.verifier != nil {
		cred, err := h.verifier.Verify(ctx, token)
		if err != nil {
			return nil, identity.Credential{}, err
		}
		noteSubject(ctx, cred.UID)
		return bearerActor{cred: cred}, cred, nil
	}
	cred, err := h.sessions.Token(ctx, false)
	if err != nil {
		return nil, identity.Credential{}, err
	}
	if cred.IDToken == "" || subtle.ConstantTimeCompare([]byte(cred.IDToken), []byte(token)) != 1 {
		return nil, identity.Credential{}, identity.ErrSessionInvalid
	}
	noteSubject(ctx, cred.UID)
	return h.sessions, cred, nil
}

// sessionOwner reports whether r carries a token for the signed-in
// subject, writing the error response when it does not.
func (h *Handler) sessionOwner(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	_, cred, err := h.caller(ctx, r)
	if err != nil {
		h.writeAppError(w, err)
		return false
	}
	current, ok := h.sessions.Current()
	if !ok || current.Session.Subject != cred.UID {
		h.writeAppError(w, identity.ErrSessionInvalid)
		return false
	}
	return true
}

// bearerActor is a verified request credential. It cannot mint a new
// token, so a forced refresh returns the same credential and claim changes
// surface on the caller's next token.
type bearerActor struct {
	cred identity.Credential
}

func (a bearerActor) Token(ctx context.Context, forceRefresh bool) (identity.Credential, error) {
	return a.cred, nil
}

func (h *Handler) withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *Handler) writeAppError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, code, apperr.Message(err))
}

// errorStatus maps an error to its HTTP status and response code. Coded
// errors keep their code.
func errorStatus(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	kind := apperr.KindOf(err)
	code := string(kind)
	var appErr *apperr.Error
	if errors.As(err, &appErr) && appErr.Code != "" {
		code = appErr.Code
	}
	switch kind {
	case apperr.KindInvalid:
		return http.StatusBadRequest, code
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized, code
	case apperr.KindPermissionDenied:
		return http.StatusForbidden, code
	case apperr.KindNotFound:
		return http.StatusNotFound, code
	case apperr.KindConflict, apperr.KindAlreadyProcessed:
		return http.StatusConflict, code
	case apperr.KindNetworkUnavailable, apperr.KindTransient:
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeFunctionError(w http.ResponseWriter, err error) {
	status, httpStatus := callable.StatusFor(err)
	writeJSON(w, httpStatus, callable.Response{Error: &callable.ErrorBody{Status: status, Message: apperr.Message(err)}})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
