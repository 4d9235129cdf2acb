package provision

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/access-service/internal/admin"
	"qms/access-service/internal/apperr"
	"qms/access-service/internal/callable"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
	"qms/access-service/internal/retry"
	"qms/access-service/internal/store"
)

var (
	ErrNotAuthorized      = apperr.Coded(apperr.KindPermissionDenied, "not-authorized", "not authorized")
	ErrRequestNotFound    = apperr.Coded(apperr.KindNotFound, "request-not-found", "request not found")
	ErrAlreadyProcessed   = apperr.Coded(apperr.KindAlreadyProcessed, "already-processed", "request has already been processed")
	ErrFullyProvisioned   = apperr.Coded(apperr.KindConflict, "fully-provisioned", "account already fully provisioned")
	ErrNeedsConfirmation  = apperr.Coded(apperr.KindConflict, "needs-confirmation", "an identity account already exists for this email; confirm to reuse it")
	ErrUnresolvableUID    = apperr.Coded(apperr.KindConflict, "uid-unresolved", "email is registered but its account id could not be found")
	ErrPasswordConsumed   = apperr.Coded(apperr.KindInvalid, "password-missing", "request has no password to provision with")
	ErrInvalidRequestRole = apperr.Coded(apperr.KindInvalid, "invalid-role", "request has an unknown role")
)

type ApproveInput struct {
	RequestID string
	// ForceContinue skips the existence checks after an administrator chose
	// to reuse an existing identity account.
	ForceContinue bool
}

// Result is the outcome of an approval. ExistingUser is set only when the
// caller must confirm reuse of an existing identity account.
type Result struct {
	Success      bool
	UserID       string
	Err          error
	Message      string
	ExistingUser *models.ExistenceReport
}

func failed(err error) Result {
	return Result{Err: err, Message: apperr.Message(err)}
}

type Config struct {
	Provider  identity.Provider
	Lookup    identity.AccountLookup
	Functions callable.Functions
	Resolver  *admin.Resolver
	Checker   *Checker
	Requests  *store.Requests
	Docs      store.DocumentStore
	Runner    *retry.Runner
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Workflow struct {
	provider  identity.Provider
	lookup    identity.AccountLookup
	functions callable.Functions
	resolver  *admin.Resolver
	checker   *Checker
	requests  *store.Requests
	docs      store.DocumentStore
	runner    *retry.Runner
	clock     clock.Clock
	logger    *slog.Logger
}

func NewWorkflow(cfg Config) *Workflow {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = retry.NewRunner(clk, nil, cfg.Logger)
	}
	return &Workflow{
		provider:  cfg.Provider,
		lookup:    cfg.Lookup,
		functions: cfg.Functions,
		resolver:  cfg.Resolver,
		checker:   cfg.Checker,
		requests:  cfg.Requests,
		docs:      cfg.Docs,
		runner:    runner,
		clock:     clk,
		logger:    logging.OrDiscard(cfg.Logger),
	}
}

// Approve provisions the account a pending request asks for. Every write
// happens in one batch, so a failure at any step leaves the request
// pending and no profile behind.
func (w *Workflow) Approve(ctx context.Context, actor identity.CredentialSource, in ApproveInput) Result {
	ctx, span := tracer.Start(ctx, "provision.approve", trace.WithAttributes(
		attribute.String("request.id", in.RequestID),
		attribute.Bool("provision.force_continue", in.ForceContinue),
	))
	defer span.End()

	result := w.approve(ctx, actor, in)
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Message)
		logging.Outcome(ctx, w.logger, "approve_request", "failed", "request", in.RequestID, "error", result.Err)
	} else if result.Success {
		span.SetAttributes(attribute.String("user.id", result.UserID))
		logging.Outcome(ctx, w.logger, "approve_request", "succeeded", "request", in.RequestID, "user", result.UserID)
	}
	return result
}

func (w *Workflow) approve(ctx context.Context, actor identity.CredentialSource, in ApproveInput) Result {
	reviewer, err := w.authorize(ctx, actor)
	if err != nil {
		return failed(err)
	}

	req, err := w.loadPending(ctx, in.RequestID)
	if err != nil {
		return failed(err)
	}
	email := models.NormalizeEmail(req.Email)
	if email == "" {
		return failed(apperr.New(apperr.KindInvalid, "request has no email"))
	}
	if !req.RequestedRole.Valid() {
		return failed(ErrInvalidRequestRole)
	}
	if req.Password == "" {
		return failed(ErrPasswordConsumed)
	}

	var report models.ExistenceReport
	if !in.ForceContinue {
		if report, err = w.checker.Check(ctx, email); err != nil {
			return failed(err)
		}
		if result, stop := existenceVerdict(report); stop {
			return result
		}

		// Checked again right before mutating to close the window against a
		// concurrent approval for the same email.
		if _, err := w.loadPending(ctx, in.RequestID); err != nil {
			return failed(err)
		}
		if report, err = w.checker.Check(ctx, email); err != nil {
			return failed(err)
		}
		if result, stop := existenceVerdict(report); stop {
			return result
		}
	}

	// Access may have been revoked while the checks ran.
	if _, err := w.authorize(ctx, actor); err != nil {
		return failed(err)
	}
	uid, err := w.createOrReuse(ctx, email, req.Password, report)
	if err != nil {
		return failed(err)
	}

	batch, err := w.approvalBatch(req, email, uid, reviewer)
	if err != nil {
		return failed(err)
	}
	if err := w.commit(ctx, actor, batch, "commit_approval"); err != nil {
		return failed(err)
	}

	if req.RequestedRole == models.RoleAdmin {
		w.grantAdminClaim(ctx, actor, uid)
	}
	return Result{Success: true, UserID: uid}
}

// existenceVerdict applies the conflict policy to a report.
func existenceVerdict(report models.ExistenceReport) (Result, bool) {
	switch {
	case report.FullyProvisioned():
		return failed(ErrFullyProvisioned), true
	case report.Orphaned():
		existing := report
		return Result{Err: ErrNeedsConfirmation, Message: apperr.Message(ErrNeedsConfirmation), ExistingUser: &existing}, true
	}
	return Result{}, false
}

// Reject marks a pending request rejected.
func (w *Workflow) Reject(ctx context.Context, actor identity.CredentialSource, requestID string) error {
	ctx, span := tracer.Start(ctx, "provision.reject", trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	err := w.reject(ctx, actor, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Message(err))
		logging.Outcome(ctx, w.logger, "reject_request", "failed", "request", requestID, "error", err)
		return err
	}
	logging.Outcome(ctx, w.logger, "reject_request", "succeeded", "request", requestID)
	return nil
}

func (w *Workflow) reject(ctx context.Context, actor identity.CredentialSource, requestID string) error {
	reviewer, err := w.authorize(ctx, actor)
	if err != nil {
		return err
	}
	if _, err := w.loadPending(ctx, requestID); err != nil {
		return err
	}
	batch := store.NewBatch().Update(store.CollectionAuthRequests, requestID, w.decision(models.StatusRejected, reviewer), pendingOnly())
	return w.commit(ctx, actor, batch, "commit_rejection")
}

// ListRequests returns requests for the approval queue, newest first and
// without passwords.
func (w *Workflow) ListRequests(ctx context.Context, actor identity.CredentialSource, status models.RequestStatus) ([]models.AuthRequest, error) {
	if _, err := w.authorize(ctx, actor); err != nil {
		return nil, err
	}
	return retry.Value(ctx, w.runner, retry.Standard("list_requests"), func(ctx context.Context) ([]models.AuthRequest, error) {
		return w.requests.List(ctx, status)
	})
}

// authorize re-verifies admin access and returns the reviewer's uid.
func (w *Workflow) authorize(ctx context.Context, actor identity.CredentialSource) (string, error) {
	if actor == nil || w.resolver == nil || !w.resolver.IsAdmin(ctx, actor) {
		return "", ErrNotAuthorized
	}
	cred, err := actor.Token(ctx, false)
	if err != nil {
		return "", err
	}
	return cred.UID, nil
}

func (w *Workflow) loadPending(ctx context.Context, id string) (models.AuthRequest, error) {
	if id == "" {
		return models.AuthRequest{}, apperr.New(apperr.KindInvalid, "request id is required")
	}
	req, err := retry.Value(ctx, w.runner, retry.Standard("load_request"), func(ctx context.Context) (models.AuthRequest, error) {
		return w.requests.Get(ctx, id)
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.AuthRequest{}, ErrRequestNotFound
	}
	if err != nil {
		return models.AuthRequest{}, err
	}
	if !models.ValidTransition(req.Status, models.StatusApproved) {
		return models.AuthRequest{}, ErrAlreadyProcessed
	}
	return req, nil
}

// createOrReuse creates the identity account, or finds the uid of the one
// already registered for email.
func (w *Workflow) createOrReuse(ctx context.Context, email, password string, report models.ExistenceReport) (string, error) {
	account, err := retry.Value(ctx, w.runner, retry.Standard("create_account"), func(ctx context.Context) (identity.Account, error) {
		return w.provider.CreateAccount(ctx, email, password)
	})
	if err == nil {
		return account.UID, nil
	}
	if !errors.Is(err, identity.ErrEmailInUse) {
		return "", err
	}

	uid := report.IdentityProviderUID
	if uid == "" && w.checker != nil {
		fresh, checkErr := w.checker.Check(ctx, email)
		if checkErr != nil {
			return "", checkErr
		}
		uid = fresh.IdentityProviderUID
	}
	if uid == "" && w.lookup != nil {
		existing, lookupErr := retry.Value(ctx, w.runner, retry.Standard("lookup_account"), func(ctx context.Context) (identity.Account, error) {
			return w.lookup.LookupAccount(ctx, email)
		})
		if lookupErr != nil && apperr.KindOf(lookupErr) != apperr.KindNotFound {
			return "", lookupErr
		}
		uid = existing.UID
	}
	if uid == "" {
		return "", ErrUnresolvableUID
	}
	logging.Outcome(ctx, w.logger, "create_account", "reused", "email", email, "uid", uid)
	return uid, nil
}

func (w *Workflow) approvalBatch(req models.AuthRequest, email, uid, reviewer string) (*store.Batch, error) {
	now := w.clock.Now().UTC()
	name := req.Name
	if name == "" {
		name = email
	}
	primary, err := store.Encode(models.UserProfile{
		ID:          uid,
		Email:       email,
		DisplayName: name,
		Role:        req.RequestedRole,
		Approved:    true,
		IsAdmin:     req.RequestedRole == models.RoleAdmin,
		CreatedAt:   now,
	})
	if err != nil {
		return nil, err
	}
	batch := store.NewBatch().Set(store.CollectionUsers, uid, primary)

	if req.RequestedRole == models.RoleTeamMember {
		secondary, err := store.Encode(models.TeamMember{
			ID:          uid,
			Email:       email,
			DisplayName: name,
			Active:      true,
			CreatedAt:   now,
		})
		if err != nil {
			return nil, err
		}
		batch.Set(store.CollectionTeamMembers, uid, secondary)
	}

	batch.Update(store.CollectionAuthRequests, req.ID, w.decision(models.StatusApproved, reviewer), pendingOnly())
	return batch, nil
}

func (w *Workflow) decision(status models.RequestStatus, reviewer string) store.Data {
	return store.Data{
		"status":     string(status),
		"reviewer":   reviewer,
		"reviewedAt": w.clock.Now().UTC(),
		"password":   store.DeleteField,
	}
}

func pendingOnly() store.Data {
	return store.Data{"status": string(models.StatusPending)}
}

// commit applies batch with the commit retry profile, re-verifying admin
// access before every attempt.
func (w *Workflow) commit(ctx context.Context, actor identity.CredentialSource, batch *store.Batch, operation string) error {
	opts := retry.Commit(operation)
	err := w.runner.Do(ctx, opts, func(ctx context.Context) error {
		if !w.resolver.IsAdmin(ctx, actor) {
			return ErrNotAuthorized
		}
		return w.docs.Commit(ctx, batch)
	})
	if errors.Is(err, store.ErrPreconditionFailed) {
		return ErrAlreadyProcessed
	}
	return err
}

// grantAdminClaim runs after the commit. A failure is logged: the profile
// already marks the account as admin, which the resolver falls back to.
func (w *Workflow) grantAdminClaim(ctx context.Context, actor identity.CredentialSource, uid string) {
	if w.functions == nil {
		return
	}
	claims := map[string]any{identity.ClaimAdmin: true, identity.ClaimRole: string(models.RoleAdmin)}
	err := w.runner.Do(ctx, retry.Standard("set_claims"), func(ctx context.Context) error {
		cred, err := actor.Token(ctx, false)
		if err != nil {
			return err
		}
		return w.functions.SetClaims(ctx, cred, uid, claims)
	})
	if err != nil {
		logging.Outcome(ctx, w.logger, "set_claims", "failed", "uid", uid, "error", err)
		return
	}
	logging.Outcome(ctx, w.logger, "set_claims", "succeeded", "uid", uid)
}
