// Package admin decides whether the signed-in caller is an administrator.
package admin

import (
	"context"
	"errors"
	"log/slog"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/callable"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
	"qms/access-service/internal/retry"
	"qms/access-service/internal/store"
)

const operation = "admin_check"

// Source names the check that granted admin access.
type Source string

const (
	SourceNone            Source = ""
	SourcePrivilegedEmail Source = "privileged_email"
	SourceClaim           Source = "claim"
	SourceVerified        Source = "verified"
	SourceProfile         Source = "profile"
)

type Config struct {
	Functions        callable.Functions
	Profiles         *store.Profiles
	Runner           *retry.Runner
	PrivilegedEmails []string
	Logger           *slog.Logger
}

type Resolver struct {
	functions  callable.Functions
	profiles   *store.Profiles
	runner     *retry.Runner
	privileged map[string]bool
	logger     *slog.Logger
}

func NewResolver(cfg Config) *Resolver {
	privileged := make(map[string]bool, len(cfg.PrivilegedEmails))
	for _, email := range cfg.PrivilegedEmails {
		if email = models.NormalizeEmail(email); email != "" {
			privileged[email] = true
		}
	}
	runner := cfg.Runner
	if runner == nil {
		runner = retry.NewRunner(nil, nil, cfg.Logger)
	}
	return &Resolver{
		functions:  cfg.Functions,
		profiles:   cfg.Profiles,
		runner:     runner,
		privileged: privileged,
		logger:     logging.OrDiscard(cfg.Logger),
	}
}

// IsAdmin never fails: errors count as "not an administrator".
func (r *Resolver) IsAdmin(ctx context.Context, src identity.CredentialSource) bool {
	return r.Resolve(ctx, src) != SourceNone
}

// Resolve runs the checks in order and returns the first that grants
// access, or SourceNone. A permission-denied answer from any step ends the
// check; other errors fall through to the next step.
func (r *Resolver) Resolve(ctx context.Context, src identity.CredentialSource) Source {
	cred, err := retry.Value(ctx, r.runner, retry.Standard("get_credential"), func(ctx context.Context) (identity.Credential, error) {
		return src.Token(ctx, false)
	})
	if err != nil {
		logging.Outcome(ctx, r.logger, operation, "failed", "step", "credential", "error", err)
		return SourceNone
	}

	if r.privileged[models.NormalizeEmail(cred.Email)] {
		return r.granted(ctx, cred, SourcePrivilegedEmail)
	}
	if cred.Claims.Bool(identity.ClaimAdmin) {
		return r.granted(ctx, cred, SourceClaim)
	}

	if r.functions != nil {
		verdict, err := retry.Value(ctx, r.runner, retry.Standard("verify_admin"), func(ctx context.Context) (callable.VerifyAdminResult, error) {
			return r.functions.VerifyAdmin(ctx, cred)
		})
		switch {
		case denied(err):
			return r.refused(ctx, cred, "verify_admin", err)
		case err != nil:
			logging.Outcome(ctx, r.logger, operation, "step_failed", "step", "verify_admin", "subject", cred.UID, "error", err)
		case verdict.IsAdmin:
			r.elevate(ctx, src, cred, verdict.Role)
			return r.granted(ctx, cred, SourceVerified)
		}
	}

	if r.profiles != nil {
		profile, err := retry.Value(ctx, r.runner, retry.Standard("admin_profile"), func(ctx context.Context) (models.UserProfile, error) {
			return r.profiles.Get(ctx, cred.UID)
		})
		switch {
		case denied(err):
			return r.refused(ctx, cred, "profile", err)
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			logging.Outcome(ctx, r.logger, operation, "step_failed", "step", "profile", "subject", cred.UID, "error", err)
		case profile.Role == models.RoleAdmin || profile.IsAdmin:
			return r.granted(ctx, cred, SourceProfile)
		}
	}

	logging.Outcome(ctx, r.logger, operation, "denied", "subject", cred.UID)
	return SourceNone
}

// elevate records the admin claim on the caller's account and refreshes
// the credential so later checks hit the claim. Failures only cost speed.
func (r *Resolver) elevate(ctx context.Context, src identity.CredentialSource, cred identity.Credential, role models.Role) {
	if role == "" {
		role = models.RoleAdmin
	}
	claims := map[string]any{identity.ClaimAdmin: true, identity.ClaimRole: string(role)}
	err := r.runner.Do(ctx, retry.Standard("set_claims"), func(ctx context.Context) error {
		return r.functions.SetClaims(ctx, cred, cred.UID, claims)
	})
	if err != nil {
		logging.Outcome(ctx, r.logger, "set_claims", "failed", "subject", cred.UID, "error", err)
		return
	}
	_, err = retry.Value(ctx, r.runner, retry.Standard("force_refresh"), func(ctx context.Context) (identity.Credential, error) {
		return src.Token(ctx, true)
	})
	if err != nil {
		logging.Outcome(ctx, r.logger, "force_refresh", "failed", "subject", cred.UID, "error", err)
	}
}

func (r *Resolver) granted(ctx context.Context, cred identity.Credential, source Source) Source {
	logging.Outcome(ctx, r.logger, operation, "granted", "subject", cred.UID, "source", string(source))
	return source
}

func (r *Resolver) refused(ctx context.Context, cred identity.Credential, step string, err error) Source {
	logging.Outcome(ctx, r.logger, operation, "denied", "step", step, "subject", cred.UID, "error", err)
	return SourceNone
}

func denied(err error) bool {
	return err != nil && apperr.KindOf(err) == apperr.KindPermissionDenied
}
