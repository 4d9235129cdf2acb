package callable

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
	"qms/access-service/internal/store"
)

var errNotAdmin = apperr.New(apperr.KindPermissionDenied, "caller is not an administrator")

// Service answers function calls for callers whose credential has already
// been verified.
type Service struct {
	profiles   *store.Profiles
	claims     identity.ClaimSetter
	privileged map[string]bool
	logger     *slog.Logger
}

var _ Functions = (*Service)(nil)

func NewService(profiles *store.Profiles, claims identity.ClaimSetter, privilegedEmails []string, logger *slog.Logger) *Service {
	privileged := make(map[string]bool, len(privilegedEmails))
	for _, email := range privilegedEmails {
		if email = models.NormalizeEmail(email); email != "" {
			privileged[email] = true
		}
	}
	return &Service{profiles: profiles, claims: claims, privileged: privileged, logger: logging.OrDiscard(logger)}
}

// VerifyAdmin reports whether the caller is an administrator according to
// the privileged email list and their profile.
func (s *Service) VerifyAdmin(ctx context.Context, cred identity.Credential) (VerifyAdminResult, error) {
	if cred.UID == "" {
		return VerifyAdminResult{}, identity.ErrNoCurrentUser
	}
	if s.privileged[models.NormalizeEmail(cred.Email)] {
		return VerifyAdminResult{IsAdmin: true, Role: models.RoleAdmin}, nil
	}
	profile, err := s.profiles.Get(ctx, cred.UID)
	if errors.Is(err, store.ErrNotFound) {
		return VerifyAdminResult{IsAdmin: false}, nil
	}
	if err != nil {
		return VerifyAdminResult{}, err
	}
	isAdmin := profile.Approved && (profile.Role == models.RoleAdmin || profile.IsAdmin)
	return VerifyAdminResult{IsAdmin: isAdmin, Role: profile.Role}, nil
}

// SetClaims replaces the custom claims of uid. Only administrators may call
// it.
func (s *Service) SetClaims(ctx context.Context, cred identity.Credential, uid string, claims map[string]any) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return apperr.New(apperr.KindInvalid, "uid is required")
	}
	if s.claims == nil {
		return apperr.New(apperr.KindTransient, "claim updates are not available")
	}
	if !cred.Claims.Bool(identity.ClaimAdmin) {
		verdict, err := s.VerifyAdmin(ctx, cred)
		if err != nil {
			return err
		}
		if !verdict.IsAdmin {
			logging.Outcome(ctx, s.logger, "set_claims", "denied", "caller", cred.UID, "target", uid)
			return errNotAdmin
		}
	}
	if err := s.claims.SetCustomClaims(ctx, uid, claims); err != nil {
		return err
	}
	logging.Outcome(ctx, s.logger, "set_claims", "succeeded", "caller", cred.UID, "target", uid)
	return nil
}
