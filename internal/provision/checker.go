// Package provision turns approved registration requests into accounts.
package provision

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
	"qms/access-service/internal/retry"
	"qms/access-service/internal/store"
)

var tracer = otel.Tracer("qms/access-service/provision")

// Checker reports where an email is already known.
type Checker struct {
	provider identity.Provider
	profiles *store.Profiles
	members  *store.TeamMembers
	runner   *retry.Runner
	logger   *slog.Logger
}

func NewChecker(provider identity.Provider, profiles *store.Profiles, members *store.TeamMembers, runner *retry.Runner, logger *slog.Logger) *Checker {
	if runner == nil {
		runner = retry.NewRunner(nil, nil, logger)
	}
	return &Checker{
		provider: provider,
		profiles: profiles,
		members:  members,
		runner:   runner,
		logger:   logging.OrDiscard(logger),
	}
}

// Check queries the identity provider and both profile stores at once. An
// identity provider account with no profile yields a report with the
// account present and no uid.
func (c *Checker) Check(ctx context.Context, email string) (models.ExistenceReport, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return models.ExistenceReport{}, apperr.New(apperr.KindInvalid, "email is required")
	}
	ctx, span := tracer.Start(ctx, "provision.check_existence")
	defer span.End()

	var (
		methods  []string
		profiles []models.UserProfile
		members  []models.TeamMember
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		methods, err = retry.Value(gctx, c.runner, retry.Standard("list_sign_in_methods"), func(ctx context.Context) ([]string, error) {
			return c.provider.ListSignInMethods(ctx, email)
		})
		return err
	})
	g.Go(func() error {
		var err error
		profiles, err = retry.Value(gctx, c.runner, retry.Standard("find_profile"), func(ctx context.Context) ([]models.UserProfile, error) {
			return c.profiles.FindByEmail(ctx, email)
		})
		return err
	})
	g.Go(func() error {
		var err error
		members, err = retry.Value(gctx, c.runner, retry.Standard("find_team_member"), func(ctx context.Context) ([]models.TeamMember, error) {
			return c.members.FindByEmail(ctx, email)
		})
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		logging.Outcome(ctx, c.logger, "existence_check", "failed", "email", email, "error", err)
		return models.ExistenceReport{}, err
	}

	report := models.ExistenceReport{
		IdentityProviderHasAccount: len(methods) > 0,
		PrimaryProfileExists:       len(profiles) > 0,
		SecondaryProfileExists:     len(members) > 0,
	}
	switch {
	case len(profiles) > 0:
		report.IdentityProviderUID = profiles[0].ID
	case len(members) > 0:
		report.IdentityProviderUID = members[0].ID
	}
	span.SetAttributes(
		attribute.Bool("provision.idp_account", report.IdentityProviderHasAccount),
		attribute.Bool("provision.primary_profile", report.PrimaryProfileExists),
		attribute.Bool("provision.secondary_profile", report.SecondaryProfileExists),
	)
	logging.Outcome(ctx, c.logger, "existence_check", "succeeded", "email", email,
		"idp_account", report.IdentityProviderHasAccount,
		"primary_profile", report.PrimaryProfileExists,
		"secondary_profile", report.SecondaryProfileExists)
	return report, nil
}
