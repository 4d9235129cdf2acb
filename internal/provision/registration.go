package provision

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
	"qms/access-service/internal/retry"
	"qms/access-service/internal/store"
)

const minPasswordLength = 6

var ErrDuplicateRequest = apperr.Coded(apperr.KindConflict, "request-pending", "a registration request for this email is already pending")

type RegistrationInput struct {
	Email    string      `json:"email"`
	Name     string      `json:"name"`
	Role     models.Role `json:"role"`
	Password string      `json:"password"`
}

// Registrar records public registration requests for an administrator to
// review.
type Registrar struct {
	requests *store.Requests
	runner   *retry.Runner
	clock    clock.Clock
	logger   *slog.Logger
}

func NewRegistrar(requests *store.Requests, runner *retry.Runner, clk clock.Clock, logger *slog.Logger) *Registrar {
	if clk == nil {
		clk = clock.Real()
	}
	if runner == nil {
		runner = retry.NewRunner(clk, nil, logger)
	}
	return &Registrar{requests: requests, runner: runner, clock: clk, logger: logging.OrDiscard(logger)}
}

// Register stores a pending request. The returned copy has no password.
func (r *Registrar) Register(ctx context.Context, in RegistrationInput) (models.AuthRequest, error) {
	req, err := r.validate(in)
	if err != nil {
		return models.AuthRequest{}, err
	}

	existing, err := retry.Value(ctx, r.runner, retry.Standard("find_requests"), func(ctx context.Context) ([]models.AuthRequest, error) {
		return r.requests.FindByEmail(ctx, req.Email)
	})
	if err != nil {
		return models.AuthRequest{}, err
	}
	for _, other := range existing {
		if other.Status == models.StatusPending {
			return models.AuthRequest{}, ErrDuplicateRequest
		}
	}

	err = r.runner.Do(ctx, retry.Standard("create_request"), func(ctx context.Context) error {
		return r.requests.Create(ctx, req)
	})
	if err != nil {
		logging.Outcome(ctx, r.logger, "register", "failed", "email", req.Email, "error", err)
		return models.AuthRequest{}, err
	}
	logging.Outcome(ctx, r.logger, "register", "succeeded", "email", req.Email, "request", req.ID, "role", req.RequestedRole)
	req.Password = ""
	return req, nil
}

func (r *Registrar) validate(in RegistrationInput) (models.AuthRequest, error) {
	email := models.NormalizeEmail(in.Email)
	if !plausibleEmail(email) {
		return models.AuthRequest{}, apperr.New(apperr.KindInvalid, "a valid email is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.AuthRequest{}, apperr.New(apperr.KindInvalid, "name is required")
	}
	if !in.Role.Valid() {
		return models.AuthRequest{}, apperr.New(apperr.KindInvalid, "role must be admin, regional, or team_member")
	}
	if len(in.Password) < minPasswordLength {
		return models.AuthRequest{}, apperr.New(apperr.KindInvalid, "password must be at least 6 characters")
	}
	return models.AuthRequest{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          name,
		RequestedRole: in.Role,
		Password:      in.Password,
		Status:        models.StatusPending,
		CreatedAt:     r.clock.Now().UTC(),
	}, nil
}

func plausibleEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" || domain == "" || strings.ContainsAny(email, " \t") {
		return false
	}
	return strings.Contains(domain, ".") && !strings.Contains(domain, "@")
}
