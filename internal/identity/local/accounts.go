package local

import (
	"context"
	"time"

	"qms/access-service/internal/apperr"
)

var ErrAccountNotFound = apperr.Coded(apperr.KindNotFound, "user-not-found", "account not found")

type AccountRecord struct {
	UID          string
	Email        string
	PasswordHash string
	Claims       map[string]any
	Disabled     bool
	CreatedAt    time.Time
}

// AccountStore persists provider accounts. InsertAccount must fail with
// identity.ErrEmailInUse when the normalized email is taken.
type AccountStore interface {
	InsertAccount(ctx context.Context, account AccountRecord) error
	AccountByEmail(ctx context.Context, email string) (AccountRecord, error)
	AccountByID(ctx context.Context, uid string) (AccountRecord, error)
	UpdateAccountClaims(ctx context.Context, uid string, claims map[string]any) error
	UpdateAccountPassword(ctx context.Context, uid, passwordHash string) error
}
