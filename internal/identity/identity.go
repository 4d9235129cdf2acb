// Package identity defines the identity provider contract used by the
// session manager and the provisioning workflow, and the credential type
// both sides exchange.
package identity

import (
	"context"
	"time"

	"qms/access-service/internal/apperr"
)

// Provider codes, matched with errors.Is.
var (
	ErrEmailInUse         = apperr.Coded(apperr.KindConflict, "email-already-in-use", "email already in use")
	ErrInvalidEmail       = apperr.Coded(apperr.KindInvalid, "invalid-email", "invalid email address")
	ErrWeakPassword       = apperr.Coded(apperr.KindInvalid, "weak-password", "password is too weak")
	ErrInvalidCredentials = apperr.Coded(apperr.KindUnauthenticated, "invalid-credential", "invalid email or password")
	ErrUserDisabled       = apperr.Coded(apperr.KindPermissionDenied, "user-disabled", "account disabled")
	ErrNoCurrentUser      = apperr.Coded(apperr.KindUnauthenticated, "no-current-user", "not signed in")
	ErrSessionInvalid     = apperr.Coded(apperr.KindUnauthenticated, "session-invalid", "session is no longer valid")
	ErrTooManyRequests    = apperr.Coded(apperr.KindTransient, "too-many-requests", "too many attempts, try again later")
)

// Credential is the signed-in user's current token and what it asserts.
type Credential struct {
	UID          string
	Email        string
	IDToken      string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Claims       Claims
}

type User struct {
	UID   string
	Email string
}

type Account struct {
	UID   string
	Email string
}

// CredentialSource yields the caller's credential. With forceRefresh the
// provider must mint a new token so claim changes become visible.
type CredentialSource interface {
	Token(ctx context.Context, forceRefresh bool) (Credential, error)
}

type Provider interface {
	CredentialSource
	SignIn(ctx context.Context, email, password string) (Credential, error)
	SignOut(ctx context.Context) error
	CurrentUser() (User, bool)
	// CreateAccount registers a new account without touching the current
	// user.
	CreateAccount(ctx context.Context, email, password string) (Account, error)
	ListSignInMethods(ctx context.Context, email string) ([]string, error)
	SendPasswordReset(ctx context.Context, email string) error
}

// AccountLookup is implemented by providers that can resolve an account id
// from an email with the caller's privileges.
type AccountLookup interface {
	LookupAccount(ctx context.Context, email string) (Account, error)
}

// ClaimSetter is implemented by providers that can attach custom claims to
// an account server side.
type ClaimSetter interface {
	SetCustomClaims(ctx context.Context, uid string, claims map[string]any) error
}

// Verifier checks a bearer token minted by the provider.
type Verifier interface {
	Verify(ctx context.Context, idToken string) (Credential, error)
}
