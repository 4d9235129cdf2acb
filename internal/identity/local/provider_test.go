package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/identity/local"
	"qms/access-service/internal/store/memory"
)

var epoch = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newProvider(t *testing.T, clk clock.Clock) (*local.Provider, *memory.Accounts) {
	t.Helper()
	accounts := memory.NewAccounts()
	provider, err := local.New(accounts, local.Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		BcryptCost: bcrypt.MinCost,
		Clock:      clk,
	})
	require.NoError(t, err)
	return provider, accounts
}

func TestSignInAndTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	clk := clock.Fake(epoch)
	provider, _ := newProvider(t, clk)

	account, err := provider.CreateAccount(ctx, " New@X.com ", "secret123")
	require.NoError(t, err)
	require.Equal(t, "new@x.com", account.Email)

	_, ok := provider.CurrentUser()
	require.False(t, ok, "CreateAccount must not sign the account in")

	cred, err := provider.SignIn(ctx, "NEW@x.com", "secret123")
	require.NoError(t, err)
	require.Equal(t, account.UID, cred.UID)
	require.True(t, cred.IssuedAt.Equal(epoch))
	require.True(t, cred.ExpiresAt.Equal(epoch.Add(time.Hour)))

	clk.Advance(10 * time.Minute)
	cached, err := provider.Token(ctx, false)
	require.NoError(t, err)
	require.Equal(t, cred.IDToken, cached.IDToken)

	refreshed, err := provider.Token(ctx, true)
	require.NoError(t, err)
	require.True(t, refreshed.IssuedAt.Equal(epoch.Add(10*time.Minute)))

	verified, err := provider.Verify(ctx, refreshed.IDToken)
	require.NoError(t, err)
	require.Equal(t, account.UID, verified.UID)

	require.NoError(t, provider.SignOut(ctx))
	_, err = provider.Token(ctx, false)
	require.ErrorIs(t, err, identity.ErrNoCurrentUser)
}

func TestSignInRejectsBadPassword(t *testing.T) {
	ctx := context.Background()
	provider, _ := newProvider(t, clock.Fake(epoch))
	_, err := provider.CreateAccount(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	_, err = provider.SignIn(ctx, "a@b.com", "wrong-password")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, err = provider.SignIn(ctx, "missing@b.com", "secret123")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestCreateAccountErrors(t *testing.T) {
	ctx := context.Background()
	provider, _ := newProvider(t, clock.Fake(epoch))

	_, err := provider.CreateAccount(ctx, "not-an-email", "secret123")
	require.ErrorIs(t, err, identity.ErrInvalidEmail)
	_, err = provider.CreateAccount(ctx, "a@b.com", "123")
	require.ErrorIs(t, err, identity.ErrWeakPassword)

	_, err = provider.CreateAccount(ctx, "a@b.com", "secret123")
	require.NoError(t, err)
	_, err = provider.CreateAccount(ctx, "A@B.COM", "secret123")
	require.ErrorIs(t, err, identity.ErrEmailInUse)
	require.ErrorIs(t, err, apperr.ErrConflict)
}

func TestClaimsVisibleAfterForcedRefresh(t *testing.T) {
	ctx := context.Background()
	provider, _ := newProvider(t, clock.Fake(epoch))
	account, err := provider.CreateAccount(ctx, "boss@x.com", "secret123")
	require.NoError(t, err)
	_, err = provider.SignIn(ctx, "boss@x.com", "secret123")
	require.NoError(t, err)

	require.NoError(t, provider.SetCustomClaims(ctx, account.UID, map[string]any{"admin": true, "role": "admin"}))

	cached, err := provider.Token(ctx, false)
	require.NoError(t, err)
	require.False(t, cached.Claims.Bool(identity.ClaimAdmin))

	fresh, err := provider.Token(ctx, true)
	require.NoError(t, err)
	require.True(t, fresh.Claims.Bool(identity.ClaimAdmin))
}

func TestDisabledAccountInvalidatesSession(t *testing.T) {
	ctx := context.Background()
	provider, accounts := newProvider(t, clock.Fake(epoch))
	account, err := provider.CreateAccount(ctx, "gone@x.com", "secret123")
	require.NoError(t, err)
	_, err = provider.SignIn(ctx, "gone@x.com", "secret123")
	require.NoError(t, err)

	accounts.Disable(account.UID)
	_, err = provider.Token(ctx, true)
	require.ErrorIs(t, err, identity.ErrSessionInvalid)
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestListSignInMethodsAndLookup(t *testing.T) {
	ctx := context.Background()
	provider, _ := newProvider(t, clock.Fake(epoch))
	account, err := provider.CreateAccount(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	methods, err := provider.ListSignInMethods(ctx, " A@b.com")
	require.NoError(t, err)
	require.Equal(t, []string{"password"}, methods)

	methods, err = provider.ListSignInMethods(ctx, "nobody@b.com")
	require.NoError(t, err)
	require.Empty(t, methods)

	found, err := provider.LookupAccount(ctx, "A@B.com")
	require.NoError(t, err)
	require.Equal(t, account.UID, found.UID)
}

func TestPasswordResetRoundTrip(t *testing.T) {
	ctx := context.Background()
	accounts := memory.NewAccounts()
	var sent string
	provider, err := local.New(accounts, local.Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		BcryptCost: bcrypt.MinCost,
		Clock:      clock.Fake(epoch),
		ResetSender: func(ctx context.Context, email, token string) error {
			sent = token
			return nil
		},
	})
	require.NoError(t, err)
	_, err = provider.CreateAccount(ctx, "a@b.com", "secret123")
	require.NoError(t, err)

	require.NoError(t, provider.SendPasswordReset(ctx, "A@b.com"))
	require.NotEmpty(t, sent)
	require.NoError(t, provider.SendPasswordReset(ctx, "unknown@b.com"))

	_, err = provider.Verify(ctx, sent)
	require.Error(t, err, "reset tokens are not ID tokens")

	require.NoError(t, provider.ConfirmPasswordReset(ctx, sent, "brand-new-pass"))
	_, err = provider.SignIn(ctx, "a@b.com", "brand-new-pass")
	require.NoError(t, err)
}
