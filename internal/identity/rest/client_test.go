package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func idToken(t *testing.T, uid, email string, issued time.Time, extra map[string]any) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   uid,
		"email": email,
		"iat":   issued.Unix(),
		"exp":   issued.Add(time.Hour).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-test-secret"))
	require.NoError(t, err)
	return signed
}

func writeProviderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": status, "message": message},
	})
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *clock.FakeClock) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	clk := clock.Fake(epoch)
	return New(Config{
		APIKey:     "key-123",
		BaseURL:    srv.URL,
		TokenURL:   srv.URL,
		HTTPClient: srv.Client(),
		Clock:      clk,
	}), clk
}

func TestSignInAndRefresh(t *testing.T) {
	var refreshes atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts:signInWithPassword", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "key-123", r.URL.Query().Get("key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "admin@example.com", body["email"])
		if body["password"] != "correct-horse" {
			writeProviderError(w, http.StatusBadRequest, "INVALID_LOGIN_CREDENTIALS")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"localId":      "uid-1",
			"email":        "admin@example.com",
			"idToken":      idToken(t, "uid-1", "admin@example.com", epoch, nil),
			"refreshToken": "refresh-1",
			"expiresIn":    "3600",
		})
	})
	mux.HandleFunc("/v1/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		require.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		refreshes.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id_token":      idToken(t, "uid-1", "admin@example.com", epoch.Add(10*time.Minute), map[string]any{"admin": true}),
			"refresh_token": "refresh-1",
			"expires_in":    "3600",
			"user_id":       "uid-1",
		})
	})
	client, clk := newTestClient(t, mux)
	ctx := context.Background()

	_, err := client.SignIn(ctx, "admin@example.com", "wrong")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
	_, ok := client.CurrentUser()
	require.False(t, ok)

	cred, err := client.SignIn(ctx, " Admin@Example.com ", "correct-horse")
	require.NoError(t, err)
	require.Equal(t, "uid-1", cred.UID)
	require.Equal(t, epoch, cred.IssuedAt)

	user, ok := client.CurrentUser()
	require.True(t, ok)
	require.Equal(t, "admin@example.com", user.Email)

	cached, err := client.Token(ctx, false)
	require.NoError(t, err)
	require.Equal(t, cred.IDToken, cached.IDToken)
	require.Zero(t, refreshes.Load())

	clk.Advance(10 * time.Minute)
	fresh, err := client.Token(ctx, true)
	require.NoError(t, err)
	require.EqualValues(t, 1, refreshes.Load())
	require.True(t, fresh.Claims.Bool(identity.ClaimAdmin))
	require.Equal(t, epoch.Add(10*time.Minute), fresh.IssuedAt)

	require.NoError(t, client.SignOut(ctx))
	_, err = client.Token(ctx, false)
	require.ErrorIs(t, err, identity.ErrNoCurrentUser)
}

func TestRevokedRefreshTokenInvalidatesSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts:signInWithPassword", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"localId":      "uid-1",
			"idToken":      idToken(t, "uid-1", "a@example.com", epoch, nil),
			"refreshToken": "refresh-1",
		})
	})
	mux.HandleFunc("/v1/token", func(w http.ResponseWriter, r *http.Request) {
		writeProviderError(w, http.StatusBadRequest, "TOKEN_EXPIRED")
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	_, err := client.SignIn(ctx, "a@example.com", "pw")
	require.NoError(t, err)
	_, err = client.Token(ctx, true)
	require.ErrorIs(t, err, identity.ErrSessionInvalid)
	require.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestCreateAccountKeepsCurrentUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts:signInWithPassword", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"localId":      "admin-uid",
			"idToken":      idToken(t, "admin-uid", "admin@example.com", epoch, nil),
			"refreshToken": "refresh-admin",
		})
	})
	mux.HandleFunc("/v1/accounts:signUp", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["email"] == "taken@example.com" {
			writeProviderError(w, http.StatusBadRequest, "EMAIL_EXISTS")
			return
		}
		if body["password"] == "123" {
			writeProviderError(w, http.StatusBadRequest, "WEAK_PASSWORD : Password should be at least 6 characters")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"localId":      "new-uid",
			"email":        body["email"],
			"idToken":      idToken(t, "new-uid", "new@example.com", epoch, nil),
			"refreshToken": "refresh-new",
		})
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	_, err := client.SignIn(ctx, "admin@example.com", "pw")
	require.NoError(t, err)

	account, err := client.CreateAccount(ctx, "New@Example.com", "s3cret-pass")
	require.NoError(t, err)
	require.Equal(t, identity.Account{UID: "new-uid", Email: "new@example.com"}, account)

	user, ok := client.CurrentUser()
	require.True(t, ok)
	require.Equal(t, "admin-uid", user.UID)

	_, err = client.CreateAccount(ctx, "taken@example.com", "s3cret-pass")
	require.ErrorIs(t, err, identity.ErrEmailInUse)
	require.ErrorIs(t, err, apperr.ErrConflict)

	_, err = client.CreateAccount(ctx, "weak@example.com", "123")
	require.ErrorIs(t, err, identity.ErrWeakPassword)
}

func TestListSignInMethods(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/accounts:createAuthUri", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["identifier"] == "known@example.com" {
			_ = json.NewEncoder(w).Encode(map[string]any{"registered": true, "signinMethods": []string{"password"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"registered": false})
	})
	client, _ := newTestClient(t, mux)

	methods, err := client.ListSignInMethods(context.Background(), "Known@example.com")
	require.NoError(t, err)
	require.Equal(t, []string{"password"}, methods)

	methods, err = client.ListSignInMethods(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	require.Empty(t, methods)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		msg    string
		kind   apperr.Kind
	}{
		{"disabled", http.StatusBadRequest, "USER_DISABLED", apperr.KindPermissionDenied},
		{"throttled", http.StatusBadRequest, "TOO_MANY_ATTEMPTS_TRY_LATER", apperr.KindTransient},
		{"server error", http.StatusServiceUnavailable, "BACKEND_ERROR", apperr.KindTransient},
		{"forbidden", http.StatusForbidden, "PERMISSION_DENIED", apperr.KindPermissionDenied},
		{"bad request", http.StatusBadRequest, "SOMETHING_ELSE", apperr.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeProviderError(w, tt.status, tt.msg)
			}))
			err := client.SendPasswordReset(context.Background(), "a@example.com")
			require.Error(t, err)
			require.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}
}

func TestUnreachableProviderIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(Config{BaseURL: url, TokenURL: url, Clock: clock.Fake(epoch)})
	err := client.SendPasswordReset(context.Background(), "a@example.com")
	require.Error(t, err)
	require.Equal(t, apperr.KindNetworkUnavailable, apperr.KindOf(err))
	require.True(t, apperr.Retryable(err))
}
