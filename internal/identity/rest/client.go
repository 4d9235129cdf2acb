// Package rest talks to a hosted identity provider over its Identity
// Toolkit style REST API. It keeps the signed-in user's credential in
// memory the way a client SDK would.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
)

const (
	DefaultBaseURL  = "https://identitytoolkit.googleapis.com"
	DefaultTokenURL = "https://securetoken.googleapis.com"

	// refreshSkew renews a cached token slightly before it expires.
	refreshSkew = 5 * time.Minute
)

type Config struct {
	APIKey     string
	BaseURL    string
	TokenURL   string
	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
}

type Client struct {
	apiKey   string
	baseURL  string
	tokenURL string
	http     *http.Client
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	current *identity.Credential
}

var _ identity.Provider = (*Client)(nil)

func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	tokenURL := strings.TrimRight(cfg.TokenURL, "/")
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Client{
		apiKey:   cfg.APIKey,
		baseURL:  base,
		tokenURL: tokenURL,
		http:     httpClient,
		clock:    clk,
		logger:   logging.OrDiscard(cfg.Logger),
	}
}

type signInResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

func (c *Client) SignIn(ctx context.Context, email, password string) (identity.Credential, error) {
	var resp signInResponse
	err := c.post(ctx, c.baseURL+"/v1/accounts:signInWithPassword", map[string]any{
		"email":             models.NormalizeEmail(email),
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return identity.Credential{}, err
	}
	cred, err := c.credential(resp.IDToken, resp.RefreshToken, resp.LocalID, resp.Email, resp.ExpiresIn)
	if err != nil {
		return identity.Credential{}, err
	}
	c.mu.Lock()
	c.current = &cred
	c.mu.Unlock()
	return cred, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	return nil
}

func (c *Client) CurrentUser() (identity.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return identity.User{}, false
	}
	return identity.User{UID: c.current.UID, Email: c.current.Email}, true
}

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

func (c *Client) Token(ctx context.Context, forceRefresh bool) (identity.Credential, error) {
	c.mu.RLock()
	current := c.current
	c.mu.RUnlock()
	if current == nil {
		return identity.Credential{}, identity.ErrNoCurrentUser
	}
	if !forceRefresh && c.clock.Now().Add(refreshSkew).Before(current.ExpiresAt) {
		return *current, nil
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.withKey(c.tokenURL+"/v1/token"), strings.NewReader(form.Encode()))
	if err != nil {
		return identity.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp tokenResponse
	if err := c.do(req, &resp); err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			return identity.Credential{}, identity.ErrSessionInvalid
		}
		return identity.Credential{}, err
	}
	cred, err := c.credential(resp.IDToken, resp.RefreshToken, resp.UserID, current.Email, resp.ExpiresIn)
	if err != nil {
		return identity.Credential{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.UID != cred.UID {
		return identity.Credential{}, identity.ErrNoCurrentUser
	}
	c.current = &cred
	return cred, nil
}

// CreateAccount signs up a new account. The returned tokens belong to the
// new account and are dropped so the current user stays signed in.
func (c *Client) CreateAccount(ctx context.Context, email, password string) (identity.Account, error) {
	var resp signInResponse
	err := c.post(ctx, c.baseURL+"/v1/accounts:signUp", map[string]any{
		"email":             models.NormalizeEmail(email),
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return identity.Account{}, err
	}
	return identity.Account{UID: resp.LocalID, Email: models.NormalizeEmail(resp.Email)}, nil
}

func (c *Client) ListSignInMethods(ctx context.Context, email string) ([]string, error) {
	var resp struct {
		Registered    bool     `json:"registered"`
		SigninMethods []string `json:"signinMethods"`
		AllProviders  []string `json:"allProviders"`
	}
	err := c.post(ctx, c.baseURL+"/v1/accounts:createAuthUri", map[string]any{
		"identifier":  models.NormalizeEmail(email),
		"continueUri": "http://localhost",
	}, &resp)
	if err != nil {
		return nil, err
	}
	methods := resp.SigninMethods
	if len(methods) == 0 {
		methods = resp.AllProviders
	}
	if len(methods) == 0 && resp.Registered {
		methods = []string{"password"}
	}
	if methods == nil {
		methods = []string{}
	}
	return methods, nil
}

func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.post(ctx, c.baseURL+"/v1/accounts:sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       models.NormalizeEmail(email),
	}, nil)
}

func (c *Client) credential(idToken, refreshToken, uid, email, expiresIn string) (identity.Credential, error) {
	cred, err := identity.CredentialFromToken(idToken, refreshToken)
	if err != nil {
		return identity.Credential{}, apperr.Wrap(apperr.KindTransient, "identity provider returned an unreadable token", err)
	}
	if cred.UID == "" {
		cred.UID = uid
	}
	if cred.Email == "" {
		cred.Email = models.NormalizeEmail(email)
	}
	now := c.clock.Now()
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = now
	}
	if seconds, err := strconv.Atoi(expiresIn); err == nil && cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = now.Add(time.Duration(seconds) * time.Second)
	}
	return cred, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.withKey(endpoint), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return apperr.Wrap(apperr.KindNetworkUnavailable, "identity provider unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "read identity provider response", err)
	}
	if resp.StatusCode >= 300 {
		return mapError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Wrap(apperr.KindTransient, "decode identity provider response", err)
	}
	return nil
}

func (c *Client) withKey(endpoint string) string {
	if c.apiKey == "" {
		return endpoint
	}
	return endpoint + "?key=" + url.QueryEscape(c.apiKey)
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// mapError turns provider error messages such as "EMAIL_EXISTS" or
// "WEAK_PASSWORD : Password should be at least 6 characters" into
// identity errors.
func mapError(status int, raw []byte) error {
	var envelope errorEnvelope
	_ = json.Unmarshal(raw, &envelope)
	reason := envelope.Error.Message
	if i := strings.Index(reason, " "); i > 0 {
		reason = reason[:i]
	}

	switch reason {
	case "EMAIL_EXISTS":
		return identity.ErrEmailInUse
	case "INVALID_EMAIL", "MISSING_EMAIL":
		return identity.ErrInvalidEmail
	case "WEAK_PASSWORD", "MISSING_PASSWORD":
		return identity.ErrWeakPassword
	case "EMAIL_NOT_FOUND", "INVALID_PASSWORD", "INVALID_LOGIN_CREDENTIALS":
		return identity.ErrInvalidCredentials
	case "USER_DISABLED":
		return identity.ErrUserDisabled
	case "TOKEN_EXPIRED", "USER_NOT_FOUND", "INVALID_REFRESH_TOKEN", "INVALID_GRANT_TYPE", "MISSING_REFRESH_TOKEN":
		return identity.ErrSessionInvalid
	case "TOO_MANY_ATTEMPTS_TRY_LATER":
		return identity.ErrTooManyRequests
	}

	message := fmt.Sprintf("identity provider error %d: %s", status, envelope.Error.Message)
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return apperr.New(apperr.KindTransient, message)
	case status == http.StatusUnauthorized:
		return apperr.New(apperr.KindUnauthenticated, message)
	case status == http.StatusForbidden:
		return apperr.New(apperr.KindPermissionDenied, message)
	default:
		return apperr.New(apperr.KindInvalid, message)
	}
}
