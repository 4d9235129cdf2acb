// Package local is an embedded identity provider for self-hosted
// deployments: bcrypt password hashes in an AccountStore and HS256-signed
// ID tokens.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
)

const (
	defaultTokenTTL   = time.Hour
	resetTokenTTL     = time.Hour
	minPasswordLength = 6
	methodPassword    = "password"
	purposeReset      = "password_reset"
)

// ResetSender delivers a password reset token to its owner.
type ResetSender func(ctx context.Context, email, token string) error

type Config struct {
	Secret      []byte
	Issuer      string
	TokenTTL    time.Duration
	BcryptCost  int
	ResetSender ResetSender
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Provider struct {
	accounts AccountStore
	secret   []byte
	issuer   string
	ttl      time.Duration
	cost     int
	reset    ResetSender
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.RWMutex
	current *identity.Credential
}

var (
	_ identity.Provider      = (*Provider)(nil)
	_ identity.AccountLookup = (*Provider)(nil)
	_ identity.ClaimSetter   = (*Provider)(nil)
	_ identity.Verifier      = (*Provider)(nil)
)

func New(accounts AccountStore, cfg Config) (*Provider, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("local identity provider secret must be at least 16 bytes")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "qms-access"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Provider{
		accounts: accounts,
		secret:   cfg.Secret,
		issuer:   cfg.Issuer,
		ttl:      cfg.TokenTTL,
		cost:     cfg.BcryptCost,
		reset:    cfg.ResetSender,
		clock:    cfg.Clock,
		logger:   logging.OrDiscard(cfg.Logger),
	}, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (identity.Credential, error) {
	account, err := p.accounts.AccountByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return identity.Credential{}, identity.ErrInvalidCredentials
		}
		return identity.Credential{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return identity.Credential{}, identity.ErrInvalidCredentials
	}
	if account.Disabled {
		return identity.Credential{}, identity.ErrUserDisabled
	}
	cred, err := p.mint(account)
	if err != nil {
		return identity.Credential{}, err
	}
	p.mu.Lock()
	p.current = &cred
	p.mu.Unlock()
	return cred, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	return nil
}

func (p *Provider) CurrentUser() (identity.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil {
		return identity.User{}, false
	}
	return identity.User{UID: p.current.UID, Email: p.current.Email}, true
}

// Token returns the cached credential unless it is expired or forceRefresh
// is set, in which case the account is re-read so disabled accounts and
// claim changes take effect.
func (p *Provider) Token(ctx context.Context, forceRefresh bool) (identity.Credential, error) {
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()
	if current == nil {
		return identity.Credential{}, identity.ErrNoCurrentUser
	}
	if !forceRefresh && p.clock.Now().Before(current.ExpiresAt) {
		return *current, nil
	}

	account, err := p.accounts.AccountByID(ctx, current.UID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return identity.Credential{}, identity.ErrSessionInvalid
		}
		return identity.Credential{}, err
	}
	if account.Disabled {
		return identity.Credential{}, identity.ErrSessionInvalid
	}
	cred, err := p.mint(account)
	if err != nil {
		return identity.Credential{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.UID != cred.UID {
		// Signed out while refreshing.
		return identity.Credential{}, identity.ErrNoCurrentUser
	}
	p.current = &cred
	return cred, nil
}

func (p *Provider) CreateAccount(ctx context.Context, email, password string) (identity.Account, error) {
	email = models.NormalizeEmail(email)
	if !validEmail(email) {
		return identity.Account{}, identity.ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return identity.Account{}, identity.ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return identity.Account{}, fmt.Errorf("hash password: %w", err)
	}
	record := AccountRecord{
		UID:          uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Claims:       map[string]any{},
		CreatedAt:    p.clock.Now().UTC(),
	}
	if err := p.accounts.InsertAccount(ctx, record); err != nil {
		return identity.Account{}, err
	}
	p.logger.Info("account created", "uid", record.UID)
	return identity.Account{UID: record.UID, Email: record.Email}, nil
}

func (p *Provider) ListSignInMethods(ctx context.Context, email string) ([]string, error) {
	_, err := p.accounts.AccountByEmail(ctx, models.NormalizeEmail(email))
	if errors.Is(err, ErrAccountNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []string{methodPassword}, nil
}

func (p *Provider) LookupAccount(ctx context.Context, email string) (identity.Account, error) {
	account, err := p.accounts.AccountByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		return identity.Account{}, err
	}
	return identity.Account{UID: account.UID, Email: account.Email}, nil
}

func (p *Provider) SetCustomClaims(ctx context.Context, uid string, claims map[string]any) error {
	if strings.TrimSpace(uid) == "" {
		return apperr.New(apperr.KindInvalid, "uid is required")
	}
	return p.accounts.UpdateAccountClaims(ctx, uid, claims)
}

// SendPasswordReset succeeds for unknown emails so callers cannot probe
// which addresses have accounts.
func (p *Provider) SendPasswordReset(ctx context.Context, email string) error {
	email = models.NormalizeEmail(email)
	if !validEmail(email) {
		return identity.ErrInvalidEmail
	}
	account, err := p.accounts.AccountByEmail(ctx, email)
	if errors.Is(err, ErrAccountNotFound) {
		p.logger.Info("password reset for unknown email ignored")
		return nil
	}
	if err != nil {
		return err
	}
	now := p.clock.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":     account.UID,
		"iss":     p.issuer,
		"purpose": purposeReset,
		"iat":     now.Unix(),
		"exp":     now.Add(resetTokenTTL).Unix(),
	}).SignedString(p.secret)
	if err != nil {
		return fmt.Errorf("sign reset token: %w", err)
	}
	if p.reset == nil {
		p.logger.Warn("password reset requested but no sender configured", "uid", account.UID)
		return nil
	}
	return p.reset(ctx, account.Email, token)
}

// ConfirmPasswordReset sets a new password using a token from
// SendPasswordReset.
func (p *Provider) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	claims, err := p.parse(token)
	if err != nil || claims.String("purpose") != purposeReset {
		return apperr.New(apperr.KindInvalid, "reset link is invalid or expired")
	}
	if len(newPassword) < minPasswordLength {
		return identity.ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return p.accounts.UpdateAccountPassword(ctx, claims.String("sub"), string(hash))
}

// Verify checks a bearer ID token minted by this provider.
func (p *Provider) Verify(ctx context.Context, idToken string) (identity.Credential, error) {
	claims, err := p.parse(idToken)
	if err != nil {
		return identity.Credential{}, identity.ErrSessionInvalid
	}
	if claims.String("purpose") != "" {
		return identity.Credential{}, identity.ErrSessionInvalid
	}
	return identity.CredentialFromToken(idToken, "")
}

func (p *Provider) parse(token string) (identity.Claims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (any, error) {
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil {
		return nil, err
	}
	return identity.Claims(claims), nil
}

func (p *Provider) mint(account AccountRecord) (identity.Credential, error) {
	now := p.clock.Now()
	claims := jwt.MapClaims{}
	for key, value := range account.Claims {
		claims[key] = value
	}
	claims["sub"] = account.UID
	claims["email"] = account.Email
	claims["iss"] = p.issuer
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(p.ttl).Unix()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return identity.Credential{}, fmt.Errorf("sign id token: %w", err)
	}
	return identity.CredentialFromToken(token, "")
}

func validEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
