package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/models"
	"qms/access-service/internal/refresh"
	"qms/access-service/internal/retry"
	"qms/access-service/internal/store"
)

var (
	ErrNotApproved = apperr.Coded(apperr.KindPermissionDenied, "not-approved", "account is pending approval")
	ErrNoProfile   = apperr.Coded(apperr.KindPermissionDenied, "no-profile", "no user profile for this account")
)

// Redirect targets after sign-in.
const (
	RedirectAdmin      = "/admin"
	RedirectRegional   = "/regional"
	RedirectTeamMember = "/dashboard"
	RedirectLogin      = "/login"
)

func RedirectFor(role models.Role) string {
	switch role {
	case models.RoleAdmin:
		return RedirectAdmin
	case models.RoleRegional:
		return RedirectRegional
	case models.RoleTeamMember:
		return RedirectTeamMember
	default:
		return RedirectLogin
	}
}

type SignInResult struct {
	Profile  models.UserProfile
	Redirect string
}

// Current is the signed-in session and its profile.
type Current struct {
	Session models.Session
	Profile models.UserProfile
}

type Config struct {
	Provider  identity.Provider
	Profiles  *store.Profiles
	State     *StateStore
	Scheduler *refresh.Scheduler
	Runner    *retry.Runner
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Manager is the single owner of the process session. It also serves as
// the credential source for work done on behalf of the signed-in user.
type Manager struct {
	provider  identity.Provider
	profiles  *store.Profiles
	state     *StateStore
	scheduler *refresh.Scheduler
	runner    *retry.Runner
	clock     clock.Clock
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	current     *Current
	ended       models.SessionState
	stopRefresh func()
	cleanups    map[uint64]func()
	nextCleanup uint64
}

var _ identity.CredentialSource = (*Manager)(nil)

func NewManager(cfg Config) *Manager {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := logging.OrDiscard(cfg.Logger)
	state := cfg.State
	if state == nil {
		state = NewStateStore(nil, logger)
	}
	runner := cfg.Runner
	if runner == nil {
		runner = retry.NewRunner(clk, nil, logger)
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = refresh.New(cfg.Provider, runner, clk, refresh.DefaultConfig(), logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		provider:  cfg.Provider,
		profiles:  cfg.Profiles,
		state:     state,
		scheduler: scheduler,
		runner:    runner,
		clock:     clk,
		logger:    logger,
		baseCtx:   ctx,
		cancel:    cancel,
		cleanups:  make(map[uint64]func()),
	}
}

// Initialize re-derives the session from the provider's current user. A
// mirrored snapshot is only compared against the result and logged.
func (m *Manager) Initialize(ctx context.Context) error {
	hint, hinted := m.state.Restore()

	user, ok := m.provider.CurrentUser()
	if !ok {
		if hinted && hint.Authenticated {
			m.logger.Info("session mirror is stale, provider has no current user", "subject", hint.Subject)
		}
		m.state.Clear()
		return nil
	}

	cred, err := m.provider.Token(ctx, false)
	if err != nil {
		m.state.Clear()
		if apperr.KindOf(err) == apperr.KindUnauthenticated {
			_ = m.provider.SignOut(ctx)
			return nil
		}
		return err
	}
	profile, err := m.loadProfile(ctx, cred.UID)
	if err != nil {
		m.state.Clear()
		_ = m.provider.SignOut(ctx)
		return err
	}
	if hinted && hint.Subject != user.UID {
		m.logger.Info("session mirror subject differs from provider", "mirror", hint.Subject, "provider", user.UID)
	}
	m.establish(cred, profile)
	logging.Outcome(ctx, m.logger, "session_restore", "succeeded", "subject", cred.UID)
	return nil
}

func (m *Manager) SignIn(ctx context.Context, email, password string) (SignInResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return SignInResult{}, apperr.New(apperr.KindInvalid, "email and password are required")
	}

	cred, err := retry.Value(ctx, m.runner, retry.Standard("sign_in"), func(ctx context.Context) (identity.Credential, error) {
		return m.provider.SignIn(ctx, email, password)
	})
	if err != nil {
		logging.Outcome(ctx, m.logger, "sign_in", "failed", "email", email, "error", err)
		return SignInResult{}, err
	}

	profile, err := m.loadProfile(ctx, cred.UID)
	if err != nil {
		if signOutErr := m.provider.SignOut(ctx); signOutErr != nil {
			m.logger.Warn("sign out after rejected sign-in failed", "error", signOutErr)
		}
		logging.Outcome(ctx, m.logger, "sign_in", "failed", "email", email, "error", err)
		return SignInResult{}, err
	}

	now := m.clock.Now()
	if err := m.profiles.TouchLogin(ctx, cred.UID, now); err != nil {
		m.logger.Warn("record last login failed", "subject", cred.UID, "error", err)
	} else {
		profile.LastLoginAt = &now
	}

	m.establish(cred, profile)
	logging.Outcome(ctx, m.logger, "sign_in", "succeeded", "subject", cred.UID, "role", profile.Role)
	return SignInResult{Profile: profile, Redirect: RedirectFor(profile.Role)}, nil
}

// SignOut runs registered cleanups, stops token refresh, and ends the
// provider session. It is safe to call when nobody is signed in.
func (m *Manager) SignOut(ctx context.Context) error {
	m.teardown(models.SessionEnded)
	if err := m.provider.SignOut(ctx); err != nil {
		logging.Outcome(ctx, m.logger, "sign_out", "failed", "error", err)
		return err
	}
	logging.Outcome(ctx, m.logger, "sign_out", "succeeded")
	return nil
}

// RegisterCleanup adds fn to run on the next sign-out or session loss. The
// returned function unregisters it.
func (m *Manager) RegisterCleanup(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextCleanup
	m.nextCleanup++
	m.cleanups[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.cleanups, id)
	}
}

func (m *Manager) Current() (Current, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Current{}, false
	}
	return *m.current, true
}

// Token returns the signed-in user's credential.
func (m *Manager) Token(ctx context.Context, forceRefresh bool) (identity.Credential, error) {
	if _, ok := m.Current(); !ok {
		return identity.Credential{}, identity.ErrNoCurrentUser
	}
	return m.provider.Token(ctx, forceRefresh)
}

func (m *Manager) SendPasswordReset(ctx context.Context, email string) error {
	email = models.NormalizeEmail(email)
	if email == "" {
		return identity.ErrInvalidEmail
	}
	err := m.runner.Do(ctx, retry.Standard("password_reset"), func(ctx context.Context) error {
		return m.provider.SendPasswordReset(ctx, email)
	})
	if err != nil {
		return err
	}
	logging.Outcome(ctx, m.logger, "password_reset", "sent", "email", email)
	return nil
}

// Close stops background refresh and waits for it to exit. The provider
// session is left alone.
func (m *Manager) Close() {
	m.mu.Lock()
	stop := m.stopRefresh
	m.stopRefresh = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.cancel()
	m.scheduler.Wait()
}

func (m *Manager) loadProfile(ctx context.Context, uid string) (models.UserProfile, error) {
	profile, err := retry.Value(ctx, m.runner, retry.Standard("load_profile"), func(ctx context.Context) (models.UserProfile, error) {
		return m.profiles.Get(ctx, uid)
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.UserProfile{}, ErrNoProfile
	}
	if err != nil {
		return models.UserProfile{}, err
	}
	if !profile.Approved {
		return models.UserProfile{}, ErrNotApproved
	}
	return profile, nil
}

func (m *Manager) establish(cred identity.Credential, profile models.UserProfile) {
	now := m.clock.Now()
	issued := cred.IssuedAt
	if issued.IsZero() {
		issued = now
	}

	m.mu.Lock()
	if m.stopRefresh != nil {
		m.stopRefresh()
	}
	m.current = &Current{
		Session: models.Session{
			Subject:            cred.UID,
			Email:              cred.Email,
			CredentialIssuedAt: issued,
			LastRefreshAt:      now,
			ExpiresAt:          cred.ExpiresAt,
			State:              models.SessionActive,
		},
		Profile: profile,
	}
	subject := cred.UID
	m.stopRefresh = m.scheduler.Start(m.baseCtx, issued, refresh.Callbacks{
		OnRefresh: func(fresh identity.Credential) { m.refreshed(subject, fresh) },
		OnError:   func(err error) { m.refreshFailed(subject, err) },
	})
	m.mu.Unlock()

	m.state.Authenticate(cred.UID, cred.Email, now)
}

func (m *Manager) refreshed(subject string, cred identity.Credential) {
	now := m.clock.Now()
	m.mu.Lock()
	if m.current == nil || m.current.Session.Subject != subject {
		m.mu.Unlock()
		return
	}
	m.current.Session.LastRefreshAt = now
	if !cred.IssuedAt.IsZero() {
		m.current.Session.CredentialIssuedAt = cred.IssuedAt
	}
	m.current.Session.ExpiresAt = cred.ExpiresAt
	m.mu.Unlock()

	m.state.Refreshed(subject, now)
}

// refreshFailed ends the session when the provider says the credential is
// gone. Anything else is left for the next cycle.
func (m *Manager) refreshFailed(subject string, err error) {
	if apperr.KindOf(err) != apperr.KindUnauthenticated {
		return
	}
	m.mu.Lock()
	active := m.current != nil && m.current.Session.Subject == subject
	m.mu.Unlock()
	if !active {
		return
	}
	m.teardown(models.SessionExpired)
	if signOutErr := m.provider.SignOut(m.baseCtx); signOutErr != nil {
		m.logger.Warn("sign out after session loss failed", "error", signOutErr)
	}
	logging.Outcome(m.baseCtx, m.logger, "session", "expired", "subject", subject, "error", err)
}

func (m *Manager) teardown(final models.SessionState) {
	m.mu.Lock()
	stop := m.stopRefresh
	m.stopRefresh = nil
	cleanups := make([]func(), 0, len(m.cleanups))
	for _, fn := range m.cleanups {
		cleanups = append(cleanups, fn)
	}
	m.cleanups = make(map[uint64]func())
	if m.current != nil {
		m.ended = final
	}
	m.current = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, fn := range cleanups {
		fn()
	}
	m.state.Clear()
}

// Ended reports how the most recent session finished: ended by sign-out or
// expired by the provider. It is empty while no session has finished.
func (m *Manager) Ended() models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}
