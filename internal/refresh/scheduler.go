// Package refresh keeps the signed-in credential fresh. A scheduler arms a
// timer for shortly before the provider-side expiry, refreshes through the
// retry runner when it fires, and re-arms whether or not the refresh worked.
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/logging"
	"qms/access-service/internal/retry"
)

const (
	DefaultSessionTimeout   = 55 * time.Minute
	DefaultRefreshThreshold = 5 * time.Minute
	DefaultRetryDelay       = time.Minute

	operation = "token_refresh"
)

type State string

const (
	StateIdle       State = "idle"
	StateScheduled  State = "scheduled"
	StateRefreshing State = "refreshing"
	StateFailed     State = "failed"
)

type Config struct {
	SessionTimeout   time.Duration
	RefreshThreshold time.Duration
	// RetryDelay is the wait before the next cycle after a cycle exhausts
	// its attempts.
	RetryDelay time.Duration
	Retry      retry.Options
}

func DefaultConfig() Config {
	return Config{
		SessionTimeout:   DefaultSessionTimeout,
		RefreshThreshold: DefaultRefreshThreshold,
		RetryDelay:       DefaultRetryDelay,
		Retry:            retry.Standard(operation),
	}
}

// Callbacks are invoked from the scheduler goroutine. They may call the
// disposer returned by Start.
type Callbacks struct {
	OnRefresh func(identity.Credential)
	OnError   func(error)
}

type Scheduler struct {
	source identity.CredentialSource
	runner *retry.Runner
	clock  clock.Clock
	cfg    Config
	logger *slog.Logger

	wg sync.WaitGroup

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	state      State
	arms       int
	lastDelay  time.Duration
}

func New(source identity.CredentialSource, runner *retry.Runner, clk clock.Clock, cfg Config, logger *slog.Logger) *Scheduler {
	defaults := DefaultConfig()
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaults.SessionTimeout
	}
	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaults.RefreshThreshold
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = defaults.Retry
	}
	if clk == nil {
		clk = clock.Real()
	}
	if runner == nil {
		runner = retry.NewRunner(clk, nil, logger)
	}
	return &Scheduler{
		source: source,
		runner: runner,
		clock:  clk,
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
		state:  StateIdle,
	}
}

// Delay is how long to wait before refreshing a credential issued at
// issuedAt. It is never negative.
func Delay(now, issuedAt time.Time, sessionTimeout, threshold time.Duration) time.Duration {
	age := now.Sub(issuedAt)
	if age < 0 {
		age = 0
	}
	delay := sessionTimeout - threshold - age
	if delay < 0 {
		return 0
	}
	return delay
}

// Start begins the refresh cycle for a credential issued at issuedAt and
// replaces any cycle already running. The returned function stops the
// cycle; results that arrive after it was called are dropped.
func (s *Scheduler) Start(ctx context.Context, issuedAt time.Time, cb Callbacks) func() {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.generation++
	gen := s.generation
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, gen, issuedAt, cb)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.generation == gen {
				s.cancel = nil
				s.state = StateIdle
			}
		})
	}
}

func (s *Scheduler) run(ctx context.Context, gen uint64, issuedAt time.Time, cb Callbacks) {
	delay := Delay(s.clock.Now(), issuedAt, s.cfg.SessionTimeout, s.cfg.RefreshThreshold)
	for {
		if !s.transition(ctx, gen, StateScheduled, delay) {
			return
		}
		logging.Outcome(ctx, s.logger, operation, "scheduled", "delay", delay)
		if err := clock.Sleep(ctx, s.clock, delay); err != nil {
			return
		}

		if !s.transition(ctx, gen, StateRefreshing, 0) {
			return
		}
		cred, err := retry.Value(ctx, s.runner, s.cfg.Retry, func(ctx context.Context) (identity.Credential, error) {
			return s.source.Token(ctx, true)
		})
		if ctx.Err() != nil {
			logging.Outcome(ctx, s.logger, operation, "discarded")
			return
		}

		if err != nil {
			if !s.transition(ctx, gen, StateFailed, 0) {
				return
			}
			logging.Outcome(ctx, s.logger, operation, "failed", "error", err, "retry_in", s.cfg.RetryDelay)
			if cb.OnError != nil {
				cb.OnError(err)
			}
			delay = s.cfg.RetryDelay
			continue
		}

		logging.Outcome(ctx, s.logger, operation, "succeeded", "subject", cred.UID)
		if cb.OnRefresh != nil {
			cb.OnRefresh(cred)
		}
		issued := cred.IssuedAt
		if issued.IsZero() {
			issued = s.clock.Now()
		}
		delay = Delay(s.clock.Now(), issued, s.cfg.SessionTimeout, s.cfg.RefreshThreshold)
	}
}

// transition moves the state machine for generation gen. It reports false
// when the cycle has been stopped or replaced.
func (s *Scheduler) transition(ctx context.Context, gen uint64, next State, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || s.generation != gen {
		return false
	}
	s.state = next
	if next == StateScheduled {
		s.arms++
		s.lastDelay = delay
	}
	return true
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Arms counts how many times a refresh timer has been armed.
func (s *Scheduler) Arms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arms
}

// Wait blocks until every stopped cycle has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// LastDelay is the delay of the most recently armed timer.
func (s *Scheduler) LastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelay
}
