// Package retry runs remote operations with bounded exponential backoff and
// optional gating on network availability.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/logging"
)

const (
	defaultMultiplier     = 2.0
	defaultMaxDelay       = time.Minute
	defaultNetworkTimeout = 30 * time.Second
)

type NetworkWaiter interface {
	Online() bool
	WaitForNetwork(ctx context.Context, timeout time.Duration) bool
}

type Options struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	OperationName string
	// WaitForNetwork suspends before an attempt while offline. Waiting does
	// not consume an attempt.
	WaitForNetwork bool
	NetworkTimeout time.Duration
}

// Standard is the profile used for single remote calls: 3 attempts starting
// at 1s and doubling.
func Standard(operation string) Options {
	return Options{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: defaultMultiplier, OperationName: operation}
}

// Commit is the profile for multi-document commits.
func Commit(operation string) Options {
	return Options{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: defaultMultiplier, OperationName: operation, WaitForNetwork: true}
}

type Runner struct {
	clock   clock.Clock
	network NetworkWaiter
	logger  *slog.Logger
}

// NewRunner accepts a nil network; network gating is then skipped.
func NewRunner(clk clock.Clock, network NetworkWaiter, logger *slog.Logger) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{clock: clk, network: network, logger: logging.OrDiscard(logger)}
}

// Do calls op until it succeeds, returns a non-retryable error, or runs out
// of attempts. The last error is returned as is.
func (r *Runner) Do(ctx context.Context, opts Options, op func(ctx context.Context) error) error {
	opts = normalize(opts)
	delays := newDelays(opts)

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := delays.NextBackOff()
			logging.Outcome(ctx, r.logger, opts.OperationName, "backoff", "attempt", attempt, "delay", delay)
			if err := clock.Sleep(ctx, r.clock, delay); err != nil {
				return err
			}
		}
		if err := r.awaitNetwork(ctx, opts); err != nil {
			logging.Outcome(ctx, r.logger, opts.OperationName, "failed", "attempt", attempt, "error", err)
			return err
		}

		err := op(ctx)
		if err == nil {
			logging.Outcome(ctx, r.logger, opts.OperationName, "succeeded", "attempt", attempt)
			return nil
		}
		lastErr = err
		if !apperr.Retryable(err) || ctx.Err() != nil {
			logging.Outcome(ctx, r.logger, opts.OperationName, "failed", "attempt", attempt, "error", err, "retryable", false)
			return err
		}
		logging.Outcome(ctx, r.logger, opts.OperationName, "attempt_failed", "attempt", attempt, "error", err)
	}
	logging.Outcome(ctx, r.logger, opts.OperationName, "exhausted", "attempts", opts.MaxAttempts, "error", lastErr)
	return lastErr
}

// Value is Do for operations that return a result.
func Value[T any](ctx context.Context, r *Runner, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, opts, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

func (r *Runner) awaitNetwork(ctx context.Context, opts Options) error {
	if !opts.WaitForNetwork || r.network == nil || r.network.Online() {
		return nil
	}
	logging.Outcome(ctx, r.logger, opts.OperationName, "waiting_for_network", "timeout", opts.NetworkTimeout)
	if r.network.WaitForNetwork(ctx, opts.NetworkTimeout) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apperr.New(apperr.KindNetworkUnavailable, "network unavailable")
}

func normalize(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = defaultMultiplier
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = defaultNetworkTimeout
	}
	if opts.OperationName == "" {
		opts.OperationName = "operation"
	}
	return opts
}

// newDelays yields InitialDelay * Multiplier^(n-1) for the n-th retry.
func newDelays(opts Options) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     opts.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          opts.Multiplier,
		MaxInterval:         opts.MaxDelay,
	}
	b.Reset()
	return b
}
