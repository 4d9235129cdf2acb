package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qms/access-service/internal/apperr"
	"qms/access-service/internal/clock"
	"qms/access-service/internal/identity"
	"qms/access-service/internal/retry"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	clock *clock.FakeClock

	mu      sync.Mutex
	calls   []time.Time
	fail    error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeSource) Token(ctx context.Context, forceRefresh bool) (identity.Credential, error) {
	f.mu.Lock()
	now := f.clock.Now()
	f.calls = append(f.calls, now)
	fail, block, entered := f.fail, f.block, f.entered
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if fail != nil {
		return identity.Credential{}, fail
	}
	return identity.Credential{UID: "uid-1", IssuedAt: now}, nil
}

func (f *fakeSource) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

func (f *fakeSource) callTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

func newScheduler(clk *clock.FakeClock, src *fakeSource) *Scheduler {
	return New(src, retry.NewRunner(clk, nil, nil), clk, DefaultConfig(), nil)
}

func TestDelay(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		want time.Duration
	}{
		{"fresh", 0, 50 * time.Minute},
		{"ten minutes old", 10 * time.Minute, 40 * time.Minute},
		{"past threshold", 52 * time.Minute, 0},
		{"issued in the future", -time.Minute, 50 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Delay(epoch, epoch.Add(-tt.age), DefaultSessionTimeout, DefaultRefreshThreshold)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestRearmsAfterSuccess(t *testing.T) {
	clk := clock.Fake(epoch)
	src := &fakeSource{clock: clk}
	s := newScheduler(clk, src)

	refreshed := make(chan identity.Credential, 4)
	stop := s.Start(context.Background(), epoch.Add(-10*time.Minute), Callbacks{
		OnRefresh: func(cred identity.Credential) { refreshed <- cred },
		OnError:   func(err error) { t.Errorf("unexpected error: %v", err) },
	})
	defer s.Wait()
	defer stop()

	clk.WaitForTimers(1)
	require.Equal(t, StateScheduled, s.State())
	require.Equal(t, 40*time.Minute, s.LastDelay())

	clk.Advance(40 * time.Minute)
	cred := <-refreshed
	require.Equal(t, epoch.Add(30*time.Minute), cred.IssuedAt)

	clk.WaitForTimers(1)
	require.Equal(t, 2, s.Arms())
	require.Equal(t, 50*time.Minute, s.LastDelay())

	clk.Advance(50 * time.Minute)
	<-refreshed
	clk.WaitForTimers(1)
	require.Equal(t, 3, s.Arms())
	require.Equal(t, []time.Time{epoch.Add(30 * time.Minute), epoch.Add(80 * time.Minute)}, src.callTimes())
}

func TestRearmsAfterEachFailedCycle(t *testing.T) {
	clk := clock.Fake(epoch)
	src := &fakeSource{clock: clk, fail: apperr.New(apperr.KindTransient, "provider unavailable")}
	s := newScheduler(clk, src)

	failures := make(chan error, 4)
	stop := s.Start(context.Background(), epoch, Callbacks{
		OnRefresh: func(identity.Credential) { t.Error("unexpected refresh") },
		OnError:   func(err error) { failures <- err },
	})
	defer s.Wait()
	defer stop()

	const cycles = 3
	clk.WaitForTimers(1)
	clk.Advance(50 * time.Minute)
	for cycle := 1; cycle <= cycles; cycle++ {
		// backoff inside the cycle: 1s then 2s
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
		clk.WaitForTimers(1)
		clk.Advance(2 * time.Second)

		err := <-failures
		require.ErrorIs(t, err, apperr.ErrTransient)

		clk.WaitForTimers(1)
		require.Equal(t, StateScheduled, s.State())
		require.Equal(t, cycle+1, s.Arms())
		require.Equal(t, DefaultRetryDelay, s.LastDelay())
		if cycle < cycles {
			clk.Advance(DefaultRetryDelay)
		}
	}

	calls := src.callTimes()
	require.Len(t, calls, cycles*3)
	for c := 0; c < cycles; c++ {
		first, second, third := calls[c*3], calls[c*3+1], calls[c*3+2]
		require.Equal(t, time.Second, second.Sub(first))
		require.Equal(t, 2*time.Second, third.Sub(second))
		if c > 0 {
			require.Equal(t, DefaultRetryDelay, first.Sub(calls[c*3-1]))
		}
	}
}

func TestRecoversAfterOutage(t *testing.T) {
	clk := clock.Fake(epoch)
	src := &fakeSource{clock: clk, fail: apperr.New(apperr.KindNetworkUnavailable, "offline")}
	s := New(src, retry.NewRunner(clk, nil, nil), clk, Config{Retry: retry.Options{MaxAttempts: 1}}, nil)

	failures := make(chan error, 1)
	refreshed := make(chan identity.Credential, 1)
	stop := s.Start(context.Background(), epoch, Callbacks{
		OnRefresh: func(cred identity.Credential) { refreshed <- cred },
		OnError:   func(err error) { failures <- err },
	})
	defer s.Wait()
	defer stop()

	clk.WaitForTimers(1)
	clk.Advance(50 * time.Minute)
	<-failures
	src.setFail(nil)

	clk.WaitForTimers(1)
	clk.Advance(DefaultRetryDelay)
	<-refreshed
	clk.WaitForTimers(1)
	require.Equal(t, 50*time.Minute, s.LastDelay())
}

func TestStopDiscardsLateResult(t *testing.T) {
	clk := clock.Fake(epoch)
	src := &fakeSource{clock: clk, block: make(chan struct{}), entered: make(chan struct{}, 1)}
	s := newScheduler(clk, src)

	var called bool
	var mu sync.Mutex
	stop := s.Start(context.Background(), epoch, Callbacks{
		OnRefresh: func(identity.Credential) { mu.Lock(); called = true; mu.Unlock() },
		OnError:   func(error) { mu.Lock(); called = true; mu.Unlock() },
	})

	clk.WaitForTimers(1)
	clk.Advance(50 * time.Minute)
	<-src.entered
	require.Equal(t, StateRefreshing, s.State())

	stop()
	close(src.block)
	s.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.False(t, called)
	require.Equal(t, StateIdle, s.State())
	require.Zero(t, clk.Pending())
}

func TestStopBeforeFire(t *testing.T) {
	clk := clock.Fake(epoch)
	src := &fakeSource{clock: clk}
	s := newScheduler(clk, src)

	stop := s.Start(context.Background(), epoch, Callbacks{})
	clk.WaitForTimers(1)
	stop()
	stop()
	s.Wait()

	clk.Advance(time.Hour)
	require.Empty(t, src.callTimes())
	require.Equal(t, StateIdle, s.State())
	require.Zero(t, clk.Pending())
}

func TestStartReplacesRunningCycle(t *testing.T) {
	clk := clock.Fake(epoch)
	src := &fakeSource{clock: clk}
	s := newScheduler(clk, src)

	refreshed := make(chan identity.Credential, 2)
	cb := Callbacks{OnRefresh: func(cred identity.Credential) { refreshed <- cred }}
	first := s.Start(context.Background(), epoch, cb)
	clk.WaitForTimers(1)
	second := s.Start(context.Background(), epoch.Add(-45*time.Minute), cb)
	defer s.Wait()
	defer second()

	first()
	clk.WaitForTimers(1)
	clk.Advance(5 * time.Minute)
	<-refreshed
	require.Len(t, src.callTimes(), 1)
}
