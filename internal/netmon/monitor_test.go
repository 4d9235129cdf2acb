package netmon

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"qms/access-service/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestWaitForNetworkAlreadyOnline(t *testing.T) {
	m := New(true, clock.Fake(epoch), nil)
	require.True(t, m.WaitForNetwork(context.Background(), time.Second))
	require.Equal(t, 0, m.Subscribers())
}

func TestWaitForNetworkResolvesOnTransition(t *testing.T) {
	clk := clock.Fake(epoch)
	m := New(false, clk, nil)

	done := make(chan bool, 1)
	go func() { done <- m.WaitForNetwork(context.Background(), time.Minute) }()

	clk.WaitForTimers(1)
	m.Report(true)
	require.True(t, <-done)
	require.Equal(t, 0, m.Subscribers())
}

func TestWaitForNetworkTimesOut(t *testing.T) {
	clk := clock.Fake(epoch)
	m := New(false, clk, nil)

	done := make(chan bool, 1)
	go func() { done <- m.WaitForNetwork(context.Background(), 30*time.Second) }()

	clk.WaitForTimers(1)
	clk.Advance(30 * time.Second)
	require.False(t, <-done)
	require.Equal(t, 0, m.Subscribers())
}

func TestCallbacksFireOnTransitionsOnly(t *testing.T) {
	m := New(true, clock.Fake(epoch), nil)
	var online, offline atomic.Int32
	cancelOnline := m.OnOnline(func() { online.Add(1) })
	cancelOffline := m.OnOffline(func() { offline.Add(1) })

	m.Report(true)
	m.Report(false)
	m.Report(false)
	m.Report(true)
	require.EqualValues(t, 1, online.Load())
	require.EqualValues(t, 1, offline.Load())

	cancelOnline()
	cancelOnline()
	cancelOffline()
	m.Report(false)
	m.Report(true)
	require.EqualValues(t, 1, online.Load())
	require.EqualValues(t, 1, offline.Load())
	require.Equal(t, 0, m.Subscribers())
}

func TestSubscribeStream(t *testing.T) {
	m := New(true, clock.Fake(epoch), nil)
	events, cancel := m.Subscribe()

	m.Report(false)
	m.Report(true)
	require.False(t, <-events)
	require.True(t, <-events)

	cancel()
	_, open := <-events
	require.False(t, open)
	require.NotPanics(t, cancel)
}

func TestCancelFromCallbackDuringReport(t *testing.T) {
	for i := 0; i < 200; i++ {
		m := New(false, clock.Fake(epoch), nil)
		var cancel func()
		m.OnOnline(func() { cancel() })
		_, cancel = m.Subscribe()
		require.NotPanics(t, func() { m.Report(true) })
		require.Equal(t, 1, m.Subscribers())
	}
}

func TestConcurrentCancelAndReport(t *testing.T) {
	m := New(false, clock.Fake(epoch), nil)
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		_, cancel := m.Subscribe()
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancel()
		}()
		go func(online bool) {
			defer wg.Done()
			m.Report(online)
		}(i%2 == 0)
	}
	wg.Wait()
	require.Equal(t, 0, m.Subscribers())
}

func TestSlowSubscriberKeepsLatestState(t *testing.T) {
	m := New(true, clock.Fake(epoch), nil)
	events, cancel := m.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		m.Report(false)
		m.Report(true)
	}
	require.Len(t, events, cap(events))
	var last bool
	for len(events) > 0 {
		last = <-events
	}
	require.True(t, last)
}

func TestProberReportsDialResult(t *testing.T) {
	m := New(true, clock.Fake(epoch), nil)
	fail := true
	p := NewProber(m, ProberConfig{
		Address: "probe.invalid:53",
		Clock:   clock.Fake(epoch),
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if fail {
				return nil, errors.New("unreachable")
			}
			client, server := net.Pipe()
			_ = server.Close()
			return client, nil
		},
	})

	require.False(t, p.Check(context.Background()))
	require.False(t, m.Online())

	fail = false
	require.True(t, p.Check(context.Background()))
	require.True(t, m.Online())
}

func TestProberRunTicks(t *testing.T) {
	clk := clock.Fake(epoch)
	m := New(true, clk, nil)
	var dials atomic.Int32
	p := NewProber(m, ProberConfig{
		Address:  "probe.invalid:53",
		Interval: 10 * time.Second,
		Clock:    clk,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dials.Add(1)
			return nil, errors.New("down")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)
	cancel()
	<-stopped
	require.GreaterOrEqual(t, dials.Load(), int32(1))
}
