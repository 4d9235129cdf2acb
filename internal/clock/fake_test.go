package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnlyAtDeadline(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		require.Equal(t, epoch.Add(3*time.Second), got)
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFakeTimerStopRemovesWaiter(t *testing.T) {
	c := Fake(epoch)
	timer := c.NewTimer(time.Minute)
	require.Equal(t, 1, c.Pending())

	require.True(t, timer.Stop())
	require.Equal(t, 0, c.Pending())
	require.False(t, timer.Stop())

	c.Advance(time.Hour)
	select {
	case <-timer.C:
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestFakeTickerRearms(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(10 * time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}
	require.Equal(t, 1, c.Pending())
}

func TestSleepHonorsContext(t *testing.T) {
	c := Fake(epoch)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Sleep(ctx, c, time.Hour) }()

	c.WaitForTimers(1)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.Equal(t, 0, c.Pending())
}

func TestSleepReturnsAfterAdvance(t *testing.T) {
	c := Fake(epoch)
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), c, 5*time.Second) }()

	c.WaitForTimers(1)
	c.Advance(5 * time.Second)
	require.NoError(t, <-done)
}
