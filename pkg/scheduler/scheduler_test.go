package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func Test_FirstCycleRunsImmediately(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(&SchedulerConfig{Interval: time.Hour, ShutdownTimeout: time.Second},
		func(ctx, hardCtx context.Context) error {
			calls.Add(1)
			return nil
		}, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Completed() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.LastStarted().IsZero())
}

func Test_CyclesNeverOverlap(t *testing.T) {
	var running, maxSeen atomic.Int32
	var skips atomic.Int32

	s := NewScheduler(&SchedulerConfig{Interval: 2 * time.Millisecond, ShutdownTimeout: time.Second},
		func(ctx, hardCtx context.Context) error {
			n := running.Add(1)
			defer running.Add(-1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(25 * time.Millisecond)
			return nil
		}, zaptest.NewLogger(t))
	s.OnSkip(func() { skips.Add(1) })

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Completed() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), maxSeen.Load())
	assert.Equal(t, int32(1), s.MaxConcurrent())
	assert.Positive(t, s.Skipped())
	assert.Equal(t, uint64(skips.Load()), s.Skipped())
	assert.False(t, s.InFlight())
}

func Test_StopWaitsForInFlightCycle(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool

	s := NewScheduler(&SchedulerConfig{Interval: time.Hour, ShutdownTimeout: time.Second},
		func(ctx, hardCtx context.Context) error {
			close(started)
			<-ctx.Done()
			// the signed envelope is still driven to a terminal state
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			return nil
		}, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	<-started
	require.NoError(t, s.Stop())
	assert.True(t, finished.Load())
}

func Test_ShutdownDeadlineCancelsHardContext(t *testing.T) {
	started := make(chan struct{})
	var hardCancelled atomic.Bool

	s := NewScheduler(&SchedulerConfig{Interval: time.Hour, ShutdownTimeout: 20 * time.Millisecond},
		func(ctx, hardCtx context.Context) error {
			close(started)
			<-hardCtx.Done()
			hardCancelled.Store(true)
			return nil
		}, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	<-started

	begin := time.Now()
	require.NoError(t, s.Stop())
	assert.True(t, hardCancelled.Load())
	assert.GreaterOrEqual(t, time.Since(begin), 20*time.Millisecond)
}

func Test_FatalErrorStopsScheduler(t *testing.T) {
	fatal := errors.New("signer unavailable")
	var calls atomic.Int32

	s := NewScheduler(&SchedulerConfig{Interval: time.Millisecond, ShutdownTimeout: time.Second},
		func(ctx, hardCtx context.Context) error {
			calls.Add(1)
			return fatal
		}, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after a fatal error")
	}
	assert.ErrorIs(t, s.Stop(), fatal)
	assert.Equal(t, int32(1), calls.Load())
}

func Test_StartTwice(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{Interval: time.Hour, ShutdownTimeout: time.Second},
		func(ctx, hardCtx context.Context) error { return nil }, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, s.Stop())
}

func Test_StopBeforeStart(t *testing.T) {
	s := NewScheduler(&SchedulerConfig{Interval: time.Hour, ShutdownTimeout: time.Second},
		func(ctx, hardCtx context.Context) error { return nil }, zaptest.NewLogger(t))
	assert.NoError(t, s.Stop())
}

func Test_StopAbandonsCycleIgnoringCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})

	s := NewScheduler(&SchedulerConfig{
		Interval:        time.Hour,
		ShutdownTimeout: 20 * time.Millisecond,
		HardStopGrace:   20 * time.Millisecond,
	}, func(ctx, hardCtx context.Context) error {
		close(started)
		<-release
		return nil
	}, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the hard stop grace period")
	}
	assert.True(t, s.InFlight())
}
