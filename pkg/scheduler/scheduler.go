// Package scheduler triggers oracle cycles on a fixed interval and never lets
// two cycles overlap.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CycleFunc runs one cycle. ctx is cancelled when the scheduler stops;
// hardCtx only when the shutdown deadline passes. A non-nil error is fatal and
// stops the scheduler.
type CycleFunc func(ctx context.Context, hardCtx context.Context) error

type SchedulerConfig struct {
	Interval        time.Duration
	ShutdownTimeout time.Duration
	// HardStopGrace bounds the wait after the hard context is cancelled.
	// Defaults to DefaultHardStopGrace.
	HardStopGrace time.Duration
}

const DefaultHardStopGrace = 5 * time.Second

type Scheduler struct {
	config *SchedulerConfig
	cycle  CycleFunc
	logger *zap.Logger
	onSkip func()

	inFlight    atomic.Bool
	running     atomic.Int32
	maxRunning  atomic.Int32
	skipped     atomic.Uint64
	completed   atomic.Uint64
	lastStarted atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

var ErrAlreadyStarted = errors.New("scheduler already started")

func NewScheduler(cfg *SchedulerConfig, cycle CycleFunc, l *zap.Logger) *Scheduler {
	return &Scheduler{
		config: cfg,
		cycle:  cycle,
		logger: l,
	}
}

// OnSkip registers a callback for ticks dropped while a cycle is in flight
func (s *Scheduler) OnSkip(f func()) {
	s.onSkip = f
}

// Start runs the scheduler in the background until Stop or a fatal cycle error
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		err := s.Run(runCtx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

// Done is closed once a started scheduler has exited
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Stop cancels the run context and waits for the in-flight cycle, giving up
// on it after ShutdownTimeout. It returns the fatal error that stopped the
// scheduler, if any.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Run blocks until ctx is cancelled or a cycle returns a fatal error. The
// first cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context) error {
	softCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	var wg sync.WaitGroup
	fatal := make(chan error, 1)

	s.logger.Sugar().Infow("Scheduler started", "interval", s.config.Interval)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.tick(softCtx, hardCtx, cancel, &wg, fatal)
	for {
		select {
		case <-softCtx.Done():
			s.drain(&wg, hardCancel)
			select {
			case err := <-fatal:
				s.logger.Sugar().Errorw("Fatal cycle error; scheduler stopped", "error", err)
				return err
			default:
			}
			s.logger.Sugar().Infow("Scheduler stopped", "completed", s.completed.Load(), "skipped", s.skipped.Load())
			return nil
		case <-ticker.C:
			s.tick(softCtx, hardCtx, cancel, &wg, fatal)
		}
	}
}

func (s *Scheduler) tick(ctx, hardCtx context.Context, stop context.CancelFunc, wg *sync.WaitGroup, fatal chan<- error) {
	if ctx.Err() != nil {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		skipped := s.skipped.Add(1)
		s.logger.Sugar().Debugw("Previous cycle still in flight; skipping tick", "skipped", skipped)
		if s.onSkip != nil {
			s.onSkip()
		}
		return
	}
	if ctx.Err() != nil {
		s.inFlight.Store(false)
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer s.inFlight.Store(false)

		n := s.running.Add(1)
		defer s.running.Add(-1)
		for {
			prev := s.maxRunning.Load()
			if n <= prev || s.maxRunning.CompareAndSwap(prev, n) {
				break
			}
		}
		s.lastStarted.Store(time.Now().UnixNano())

		err := s.cycle(ctx, hardCtx)
		s.completed.Add(1)
		if err != nil {
			select {
			case fatal <- err:
			default:
			}
			stop()
		}
	}()
}

// drain waits for the in-flight cycle. After ShutdownTimeout the hard context
// is cancelled so a pending confirmation wait returns; a cycle still running
// HardStopGrace later is abandoned.
func (s *Scheduler) drain(wg *sync.WaitGroup, hardCancel context.CancelFunc) {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-finished:
		return
	case <-timer.C:
	}

	s.logger.Sugar().Errorw("In-flight cycle did not finish before the shutdown deadline; cancelling its submission",
		"shutdownTimeout", s.config.ShutdownTimeout,
	)
	hardCancel()

	grace := s.config.HardStopGrace
	if grace <= 0 {
		grace = DefaultHardStopGrace
	}
	abandon := time.NewTimer(grace)
	defer abandon.Stop()
	select {
	case <-finished:
	case <-abandon.C:
		s.logger.Sugar().Errorw("In-flight cycle ignored cancellation; abandoning it",
			"hardStopGrace", grace,
		)
	}
}

// InFlight reports whether a cycle is running
func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// Skipped is the number of ticks dropped because a cycle was in flight
func (s *Scheduler) Skipped() uint64 {
	return s.skipped.Load()
}

// Completed is the number of cycles that have returned
func (s *Scheduler) Completed() uint64 {
	return s.completed.Load()
}

// MaxConcurrent is the highest number of cycles observed running at once
func (s *Scheduler) MaxConcurrent() int32 {
	return s.maxRunning.Load()
}

// LastStarted is when the most recent cycle began, zero before the first
func (s *Scheduler) LastStarted() time.Time {
	n := s.lastStarted.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
