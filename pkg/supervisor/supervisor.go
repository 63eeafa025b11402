package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dotsetgreg/dotrelay/pkg/logger"
	"github.com/dotsetgreg/dotrelay/pkg/metrics"
)

type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

var (
	ErrAlreadyRunning = errors.New("poller already running")
	// ErrStopping means the previous run has not exited yet; retry later.
	ErrStopping = errors.New("poller is stopping")
)

// Runner is a loop that returns once stop is closed or ctx is done.
type Runner interface {
	Run(ctx context.Context, stop <-chan struct{})
}

// Supervisor keeps at most one instance of a Runner alive. Start and Stop
// are safe to call from any goroutine.
type Supervisor struct {
	ctx    context.Context
	runner Runner
	state  atomic.Int32

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New binds the supervisor to ctx; cancelling it ends any running loop.
func New(ctx context.Context, runner Runner) *Supervisor {
	return &Supervisor{ctx: ctx, runner: runner}
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) IsRunning() bool { return s.State() == Running }

// Start launches the runner on its own goroutine and reports whether it did.
func (s *Supervisor) Start() bool { return s.TryStart() == nil }

// TryStart is Start with the reason for not starting. It never blocks: while
// the previous run is still stopping it returns ErrStopping.
func (s *Supervisor) TryStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State() {
	case Running:
		logger.InfoC("supervisor", "Poller already running")
		return ErrAlreadyRunning
	case Stopping:
		logger.InfoC("supervisor", "Poller still stopping, start refused")
		return ErrStopping
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done
	s.state.Store(int32(Running))
	metrics.PollerRunning.Set(1)
	logger.InfoC("supervisor", "Poller started")

	go func() {
		defer close(done)
		s.runner.Run(s.ctx, stop)

		s.mu.Lock()
		if s.done == done {
			s.state.Store(int32(Stopped))
			metrics.PollerRunning.Set(0)
		}
		s.mu.Unlock()
		logger.InfoC("supervisor", "Poller exited")
	}()
	return nil
}

// Stop signals the running loop to exit after its current iteration and
// returns without waiting. It returns false when nothing was running.
func (s *Supervisor) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != Running {
		logger.InfoC("supervisor", "Poller not running")
		return false
	}
	s.state.Store(int32(Stopping))
	close(s.stop)
	logger.InfoC("supervisor", "Poller stop requested")
	return true
}

// Wait blocks until the current run has exited or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
