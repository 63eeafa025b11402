package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRunner tracks how many Run calls are live at once.
type countingRunner struct {
	live    atomic.Int32
	maxLive atomic.Int32
	starts  atomic.Int32
	linger  time.Duration
}

func (r *countingRunner) Run(ctx context.Context, stop <-chan struct{}) {
	r.starts.Add(1)
	n := r.live.Add(1)
	for {
		m := r.maxLive.Load()
		if n <= m || r.maxLive.CompareAndSwap(m, n) {
			break
		}
	}
	defer r.live.Add(-1)

	select {
	case <-stop:
	case <-ctx.Done():
	}
	// Simulates the in-flight iteration finishing after stop.
	time.Sleep(r.linger)
}

func waitStopped(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.Eventually(t, func() bool { return s.State() == Stopped }, time.Second, time.Millisecond)
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	r := &countingRunner{}
	s := New(context.Background(), r)

	assert.True(t, s.Start())
	assert.False(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Equal(t, "running", s.State().String())

	require.Eventually(t, func() bool { return r.starts.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, s.Stop())
	waitStopped(t, s)
	assert.Equal(t, int32(1), r.starts.Load())
}

func TestSupervisor_StopWhenStopped(t *testing.T) {
	s := New(context.Background(), &countingRunner{})
	assert.False(t, s.Stop())
	assert.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, Stopped, s.State())
}

func TestSupervisor_StartWhileStoppingIsRefused(t *testing.T) {
	r := &countingRunner{linger: 200 * time.Millisecond}
	s := New(context.Background(), r)

	require.True(t, s.Start())
	require.Eventually(t, func() bool { return r.live.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, s.Stop())
	assert.Equal(t, Stopping, s.State())

	begin := time.Now()
	err := s.TryStart()
	assert.ErrorIs(t, err, ErrStopping)
	assert.Less(t, time.Since(begin), 100*time.Millisecond, "TryStart blocked on the stopping run")
	assert.False(t, s.Start())

	waitStopped(t, s)
	require.NoError(t, s.TryStart())
	require.Eventually(t, func() bool { return r.starts.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), r.maxLive.Load(), "two runs overlapped")
	assert.ErrorIs(t, s.TryStart(), ErrAlreadyRunning)

	s.Stop()
	waitStopped(t, s)
}

func TestSupervisor_ConcurrentToggles(t *testing.T) {
	r := &countingRunner{linger: time.Millisecond}
	s := New(context.Background(), r)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); s.Start() }()
		go func() { defer wg.Done(); s.Stop() }()
	}
	wg.Wait()

	s.Stop()
	waitStopped(t, s)
	assert.Equal(t, int32(1), r.maxLive.Load())
	assert.Equal(t, int32(0), r.live.Load())
}

func TestSupervisor_ContextCancelEndsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, &countingRunner{})

	require.True(t, s.Start())
	cancel()
	waitStopped(t, s)
	assert.False(t, s.IsRunning())

	// The loop exited on its own; Stop has nothing to do.
	assert.False(t, s.Stop())
}
