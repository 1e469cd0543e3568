package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestEnqueueRunsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "t", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	st := &RunState{}
	release := make(chan struct{})
	started := make(chan struct{})
	var runs atomic.Int32

	task := Task{Name: "sched:1", State: st, Run: func(context.Context) error {
		if runs.Add(1) == 1 {
			close(started)
		}
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(task))
	<-started
	require.True(t, st.Busy())
	require.ErrorIs(t, s.Enqueue(task), ErrOverlapSkip)

	close(release)
	require.Eventually(t, func() bool { return !st.Busy() }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Enqueue(task))
	require.Eventually(t, func() bool { return runs.Load() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
}

func TestTimeoutCancelsTask(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, DefaultTimeout: 50 * time.Millisecond})
	errCh := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}}))
	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(5 * time.Second):
		t.Fatal("timeout not applied")
	}
	require.Eventually(t, func() bool {
		h := s.Snapshot().History
		return len(h) == 1 && h[0].Error != ""
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1})
	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("x") }}))
	ok := make(chan struct{})
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		close(ok)
		return nil
	}}))
	select {
	case <-ok:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrStopped)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1})
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Overlap: OverlapAllow, Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Overlap: OverlapAllow, Run: func(context.Context) error { return nil }}))
	require.ErrorIs(t, s.Enqueue(Task{Name: "c", Overlap: OverlapAllow, Run: func(context.Context) error { return nil }}), ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().Dropped)
}
