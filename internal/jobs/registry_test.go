package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/eventbus"
	"github.com/shashfrankenstien/self-scheduler/internal/task/engine"
	logx "github.com/shashfrankenstien/self-scheduler/pkg/logx"
)

func newEngine(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 2}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func newRegistry(t *testing.T, cfg Config, runner Runner, bus eventbus.Bus) *Registry {
	t.Helper()
	r := New(cfg, newEngine(t), runner, bus, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func noop() Runner {
	return RunnerFunc(func(context.Context, int64, Callable) error { return nil })
}

func TestRegisterAndRetire(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, noop(), nil)

	def := Definition{ScheduleID: 1, Every: "day", At: "08:00", Timezone: "UTC", Enabled: true, Callable: Callable{ProjectID: 3, EntryPointID: 4}}
	require.NoError(t, r.Register(def))
	err := r.Register(def)
	require.True(t, errdefs.IsDuplicate(err), "got %v", err)
	assert.True(t, errors.Is(err, errdefs.ErrDuplicateJob))

	info, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, "CRON_TZ=UTC 0 0 8 * * *", info.Spec)
	assert.Equal(t, int64(4), info.Callable.EntryPointID)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Retire(1))
	assert.False(t, r.Retire(1))
	assert.False(t, r.Retire(42))
	assert.Equal(t, 0, r.Len())
	_, ok = r.Get(1)
	assert.False(t, ok)

	// the id can be used again once retired
	require.NoError(t, r.Register(def))
}

func TestDeletedIDCannotBeRegistered(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, noop(), nil)
	def := Definition{ScheduleID: 3, Every: "hour", Enabled: true}
	require.NoError(t, r.Register(def))

	assert.True(t, r.Delete(3))
	assert.False(t, r.Delete(3))
	assert.Equal(t, 0, r.Len())
	assert.True(t, errdefs.IsNotFound(r.Register(def)))
	assert.Equal(t, 0, r.Len())
}

func TestRegisterRejectsBadRules(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, noop(), nil)

	err := r.Register(Definition{ScheduleID: 1, Every: "fortnight"})
	assert.True(t, errdefs.IsConfiguration(err))
	err = r.Register(Definition{ScheduleID: 2, Every: "day", Timezone: "Nowhere/Land"})
	assert.True(t, errdefs.IsConfiguration(err))
	assert.Equal(t, 0, r.Len())
}

func TestSetEnabled(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{}, noop(), nil)
	require.True(t, errdefs.IsNotFound(r.SetEnabled(9, true)))

	require.NoError(t, r.Register(Definition{ScheduleID: 9, Every: "hour"}))
	info, _ := r.Get(9)
	assert.False(t, info.Enabled)
	require.NoError(t, r.SetEnabled(9, true))
	info, _ = r.Get(9)
	assert.True(t, info.Enabled)
}

func TestEnabledJobFires(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	var gotCallable atomic.Value
	r := newRegistry(t, Config{}, RunnerFunc(func(_ context.Context, id int64, c Callable) error {
		gotCallable.Store(c)
		fired.Add(1)
		return nil
	}), nil)

	require.NoError(t, r.Register(Definition{ScheduleID: 5, Every: "second", Enabled: true, Callable: Callable{ProjectID: 1, EntryPointID: 2}}))
	r.Start()

	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, Callable{ProjectID: 1, EntryPointID: 2}, gotCallable.Load())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Next.IsZero())
}

func TestDisabledJobSkips(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	var fired atomic.Int32
	r := newRegistry(t, Config{}, RunnerFunc(func(context.Context, int64, Callable) error {
		fired.Add(1)
		return nil
	}), bus)
	require.NoError(t, r.Register(Definition{ScheduleID: 6, Every: "second", Enabled: false}))
	r.Start()

	deadline := time.After(5 * time.Second)
	for skipped := false; !skipped; {
		select {
		case ev := <-events:
			if fi, ok := ev.Data.(FireInfo); ok && ev.Type == eventbus.JobFired {
				require.Equal(t, OutcomeSkipped, fi.Outcome)
				skipped = true
			}
		case <-deadline:
			t.Fatal("no skipped firing observed")
		}
	}
	assert.Equal(t, int32(0), fired.Load())

	require.NoError(t, r.SetEnabled(6, true))
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestRetireCancelsInFlightFiring(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	stopped := make(chan error, 1)
	var fired atomic.Int32
	r := newRegistry(t, Config{}, RunnerFunc(func(ctx context.Context, _ int64, _ Callable) error {
		fired.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		select {
		case stopped <- ctx.Err():
		default:
		}
		return ctx.Err()
	}), nil)

	require.NoError(t, r.Register(Definition{ScheduleID: 7, Every: "second", Enabled: true}))
	r.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}
	info, ok := r.Get(7)
	require.True(t, ok)
	assert.True(t, info.Running)

	require.True(t, r.Retire(7))
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight firing not cancelled")
	}

	n := fired.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, n, fired.Load(), "retired job fired again")
}

func TestApplyTimezoneReschedulesDefaultZoneJobs(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, Config{Timezone: "UTC"}, noop(), nil)
	require.NoError(t, r.Register(Definition{ScheduleID: 1, Every: "day", At: "08:00"}))
	require.NoError(t, r.Register(Definition{ScheduleID: 2, Every: "day", At: "08:00", Timezone: "Asia/Tokyo"}))

	r.Apply(Config{Timezone: "America/New_York"})

	a, _ := r.Get(1)
	b, _ := r.Get(2)
	assert.Equal(t, "CRON_TZ=America/New_York 0 0 8 * * *", a.Spec)
	assert.Equal(t, "CRON_TZ=Asia/Tokyo 0 0 8 * * *", b.Spec)
}

func TestSlowFiringsDoNotHoldEngineWorkers(t *testing.T) {
	t.Parallel()
	var fast atomic.Int32
	r := newRegistry(t, Config{}, RunnerFunc(func(ctx context.Context, id int64, _ Callable) error {
		if id == 100 {
			fast.Add(1)
			return nil
		}
		<-ctx.Done()
		return ctx.Err()
	}), nil)

	// more slow jobs than engine workers
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, r.Register(Definition{ScheduleID: id, Every: "second", Enabled: true}))
	}
	r.Start()
	require.Eventually(t, func() bool {
		for _, info := range r.Snapshot() {
			if !info.Running {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, r.Register(Definition{ScheduleID: 100, Every: "second", Enabled: true}))
	require.Eventually(t, func() bool { return fast.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestOverlappingFiringIsSkipped(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	release := make(chan struct{})
	r := newRegistry(t, Config{}, RunnerFunc(func(ctx context.Context, _ int64, _ Callable) error {
		fired.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}), nil)
	require.NoError(t, r.Register(Definition{ScheduleID: 8, Every: "second", Enabled: true}))
	r.Start()

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	close(release)
	require.Eventually(t, func() bool { return fired.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestStopCancelsRunningFirings(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	var canceled atomic.Bool
	r := New(Config{}, newEngine(t), RunnerFunc(func(ctx context.Context, _ int64, _ Callable) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}), nil, logx.Nop())
	require.NoError(t, r.Register(Definition{ScheduleID: 9, Every: "second", Enabled: true}))
	r.Start()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Stop(ctx)
	assert.True(t, canceled.Load())
}
