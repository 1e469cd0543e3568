package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shashfrankenstien/self-scheduler/internal/config"
	"github.com/shashfrankenstien/self-scheduler/internal/errdefs"
	"github.com/shashfrankenstien/self-scheduler/internal/storage"
)

func writeConfig(t *testing.T, dir, tz string) string {
	t.Helper()
	path := filepath.Join(dir, "selfsched.yaml")
	body := strings.Join([]string{
		"logging:",
		"  level: error",
		"workspace:",
		"  root: " + filepath.Join(dir, "ws"),
		"storage:",
		"  path: " + filepath.Join(dir, "selfsched.db"),
		"scheduler:",
		"  enabled: true",
		"  timezone: " + tz,
		"sync:",
		"  poll_interval: 100ms",
		"http:",
		"  enabled: false",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Storage.Path = ""
	_, err := New(nil, cfg)
	assert.True(t, errdefs.IsConfiguration(err), "got %v", err)
}

func TestOneShotUse(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgm := config.NewConfigManager(writeConfig(t, dir, "UTC"))
	cfg, err := cfgm.Load()
	require.NoError(t, err)

	a, err := New(cfgm, cfg)
	require.NoError(t, err)
	ctx := context.Background()
	u, err := a.Service().CreateUser(ctx, "me@example.com", "")
	require.NoError(t, err)
	_, err = a.Service().CreateProject(ctx, u.ID, "demo")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// a second process sees the rows
	b, err := New(cfgm, cfg)
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	projects, err := b.Service().ListProjects(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "demo", projects[0].Name)
}

func TestStartLoadsSchedulesAndHotReloadsTimezone(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "UTC")
	cfgm := config.NewConfigManager(path)
	cfg, err := cfgm.Load()
	require.NoError(t, err)

	// persist a schedule with one app, start a fresh one
	seed, err := New(cfgm, cfg)
	require.NoError(t, err)
	ctx := context.Background()
	u, err := seed.Service().CreateUser(ctx, "me@example.com", "")
	require.NoError(t, err)
	p, err := seed.Service().CreateProject(ctx, u.ID, "demo")
	require.NoError(t, err)
	eps, err := seed.Service().ListEntryPoints(ctx, p.ID)
	require.NoError(t, err)
	rec, err := seed.Service().ScheduleCreate(ctx, storage.NewSchedule{EntryPointID: eps[0].ID, Every: "day", At: "08:00", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	a, err := New(cfgm, cfg)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, a.Start(runCtx))
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopAppStop)
	}()

	info, ok := a.Service().Registry().Get(rec.ID)
	require.True(t, ok)
	assert.Contains(t, info.Spec, "CRON_TZ=UTC")
	assert.False(t, info.Next.IsZero())

	time.Sleep(300 * time.Millisecond)
	writeConfig(t, dir, "Asia/Tokyo")
	require.Eventually(t, func() bool {
		info, ok := a.Service().Registry().Get(rec.ID)
		return ok && strings.Contains(info.Spec, "CRON_TZ=Asia/Tokyo")
	}, 5*time.Second, 50*time.Millisecond)
}
