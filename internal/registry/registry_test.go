package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/internal/logsink"
	"github.com/loykin/svcd/internal/service"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type fixture struct {
	root string
	cfg  string
	logs string
	reg  *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, service.Options{StopTimeout: time.Second})
}

func newFixtureWith(t *testing.T, opts service.Options) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{root: root, cfg: filepath.Join(root, "services"), logs: filepath.Join(root, "logs")}
	require.NoError(t, os.MkdirAll(f.cfg, 0o755))
	reg, err := New(Options{
		ConfigDir: f.cfg,
		Logs:      logsink.NewDir(f.logs),
		Service:   opts,
	})
	require.NoError(t, err)
	f.reg = reg
	t.Cleanup(func() { _ = reg.Shutdown() })
	return f
}

func (f *fixture) write(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg, name+".json"), []byte(body), 0o644))
}

func (f *fixture) status(t *testing.T, name string) string {
	t.Helper()
	svc, err := f.reg.Get(name)
	require.NoError(t, err)
	return svc.Status().String()
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{Logs: logsink.NewDir(t.TempDir())})
	assert.Error(t, err)
	_, err = New(Options{ConfigDir: t.TempDir()})
	assert.Error(t, err)
}

func TestLoadAutoStartsEnabledEcho(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.write(t, "echo", `{"cmd":"echo hello","cwd":"`+f.root+`","env":{},"is_enabled":1}`)
	f.write(t, "idle", `{"cmd":"sleep 30","is_enabled":0}`)

	require.NoError(t, f.reg.Load(context.Background()))

	assert.Equal(t, "not started", f.status(t, "idle"))
	require.Eventually(t, func() bool { return f.status(t, "echo") == "stopped (code=0)" }, 5*time.Second, 10*time.Millisecond)

	svc, err := f.reg.Get("echo")
	require.NoError(t, err)
	b, next, err := svc.TailLog(0)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))
	assert.EqualValues(t, 6, next)
	_, err = os.Stat(filepath.Join(f.logs, "echo.log"))
	assert.NoError(t, err)
}

func TestLoadCollectsErrorsWithoutAborting(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.write(t, "a-broken", `{"cmd":`)
	f.write(t, "b-missing", `{"cmd":"/nonexistent/bin","cwd":"`+f.root+`","is_enabled":true}`)
	f.write(t, "c-good", `{"cmd":"sleep 30","cwd":"`+f.root+`","is_enabled":1}`)

	err := f.reg.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.ErrorIs(t, err, service.ErrSpawn)

	_, err = f.reg.Get("a-broken")
	assert.ErrorIs(t, err, service.ErrUnknownService)
	assert.True(t, strings.HasPrefix(f.status(t, "b-missing"), "failed ("))
	assert.True(t, strings.HasPrefix(f.status(t, "c-good"), "running (pid="))
}

func TestReloadUpdatesInPlaceWithoutRestart(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.write(t, "web", `{"cmd":"sleep 30","cwd":"`+f.root+`","is_enabled":1}`)
	require.NoError(t, f.reg.Load(context.Background()))
	svc, err := f.reg.Get("web")
	require.NoError(t, err)
	pid := svc.PID()
	require.Greater(t, pid, 0)

	f.write(t, "web", `{"cmd":"sleep 60","cwd":"`+f.root+`","is_enabled":1}`)
	f.write(t, "added", `{"cmd":"sleep 30","cwd":"`+f.root+`","is_enabled":1}`)
	require.NoError(t, f.reg.Reload(context.Background()))

	same, err := f.reg.Get("web")
	require.NoError(t, err)
	assert.Same(t, svc, same)
	assert.Equal(t, pid, same.PID())
	assert.Equal(t, "sleep 60", same.Config().Command)
	assert.True(t, strings.HasPrefix(f.status(t, "added"), "running (pid="))
}

func TestReloadDoesNotRestartStoppedAndKeepsVanished(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.write(t, "web", `{"cmd":"sleep 30","cwd":"`+f.root+`","is_enabled":1}`)
	require.NoError(t, f.reg.Load(context.Background()))
	svc, err := f.reg.Get("web")
	require.NoError(t, err)
	_, err = svc.Stop()
	require.NoError(t, err)

	require.NoError(t, f.reg.Reload(context.Background()))
	assert.Equal(t, "stopped (code=-15)", f.status(t, "web"))

	require.NoError(t, os.Remove(filepath.Join(f.cfg, "web.json")))
	require.NoError(t, f.reg.Reload(context.Background()))
	_, err = f.reg.Get("web")
	assert.NoError(t, err)
}

func TestUpdatePersistsAndDeleteForgets(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	svc, err := f.reg.Update("api", config.Record{Command: "sleep 30", Dir: f.root})
	require.NoError(t, err)
	_, err = svc.Start()
	require.NoError(t, err)

	rec, err := config.ReadRecord(f.cfg, "api")
	require.NoError(t, err)
	assert.Equal(t, "sleep 30", rec.Command)

	require.NoError(t, f.reg.Delete("api"))
	assert.False(t, svc.Alive())
	_, err = os.Stat(filepath.Join(f.cfg, "api.json"))
	assert.True(t, os.IsNotExist(err))

	_, err = f.reg.Get("api")
	assert.ErrorIs(t, err, service.ErrUnknownService)
	assert.ErrorIs(t, f.reg.Delete("api"), service.ErrUnknownService)
}

func TestDeleteRacingStartLeavesNoProcess(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	// Ignores SIGTERM, so the delete spends the whole grace period stopping it.
	svc, err := f.reg.Update("api", config.Record{Command: `sh -c "trap '' TERM; sleep 30"`, Dir: f.root})
	require.NoError(t, err)
	_, err = svc.Start()
	require.NoError(t, err)

	deleted := make(chan error, 1)
	go func() { deleted <- f.reg.Delete("api") }()
	time.Sleep(200 * time.Millisecond)

	_, err = svc.Start()
	assert.ErrorIs(t, err, service.ErrUnknownService)
	require.NoError(t, <-deleted)
	assert.False(t, svc.Alive())
	_, err = svc.Restart()
	assert.ErrorIs(t, err, service.ErrUnknownService)

	assert.Empty(t, f.reg.Names())
	require.NoError(t, f.reg.Reload(context.Background()))
	_, err = f.reg.Get("api")
	assert.ErrorIs(t, err, service.ErrUnknownService)

	fresh, err := f.reg.Update("api", config.Record{Command: "sleep 30", Dir: f.root})
	require.NoError(t, err)
	assert.NotSame(t, svc, fresh)
	assert.Equal(t, "not started", fresh.Status().String())
	assert.False(t, svc.Alive())
}

func TestFailedAutostartIsNotRetriedOnReload(t *testing.T) {
	requireUnix(t)
	f := newFixtureWith(t, service.Options{StopTimeout: time.Second, StartProbe: 500 * time.Millisecond})
	f.write(t, "flaky", `{"cmd":"sh -c \"echo attempt; exit 1\"","cwd":"`+f.root+`","is_enabled":true}`)

	err := f.reg.Load(context.Background())
	assert.ErrorIs(t, err, service.ErrSpawn)
	require.NoError(t, f.reg.Reload(context.Background()))
	require.NoError(t, f.reg.Reload(context.Background()))

	svc, err := f.reg.Get("flaky")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(svc.Status().String(), "failed"), svc.Status().String())
	b, _, err := svc.TailLog(0)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(b), "attempt"))

	// An explicit start still tries again.
	_, err = svc.Start()
	assert.ErrorIs(t, err, service.ErrSpawn)
	b, _, err = svc.TailLog(0)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "attempt"))

	// A record enabled after the initial load is started once by reload.
	f.write(t, "late", `{"cmd":"sleep 30","cwd":"`+f.root+`","is_enabled":true}`)
	require.NoError(t, f.reg.Reload(context.Background()))
	assert.True(t, strings.HasPrefix(f.status(t, "late"), "running"))
}

func TestUpdateRejectsInvalidRecord(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Update("../evil", config.Record{Command: "true"})
	assert.ErrorIs(t, err, config.ErrConfig)
	_, err = f.reg.Update("ok", config.Record{Command: " "})
	assert.ErrorIs(t, err, config.ErrConfig)
	assert.Empty(t, f.reg.Names())
}

func TestListSortedWithFields(t *testing.T) {
	f := newFixture(t)
	f.write(t, "zeta", `{"cmd":"sleep 1","cwd":"/srv/z","is_enabled":0}`)
	f.write(t, "alpha", `{"cmd":"run \"a b\"","cwd":"/srv/a","env":{"K":"v"},"is_enabled":0}`)
	require.NoError(t, f.reg.Load(context.Background()))

	list := f.reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, `run "a b"`, list[0].Command)
	assert.Equal(t, "/srv/a", list[0].WorkDir)
	assert.Equal(t, map[string]string{"K": "v"}, list[0].Env)
	assert.Equal(t, "not started", list[0].StatusText)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestShutdownStopsEverything(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	f.write(t, "a", `{"cmd":"sleep 30","cwd":"`+f.root+`","is_enabled":1}`)
	f.write(t, "b", `{"cmd":"sleep 30","cwd":"`+f.root+`","is_enabled":1}`)
	require.NoError(t, f.reg.Load(context.Background()))
	assert.Len(t, f.reg.PIDs(), 2)

	require.NoError(t, f.reg.Shutdown())
	assert.Empty(t, f.reg.PIDs())
	assert.Equal(t, "stopped (code=-15)", f.status(t, "a"))
	assert.Equal(t, "stopped (code=-15)", f.status(t, "b"))
}

func TestTestStart(t *testing.T) {
	requireUnix(t)
	f := newFixture(t)
	pid, err := f.reg.TestStart("sleep 30", f.root)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	pid2, err := f.reg.TestStart("sleep 31", f.root)
	require.NoError(t, err)
	assert.NotEqual(t, pid, pid2)
	rec, err := config.ReadRecord(f.cfg, TestServiceName)
	require.NoError(t, err)
	assert.Equal(t, "sleep 31", rec.Command)
	assert.True(t, rec.Enabled)
}

func TestLoadHonoursCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a", `{"cmd":"sleep 30"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.reg.Load(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestWatchReloadsOnRecordChange(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reg.Watch(ctx, 50*time.Millisecond) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher a moment to register before writing.
	require.Eventually(t, func() bool {
		f.write(t, "late", `{"cmd":"sleep 1","is_enabled":0}`)
		_, err := f.reg.Get("late")
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	f.write(t, "late", `{"cmd":"sleep 2","is_enabled":0}`)
	require.Eventually(t, func() bool {
		svc, err := f.reg.Get("late")
		return err == nil && svc.Config().Command == "sleep 2"
	}, 5*time.Second, 20*time.Millisecond)
}
