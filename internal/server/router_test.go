package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/internal/logsink"
	"github.com/loykin/svcd/internal/metrics"
	"github.com/loykin/svcd/internal/registry"
	"github.com/loykin/svcd/internal/service"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func setupRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	reg, err := registry.New(registry.Options{
		ConfigDir: filepath.Join(root, "services"),
		Logs:      logsink.NewDir(filepath.Join(root, "logs")),
		Service:   service.Options{StopTimeout: time.Second},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown() })
	return reg
}

func setupRouter(t *testing.T, base string, opts ...Option) (http.Handler, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := setupRegistry(t)
	return NewRouter(reg, base, opts...).Handler(), reg
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func statusText(t *testing.T, h http.Handler, name string) string {
	t.Helper()
	rec := doReq(t, h, http.MethodGet, "/api/services/"+name+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[statusResp](t, rec).Text
}

func TestServiceLifecycleOverHTTP(t *testing.T) {
	requireUnix(t)
	h, _ := setupRouter(t, "/api/")

	rec := doReq(t, h, http.MethodPut, "/api/services/web", `{"cmd": "sleep 30", "is_enabled": 0}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entry := decode[registry.Entry](t, rec)
	assert.Equal(t, "sleep 30", entry.Command)
	assert.False(t, entry.Enabled)
	assert.Equal(t, "not started", statusText(t, h, "web"))

	rec = doReq(t, h, http.MethodPost, "/api/services/web/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pid := decode[pidResp](t, rec).PID
	assert.Positive(t, pid)
	assert.Equal(t, "running (pid="+strconv.Itoa(pid)+")", statusText(t, h, "web"))

	rec = doReq(t, h, http.MethodPost, "/api/services/web/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/services/web/log", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "stop the service first")

	rec = doReq(t, h, http.MethodPost, "/api/services/web/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"result":"stopped"}`, rec.Body.String())
	assert.Equal(t, "stopped (code=-15)", statusText(t, h, "web"))

	rec = doReq(t, h, http.MethodPost, "/api/services/web/stop", nil)
	assert.JSONEq(t, `{"result":"not running"}`, rec.Body.String())

	rec = doReq(t, h, http.MethodDelete, "/api/services/web/log", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/services/web/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEqual(t, pid, decode[pidResp](t, rec).PID)
}

func TestUnknownAndInvalidNames(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/services/nope"},
		{http.MethodPost, "/api/services/nope/start"},
		{http.MethodPost, "/api/services/nope/stop"},
		{http.MethodGet, "/api/services/nope/log"},
		{http.MethodDelete, "/api/services/nope"},
	} {
		rec := doReq(t, h, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
		assert.Contains(t, decode[errorResp](t, rec).Error, "unknown service")
	}

	rec := doReq(t, h, http.MethodGet, "/api/services/a..b", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutRejectsInvalidRecords(t *testing.T) {
	h, reg := setupRouter(t, "/api")
	cases := map[string]string{
		"empty cmd":     `{"cmd": "  "}`,
		"missing cmd":   `{"cwd": "/tmp"}`,
		"unknown field": `{"cmd": "true", "autorestart": true}`,
		"bad enabled":   `{"cmd": "true", "is_enabled": "yes"}`,
		"relative cwd":  `{"cmd": "true", "cwd": "rel/dir"}`,
		"not json":      `cmd=true`,
	}
	for name, body := range cases {
		rec := doReq(t, h, http.MethodPut, "/api/services/bad", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name+": "+rec.Body.String())
	}
	assert.Empty(t, reg.Names())
	_, err := os.Stat(config.RecordPath(reg.ConfigDir(), "bad"))
	assert.True(t, os.IsNotExist(err))
}

func TestLogCursorOverHTTP(t *testing.T) {
	requireUnix(t)
	h, reg := setupRouter(t, "/api")
	require.NoError(t, config.WriteRecord(reg.ConfigDir(), config.Record{Name: "hello", Command: "echo hello", Enabled: true}))
	rec := doReq(t, h, http.MethodPost, "/api/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"errors":[]}`, rec.Body.String())

	require.Eventually(t, func() bool {
		return statusText(t, h, "hello") == "stopped (code=0)"
	}, 3*time.Second, 20*time.Millisecond)

	rec = doReq(t, h, http.MethodGet, "/api/services/hello/log", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello\n", rec.Body.String())
	assert.Equal(t, "6", rec.Header().Get(NextOffsetHeader))
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	rec = doReq(t, h, http.MethodGet, "/api/services/hello/log?offset=6", nil)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "6", rec.Header().Get(NextOffsetHeader))

	rec = doReq(t, h, http.MethodGet, "/api/services/hello/log?offset=2&max=3", nil)
	assert.Equal(t, "llo", rec.Body.String())
	assert.Equal(t, "5", rec.Header().Get(NextOffsetHeader))

	rec = doReq(t, h, http.MethodGet, "/api/services/hello/log?offset=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogCursorAdvancesOverSplitRunes(t *testing.T) {
	requireUnix(t)
	h, reg := setupRouter(t, "/api")
	// a, é (2 bytes), b, then a lone lead byte at the end of the log.
	_, err := reg.Update("mb", config.Record{Command: `sh -c "printf 'a\303\251b\303'; sleep 0.2"`})
	require.NoError(t, err)
	rec := doReq(t, h, http.MethodPost, "/api/services/mb/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool {
		return statusText(t, h, "mb") == "stopped (code=0)"
	}, 3*time.Second, 20*time.Millisecond)

	cases := []struct {
		query string
		body  string
		next  string
	}{
		{"offset=0&max=2", "a", "1"},
		{"offset=1&max=2", "é", "3"},
		{"offset=1&max=1", "\uFFFD", "2"},
		{"offset=3", "b\uFFFD", "5"},
		{"offset=4&max=1", "\uFFFD", "5"},
		{"offset=5&max=1", "", "5"},
	}
	for _, tc := range cases {
		rec := doReq(t, h, http.MethodGet, "/api/services/mb/log?"+tc.query, nil)
		require.Equal(t, http.StatusOK, rec.Code, tc.query)
		assert.Equal(t, tc.body, rec.Body.String(), tc.query)
		assert.Equal(t, tc.next, rec.Header().Get(NextOffsetHeader), tc.query)
	}
}

func TestSpawnFailureIs422(t *testing.T) {
	requireUnix(t)
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodPut, "/api/services/broken", `{"cmd": "/nonexistent/binary --flag"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/api/services/broken/start", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, decode[errorResp](t, rec).Error, "broken")
	assert.True(t, strings.HasPrefix(statusText(t, h, "broken"), "failed ("))
}

func TestReloadReportsEachBadRecord(t *testing.T) {
	h, reg := setupRouter(t, "/api")
	dir := reg.ConfigDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"cmd": "true"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.json"), []byte(`{"cmd": `), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.json"), []byte(`{"cwd": "/tmp"}`), 0o644))

	rec := doReq(t, h, http.MethodPost, "/api/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[reloadResp](t, rec)
	require.Len(t, got.Errors, 2)
	assert.Contains(t, got.Errors[0], "config b")
	assert.Contains(t, got.Errors[1], "config c")
	assert.Equal(t, []string{"a"}, reg.Names())
}

func TestBatchStartStop(t *testing.T) {
	requireUnix(t)
	h, reg := setupRouter(t, "/api")
	for _, n := range []string{"a", "b"} {
		_, err := reg.Update(n, config.Record{Command: "sleep 30"})
		require.NoError(t, err)
	}

	rec := doReq(t, h, http.MethodPost, "/api/start?name=a,b,missing", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[[]BatchResult](t, rec)
	require.Len(t, res, 3)
	assert.Equal(t, "started", res[0].Result)
	assert.Positive(t, res[0].PID)
	assert.Equal(t, "started", res[1].Result)
	assert.Equal(t, "missing", res[2].Name)
	assert.Contains(t, res[2].Error, "unknown service")

	rec = doReq(t, h, http.MethodPost, "/api/start?name=a", nil)
	res = decode[[]BatchResult](t, rec)
	assert.Contains(t, res[0].Error, "already running")

	rec = doReq(t, h, http.MethodPost, "/api/stop?name=a,b", nil)
	res = decode[[]BatchResult](t, rec)
	require.Len(t, res, 2)
	assert.Equal(t, "stopped", res[0].Result)
	assert.Equal(t, "stopped", res[1].Result)

	rec = doReq(t, h, http.MethodPost, "/api/stop", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTestStartAndDelete(t *testing.T) {
	requireUnix(t)
	h, reg := setupRouter(t, "/api")
	dir := t.TempDir()

	rec := doReq(t, h, http.MethodPost, "/api/test_start", testStartReq{Cmd: "sleep 30", Cwd: dir})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Positive(t, decode[pidResp](t, rec).PID)

	rec = doReq(t, h, http.MethodGet, "/api/services/"+registry.TestServiceName, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entry := decode[registry.Entry](t, rec)
	assert.Equal(t, dir, entry.WorkDir)
	assert.Equal(t, "running", entry.Status.Phase.String())

	rec = doReq(t, h, http.MethodPost, "/api/test_start", testStartReq{Cmd: "true", Cwd: "rel"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/services/"+registry.TestServiceName, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = doReq(t, h, http.MethodGet, "/api/services/"+registry.TestServiceName, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, err := os.Stat(config.RecordPath(reg.ConfigDir(), registry.TestServiceName))
	assert.True(t, os.IsNotExist(err))
}

func TestListSorted(t *testing.T) {
	h, reg := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/services", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, n := range []string{"zeta", "alpha"} {
		_, err := reg.Update(n, config.Record{Command: "true"})
		require.NoError(t, err)
	}
	rec = doReq(t, h, http.MethodGet, "/services", nil)
	list := decode[[]registry.Entry](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "not started", list[1].StatusText)
}

func TestProcessEndpoints(t *testing.T) {
	h, _ := setupRouter(t, "/api")

	rec := doReq(t, h, http.MethodGet, "/api/processes", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	self := strconv.Itoa(os.Getpid())
	rec = doReq(t, h, http.MethodGet, "/api/processes?cmd="+self, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	found := decode[[]map[string]any](t, rec)
	require.Len(t, found, 1)
	assert.EqualValues(t, os.Getpid(), found[0]["pid"])

	rec = doReq(t, h, http.MethodPost, "/api/processes/terminate?pid=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/api/processes/terminate?pid="+self, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "refusing")
}

func TestOptionalEndpoints(t *testing.T) {
	requireUnix(t)
	h, reg := setupRouter(t, "/api")
	_, err := reg.Update("s", config.Record{Command: "sleep 30"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotImplemented, doReq(t, h, http.MethodGet, "/api/services/s/history", nil).Code)
	assert.Equal(t, http.StatusNotImplemented, doReq(t, h, http.MethodGet, "/api/services/s/resources", nil).Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/metrics", nil).Code)

	sampler := metrics.NewSampler(time.Minute, nil)
	h = NewRouter(reg, "/api",
		WithSampler(sampler),
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })),
	).Handler()

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/api/services/s/resources", nil).Code)
	svc, err := reg.Get("s")
	require.NoError(t, err)
	pid, err := svc.Start()
	require.NoError(t, err)
	sampler.Collect(reg.PIDs())

	rec := doReq(t, h, http.MethodGet, "/api/services/s/resources", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, pid, decode[metrics.Usage](t, rec).PID)

	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{service.ErrUnknownService, http.StatusNotFound},
		{service.ErrAlreadyRunning, http.StatusConflict},
		{service.ErrLogBusy, http.StatusConflict},
		{&service.SpawnError{Name: "x", Exited: true, Code: 1}, http.StatusUnprocessableEntity},
		{&config.ConfigError{Name: "x", Err: os.ErrInvalid}, http.StatusBadRequest},
		{os.ErrPermission, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), c.err.Error())
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer("127.0.0.1:0", http.NotFoundHandler())
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)
	require.NoError(t, srv.Close())
}
