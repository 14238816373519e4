package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	serviceStarts.Reset()
	IncStart("early")
	assert.Equal(t, 0, testutil.CollectAndCount(serviceStarts))
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
	for _, v := range []*prometheus.CounterVec{serviceStarts, serviceStops, serviceKills, spawnFailures, serviceExits} {
		v.Reset()
	}

	IncStart("a")
	IncStart("a")
	IncStop("a")
	IncKill("a")
	IncSpawnFailure("b")
	IncExit("a", 0)
	IncExit("a", -9)
	SetRunning("a", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(serviceStarts.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceKills.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceExits.WithLabelValues("a", "-9")))
	assert.Equal(t, 1.0, testutil.ToFloat64(serviceRunning.WithLabelValues("a")))

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"svcd_service_starts_total",
		"svcd_service_stops_total",
		"svcd_service_kills_total",
		"svcd_service_spawn_failures_total",
		"svcd_service_exits_total",
		"svcd_service_running",
	} {
		assert.True(t, names[want], want)
	}

	Forget("a")
	assert.Equal(t, 0, testutil.CollectAndCount(serviceExits))
	assert.Equal(t, 0, testutil.CollectAndCount(serviceRunning))
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	IncStart("x")

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), `svcd_service_starts_total{name="x"}`)
}

func TestSamplerCollectsOwnProcess(t *testing.T) {
	s := NewSampler(time.Second, nil)
	reg := prometheus.NewRegistry()
	require.NoError(t, s.Register(reg))
	require.NoError(t, s.Register(reg))

	s.Collect(map[string]int{"self": os.Getpid(), "bogus": 0})
	u, ok := s.Latest("self")
	require.True(t, ok)
	assert.Equal(t, int32(os.Getpid()), u.PID)
	assert.Greater(t, u.MemoryRSS, uint64(0))
	_, ok = s.Latest("bogus")
	assert.False(t, ok)
	assert.Equal(t, 1, testutil.CollectAndCount(s.rss))

	s.Collect(map[string]int{})
	_, ok = s.Latest("self")
	assert.False(t, ok)
	assert.Equal(t, 0, testutil.CollectAndCount(s.rss))
}
