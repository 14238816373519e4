package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcd",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcd",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops of a live service (graceful or kill).",
		}, []string{"name"},
	)
	serviceKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcd",
			Subsystem: "service",
			Name:      "kills_total",
			Help:      "Number of stops that escalated to SIGKILL.",
		}, []string{"name"},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcd",
			Subsystem: "service",
			Name:      "spawn_failures_total",
			Help:      "Number of start attempts that failed to spawn or exited immediately.",
		}, []string{"name"},
	)
	serviceExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcd",
			Subsystem: "service",
			Name:      "exits_total",
			Help:      "Number of observed process exits by exit code (negative for signals).",
		}, []string{"name", "code"},
	)
	serviceRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcd",
			Subsystem: "service",
			Name:      "running",
			Help:      "1 while the service has a live process, else 0.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, serviceKills, spawnFailures, serviceExits, serviceRunning}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, e.g. a private registry in tests.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// The helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncKill(name string) {
	if regOK.Load() {
		serviceKills.WithLabelValues(name).Inc()
	}
}

func IncSpawnFailure(name string) {
	if regOK.Load() {
		spawnFailures.WithLabelValues(name).Inc()
	}
}

func IncExit(name string, code int) {
	if regOK.Load() {
		serviceExits.WithLabelValues(name, strconv.Itoa(code)).Inc()
	}
}

func SetRunning(name string, running bool) {
	if regOK.Load() {
		v := 0.0
		if running {
			v = 1
		}
		serviceRunning.WithLabelValues(name).Set(v)
	}
}

// Forget drops every per-service series for name, used when a service is deleted.
func Forget(name string) {
	if !regOK.Load() {
		return
	}
	for _, vec := range []*prometheus.CounterVec{serviceStarts, serviceStops, serviceKills, spawnFailures} {
		vec.DeleteLabelValues(name)
	}
	serviceExits.DeletePartialMatch(prometheus.Labels{"name": name})
	serviceRunning.DeleteLabelValues(name)
}
