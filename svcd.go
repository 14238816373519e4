// Package svcd embeds the service supervisor: a registry of named services
// loaded from JSON records, each running at most one child process with its
// output appended to a per-service log file.
package svcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/internal/env"
	"github.com/loykin/svcd/internal/history"
	"github.com/loykin/svcd/internal/history/factory"
	"github.com/loykin/svcd/internal/logger"
	"github.com/loykin/svcd/internal/logsink"
	"github.com/loykin/svcd/internal/metrics"
	"github.com/loykin/svcd/internal/registry"
	"github.com/loykin/svcd/internal/server"
	"github.com/loykin/svcd/internal/service"
)

// Re-export core types for external consumers.

type (
	Record      = config.Record
	ConfigError = config.ConfigError
	Status      = service.Status
	Phase       = service.Phase
	StopResult  = service.StopResult
	SpawnError  = service.SpawnError
	Entry       = registry.Entry
	HistorySink = history.Sink
	Event       = history.Event
)

const (
	Stopped    = service.Stopped
	NotRunning = service.NotRunning

	PhaseNotStarted = service.PhaseNotStarted
	PhaseRunning    = service.PhaseRunning
	PhaseStopped    = service.PhaseStopped
	PhaseFailed     = service.PhaseFailed
)

var (
	ErrAlreadyRunning = service.ErrAlreadyRunning
	ErrLogBusy        = service.ErrLogBusy
	ErrUnknownService = service.ErrUnknownService
	ErrSpawn          = service.ErrSpawn
	ErrUnreapable     = service.ErrUnreapable
	ErrConfig         = config.ErrConfig
)

// Options configures a Supervisor. ConfigDir and LogDir are required.
type Options struct {
	ConfigDir string
	LogDir    string
	// StopTimeout is the grace period between SIGTERM and SIGKILL (default 5s).
	StopTimeout time.Duration
	// StartProbe is how long Start waits for an immediate exit (default: one check).
	StartProbe time.Duration
	// Env holds "K=V" entries every service sees on top of the supervisor's
	// own environment.
	Env          []string
	Logger       *slog.Logger
	HistorySinks []HistorySink
}

// Supervisor is the embeddable facade over the service registry.
type Supervisor struct {
	reg      *registry.Registry
	recorder *history.Recorder
}

func New(opts Options) (*Supervisor, error) {
	if opts.LogDir == "" {
		return nil, errors.New("svcd: log dir is required")
	}
	log := logger.OrDefault(opts.Logger)
	base := env.New()
	base.FromOS()
	base = base.WithPairs(opts.Env)

	var rec *history.Recorder
	if len(opts.HistorySinks) > 0 {
		rec = history.NewRecorder(log, opts.HistorySinks...)
	}
	reg, err := registry.New(registry.Options{
		ConfigDir: opts.ConfigDir,
		Logs:      logsink.NewDir(opts.LogDir),
		Logger:    log,
		Service: service.Options{
			Env:         base,
			StopTimeout: opts.StopTimeout,
			StartProbe:  opts.StartProbe,
			Logger:      log,
			History:     rec,
		},
	})
	if err != nil {
		_ = rec.Close()
		return nil, err
	}
	return &Supervisor{reg: reg, recorder: rec}, nil
}

// Load reads every record and starts the enabled services. Per-record
// failures are joined in the returned error; the other services still load.
func (s *Supervisor) Load(ctx context.Context) error   { return s.reg.Load(ctx) }
func (s *Supervisor) Reload(ctx context.Context) error { return s.reg.Reload(ctx) }

// Watch reloads on config directory changes until ctx is done.
func (s *Supervisor) Watch(ctx context.Context) error {
	return s.reg.Watch(ctx, registry.DefaultDebounce)
}

func (s *Supervisor) Start(name string) (int, error) {
	svc, err := s.reg.Get(name)
	if err != nil {
		return 0, err
	}
	return svc.Start()
}

func (s *Supervisor) Stop(name string) (StopResult, error) {
	svc, err := s.reg.Get(name)
	if err != nil {
		return 0, err
	}
	return svc.Stop()
}

func (s *Supervisor) Restart(name string) (int, error) {
	svc, err := s.reg.Get(name)
	if err != nil {
		return 0, err
	}
	return svc.Restart()
}

func (s *Supervisor) Status(name string) (Status, error) {
	svc, err := s.reg.Get(name)
	if err != nil {
		return Status{}, err
	}
	return svc.Status(), nil
}

// TailLog returns the log bytes from offset and the next offset.
func (s *Supervisor) TailLog(name string, offset int64) ([]byte, int64, error) {
	svc, err := s.reg.Get(name)
	if err != nil {
		return nil, offset, err
	}
	return svc.TailLog(offset)
}

func (s *Supervisor) ClearLog(name string) error {
	svc, err := s.reg.Get(name)
	if err != nil {
		return err
	}
	return svc.ClearLog()
}

func (s *Supervisor) List() []Entry { return s.reg.List() }

// Update persists rec under name. A running service keeps its process; the
// new config applies on its next start.
func (s *Supervisor) Update(name string, rec Record) error {
	_, err := s.reg.Update(name, rec)
	return err
}

// Delete stops the service and removes its record; its log is kept.
func (s *Supervisor) Delete(name string) error { return s.reg.Delete(name) }

// Shutdown stops every service and flushes history.
func (s *Supervisor) Shutdown() error {
	err := s.reg.Shutdown()
	if cerr := s.recorder.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("close history: %w", cerr))
	}
	return err
}

// Handler returns the HTTP API under basePath, for mounting in any server/mux.
// The history endpoint is served when one of the sinks can read events back.
func (s *Supervisor) Handler(basePath string) http.Handler {
	var opts []server.Option
	for _, sink := range s.recorder.Sinks() {
		if r, ok := sink.(history.Reader); ok {
			opts = append(opts, server.WithHistory(r))
			break
		}
	}
	return server.NewRouter(s.reg, basePath, opts...).Handler()
}

// NewHistorySink opens a history sink from a DSN such as
// "sqlite:///var/lib/svcd/history.db" or "postgres://...".
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// RegisterMetrics registers the service collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
