// Package service implements one supervised service: its current config,
// at most one live process, and the start/stop/status/log operations.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svcd/internal/cmdline"
	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/internal/env"
	"github.com/loykin/svcd/internal/history"
	"github.com/loykin/svcd/internal/logger"
	"github.com/loykin/svcd/internal/logsink"
	"github.com/loykin/svcd/internal/metrics"
	"github.com/loykin/svcd/internal/process"
)

// maxCapture bounds the output attached to a SpawnError.
const maxCapture = 64 << 10

// Options are shared by every service of a registry.
type Options struct {
	// Env is the base environment; nil means the supervisor's own.
	Env *env.Env
	// StopTimeout is the SIGTERM grace period; zero means process.DefaultGrace.
	StopTimeout time.Duration
	// StartProbe is how long Start watches a new process for an immediate
	// exit. Zero is a single non-blocking check.
	StartProbe time.Duration
	Logger     *slog.Logger
	History    *history.Recorder
}

// Service owns the config and the current process of one named service.
//
// Lock order: ctl, then mu. ctl serializes control operations (start, stop,
// restart, clear log) and may be held while a process is stopping. mu
// guards the fields below and is only held briefly, so Status never waits
// for a stop in progress.
type Service struct {
	name string
	sink *logsink.Sink
	opts Options
	log  *slog.Logger

	ctl     sync.Mutex
	retired bool // guarded by ctl

	mu      sync.RWMutex
	cfg     config.Record
	proc    *process.Process
	failure string
	started bool
	auto    bool
	noted   *process.Process
}

// New returns a service in the not started state. rec.Name is the service name.
func New(rec config.Record, sink *logsink.Sink, opts Options) *Service {
	if opts.Env == nil {
		e := env.New()
		e.FromOS()
		opts.Env = e
	}
	return &Service{
		name: rec.Name,
		sink: sink,
		opts: opts,
		log:  logger.OrDefault(opts.Logger).With("service", rec.Name),
		cfg:  rec,
	}
}

func (s *Service) Name() string { return s.name }

func (s *Service) Config() config.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// UpdateConfig replaces the config. A running process keeps its old
// command, directory and environment; the next Start uses rec.
func (s *Service) UpdateConfig(rec config.Record) {
	rec.Name = s.name
	s.mu.Lock()
	s.cfg = rec
	s.mu.Unlock()
}

// ClaimAutostart reports true the first time it is called, so a service is
// started automatically at most once.
func (s *Service) ClaimAutostart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auto {
		return false
	}
	s.auto = true
	return true
}

// EverStarted reports whether any Start of this service has succeeded.
func (s *Service) EverStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Alive reports whether the current process is running.
func (s *Service) Alive() bool {
	s.mu.RLock()
	p := s.proc
	s.mu.RUnlock()
	return p != nil && p.Alive()
}

// PID returns the pid of the live process, or 0.
func (s *Service) PID() int {
	s.mu.RLock()
	p := s.proc
	s.mu.RUnlock()
	if p == nil || !p.Alive() {
		return 0
	}
	return p.PID()
}

func (s *Service) Status() Status {
	s.mu.RLock()
	p, failure := s.proc, s.failure
	s.mu.RUnlock()

	switch {
	case p != nil && p.Alive():
		return Status{Phase: PhaseRunning, PID: p.PID(), StartedAt: p.StartedAt()}
	case p != nil:
		st := p.Exit()
		code := st.Code
		return Status{Phase: PhaseStopped, PID: p.PID(), Code: &code, StartedAt: p.StartedAt(), ExitedAt: st.At}
	case failure != "":
		return Status{Phase: PhaseFailed, Reason: failure}
	}
	return Status{Phase: PhaseNotStarted}
}

// Start spawns the configured command and returns its pid.
func (s *Service) Start() (int, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.start()
}

func (s *Service) start() (int, error) {
	if s.retired {
		return 0, fmt.Errorf("%q: %w", s.name, ErrUnknownService)
	}
	s.mu.RLock()
	cur, cfg := s.proc, s.cfg
	s.mu.RUnlock()
	if cur != nil && cur.Alive() {
		return 0, fmt.Errorf("%s: %w", s.name, ErrAlreadyRunning)
	}

	args, err := cmdline.Split(cfg.Command)
	if err != nil {
		return 0, s.fail(&SpawnError{Name: s.name, Err: err})
	}
	before, err := s.sink.Size()
	if err != nil {
		return 0, s.fail(&SpawnError{Name: s.name, Err: err})
	}
	spec := process.Spec{
		Name: s.name,
		Args: args,
		Dir:  cfg.WorkDir(),
		Env:  s.opts.Env.Merge(cfg.Env),
	}
	p, err := process.Spawn(spec, s.sink, process.Options{Logger: s.log, OnExit: s.onExit})
	if err != nil {
		return 0, s.fail(err)
	}

	if s.exitedDuringProbe(p) {
		p.Release()
		out, _, _ := s.sink.ReadChunk(before, maxCapture)
		return 0, s.fail(&SpawnError{
			Name:   s.name,
			Exited: true,
			Code:   p.Exit().Code,
			Output: logsink.Decode(out),
		})
	}

	metrics.IncStart(s.name)
	metrics.SetRunning(s.name, true)
	s.opts.History.Record(history.Event{Type: history.EventStart, Service: s.name, PID: p.PID()})
	s.log.Info("service started", "pid", p.PID(), "args", args)

	s.mu.Lock()
	s.proc = p
	s.failure = ""
	s.started = true
	s.mu.Unlock()
	// The watcher skips processes that are not yet current.
	if !p.Alive() {
		s.noteExit(p)
	}
	return p.PID(), nil
}

func (s *Service) exitedDuringProbe(p *process.Process) bool {
	if s.opts.StartProbe <= 0 {
		select {
		case <-p.Done():
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(s.opts.StartProbe)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return false
	}
}

// fail records a failed start attempt; the previous process, if any, is
// discarded.
func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.proc = nil
	s.failure = err.Error()
	s.mu.Unlock()

	metrics.IncSpawnFailure(s.name)
	metrics.SetRunning(s.name, false)
	ev := history.Event{Type: history.EventSpawnFailed, Service: s.name, Detail: err.Error()}
	var se *SpawnError
	if errors.As(err, &se) && se.Exited {
		ev.Code = history.IntPtr(se.Code)
	}
	s.opts.History.Record(ev)
	s.log.Warn("service failed to start", "error", err)
	return err
}

// Stop terminates the live process. NotRunning is returned, without error,
// when there is nothing to stop.
func (s *Service) Stop() (StopResult, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return s.stop()
}

func (s *Service) stop() (StopResult, error) {
	s.mu.RLock()
	p := s.proc
	s.mu.RUnlock()
	if p == nil || p.Release() {
		return NotRunning, nil
	}

	outcome, err := p.Stop(s.opts.StopTimeout)
	if err != nil {
		s.log.Error("service could not be reaped", "pid", p.PID(), "error", err)
		return 0, err
	}
	if outcome == process.OutcomeExited {
		return NotRunning, nil
	}

	st := p.Exit()
	metrics.IncStop(s.name)
	if outcome == process.OutcomeKilled {
		metrics.IncKill(s.name)
	}
	metrics.SetRunning(s.name, false)
	s.opts.History.Record(history.Event{
		Type: history.EventStop, Service: s.name, PID: p.PID(),
		Code: history.IntPtr(st.Code), Detail: outcome.String(),
	})
	s.log.Info("service stopped", "pid", p.PID(), "outcome", outcome.String(), "code", st.Code)
	return Stopped, nil
}

// Retire stops the service for good. Starts that were waiting on it, and
// any later ones, fail with ErrUnknownService.
func (s *Service) Retire() (StopResult, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.retired = true
	return s.stop()
}

// Restart stops the service if it is running and starts it again.
func (s *Service) Restart() (int, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if _, err := s.stop(); err != nil {
		return 0, err
	}
	return s.start()
}

// TailLog returns log bytes from offset and the offset to read from next.
func (s *Service) TailLog(offset int64) ([]byte, int64, error) {
	return s.sink.ReadFrom(offset)
}

// TailLogChunk is TailLog bounded to max bytes.
func (s *Service) TailLogChunk(offset, max int64) ([]byte, int64, error) {
	return s.sink.ReadChunk(offset, max)
}

// ClearLog truncates the log. It fails with ErrLogBusy while the service runs.
func (s *Service) ClearLog() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.RLock()
	p := s.proc
	s.mu.RUnlock()
	if p != nil && !p.Release() {
		return fmt.Errorf("%s: %w", s.name, ErrLogBusy)
	}
	if err := s.sink.Clear(); err != nil {
		if errors.Is(err, logsink.ErrBusy) {
			return fmt.Errorf("%s: %w", s.name, ErrLogBusy)
		}
		return err
	}
	return nil
}

// onExit runs on the exit watcher goroutine.
func (s *Service) onExit(p *process.Process) { s.noteExit(p) }

// noteExit records the exit of the current process once.
func (s *Service) noteExit(p *process.Process) {
	s.mu.Lock()
	if s.proc != p || s.noted == p {
		s.mu.Unlock()
		return
	}
	s.noted = p
	s.mu.Unlock()

	st := p.Exit()
	metrics.IncExit(s.name, st.Code)
	metrics.SetRunning(s.name, false)
	s.opts.History.Record(history.Event{
		Type: history.EventExit, Service: s.name, PID: p.PID(),
		Code: history.IntPtr(st.Code), Detail: st.State.String(),
	})
	s.log.Info("service exited", "pid", p.PID(), "state", st.State.String(), "code", st.Code)
}
