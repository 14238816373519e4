// Package process spawns and supervises a single child process. Every
// successful Spawn is paired with exactly one exit watcher goroutine, which
// is the only caller of Wait and which records the exit status.
package process

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/svcd/internal/cmdline"
	"github.com/loykin/svcd/internal/logger"
	"github.com/loykin/svcd/internal/logsink"
)

const (
	// DefaultGrace is how long Stop waits after SIGTERM before escalating.
	DefaultGrace = 5 * time.Second
	// ReapWindow bounds the wait for the watcher after SIGKILL.
	ReapWindow = 2 * time.Second
)

// Spec describes what to run. Args are already tokenized; Env is the full
// environment of the child.
type Spec struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Options carries the optional collaborators of a process.
type Options struct {
	Logger *slog.Logger
	// OnExit runs on the watcher goroutine after the exit status is recorded
	// and resources are released.
	OnExit func(*Process)
}

type Process struct {
	name      string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	out       *logsink.Writer
	stdin     io.WriteCloser
	log       *slog.Logger
	onExit    func(*Process)

	done chan struct{}

	mu         sync.Mutex
	exit       ExitStatus
	releaseErr error

	released atomic.Bool
	releases atomic.Int32
}

// Spawn starts spec with stdout and stderr both appended to sink and stdin
// connected to a pipe. On any failure no watcher is started and the log
// writer is closed again.
func Spawn(spec Spec, sink *logsink.Sink, opts Options) (*Process, error) {
	if len(spec.Args) == 0 {
		return nil, &SpawnError{Name: spec.Name, Err: cmdline.ErrEmpty}
	}
	log := logger.OrDefault(opts.Logger)

	w, err := sink.OpenWriter()
	if err != nil {
		return nil, &SpawnError{Name: spec.Name, Err: fmt.Errorf("open log: %w", err)}
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = w.File()
	cmd.Stderr = w.File()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = w.Close()
		return nil, &SpawnError{Name: spec.Name, Err: err}
	}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = w.Close()
		return nil, &SpawnError{Name: spec.Name, Err: err}
	}

	p := &Process{
		name:      spec.Name,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		out:       w,
		stdin:     stdin,
		log:       log.With("name", spec.Name, "pid", cmd.Process.Pid),
		onExit:    opts.OnExit,
		done:      make(chan struct{}),
		exit:      ExitStatus{State: Running},
	}
	go p.watch()
	p.log.Debug("process spawned", "args", spec.Args, "dir", spec.Dir)
	return p, nil
}

func (p *Process) Name() string         { return p.name }
func (p *Process) PID() int             { return p.pid }
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed by the watcher once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Exit returns the recorded exit status; State is Running until reaped.
func (p *Process) Exit() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Wait blocks until the process is reaped or ctx ends.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	select {
	case <-p.done:
		return p.Exit(), nil
	case <-ctx.Done():
		return ExitStatus{State: Running}, ctx.Err()
	}
}

// Stop asks the process group to terminate, escalating to SIGKILL after
// grace. A non-positive grace means DefaultGrace.
func (p *Process) Stop(grace time.Duration) (Outcome, error) {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if !p.Alive() {
		p.release()
		return OutcomeExited, nil
	}

	if err := terminate(p.cmd.Process); err != nil {
		p.log.Warn("terminate failed", "error", err)
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	outcome := OutcomeTerminated
	select {
	case <-p.done:
	case <-t.C:
		outcome = OutcomeKilled
		p.log.Warn("grace period elapsed, killing", "grace", grace)
		if err := kill(p.cmd.Process); err != nil {
			p.log.Warn("kill failed", "error", err)
		}
		reap := time.NewTimer(ReapWindow)
		defer reap.Stop()
		select {
		case <-p.done:
		case <-reap.C:
			return outcome, fmt.Errorf("%s (pid %d): %w", p.name, p.pid, ErrUnreapable)
		}
	}
	p.release()
	return outcome, nil
}

// Release frees stdin and the log writer of an exited process. It reports
// false, doing nothing, while the process is still running.
func (p *Process) Release() bool {
	if p.Alive() {
		return false
	}
	p.release()
	return true
}

// release closes stdin and the log writer. Only the first call has effect.
func (p *Process) release() {
	if !p.released.CompareAndSwap(false, true) {
		return
	}
	p.releases.Add(1)
	_ = p.stdin.Close()
	err := p.out.Close()
	if err != nil {
		p.log.Warn("close log writer", "error", err)
	}
	p.mu.Lock()
	p.releaseErr = err
	p.mu.Unlock()
}
