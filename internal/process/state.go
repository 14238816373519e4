package process

import (
	"os"
	"syscall"
	"time"
)

// State is the lifecycle of a single spawned process.
type State int

const (
	Running State = iota
	Exited
	Killed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Killed:
		return "killed"
	}
	return "unknown"
}

// ExitStatus is recorded once by the exit watcher. Code is the exit code for
// Exited and the negated signal number for Killed.
type ExitStatus struct {
	State  State
	Code   int
	Signal syscall.Signal
	At     time.Time
}

// Outcome tells the caller of Stop what it actually did.
type Outcome int

const (
	// OutcomeExited means the process had already exited before Stop.
	OutcomeExited Outcome = iota
	// OutcomeTerminated means the process exited within the grace period.
	OutcomeTerminated
	// OutcomeKilled means SIGKILL was needed.
	OutcomeKilled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExited:
		return "exited"
	case OutcomeTerminated:
		return "terminated"
	case OutcomeKilled:
		return "killed"
	}
	return "unknown"
}

func exitStatusFrom(ps *os.ProcessState, at time.Time) ExitStatus {
	st := ExitStatus{State: Exited, Code: -1, At: at}
	if ps == nil {
		return st
	}
	st.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.State = Killed
		st.Signal = ws.Signal()
		st.Code = -int(ws.Signal())
	}
	return st
}
