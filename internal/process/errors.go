package process

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSpawn matches every *SpawnError via errors.Is.
	ErrSpawn = errors.New("spawn failed")
	// ErrUnreapable is returned by Stop when the process survives SIGKILL
	// past the reap window.
	ErrUnreapable = errors.New("process could not be reaped")
)

// SpawnError reports a process that could not be started, or that exited
// before its start was confirmed. In the latter case Exited is set and
// Output holds whatever the attempt wrote to its log.
type SpawnError struct {
	Name   string
	Err    error
	Output string
	Code   int
	Exited bool
}

func (e *SpawnError) Error() string {
	if e.Exited {
		out := strings.TrimSpace(e.Output)
		if out == "" {
			return fmt.Sprintf("%s exited immediately with code %d", e.Name, e.Code)
		}
		return fmt.Sprintf("%s exited immediately with code %d: %s", e.Name, e.Code, out)
	}
	return fmt.Sprintf("%s: spawn: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }
