package service

import (
	"errors"
	"fmt"

	"github.com/loykin/svcd/internal/process"
)

var (
	ErrAlreadyRunning = errors.New("service is already running")
	// ErrLogBusy is returned by ClearLog while the service holds its log open.
	ErrLogBusy        = errors.New("stop the service first")
	ErrUnknownService = errors.New("unknown service")
	ErrSpawn          = process.ErrSpawn
	ErrUnreapable     = process.ErrUnreapable
)

// SpawnError carries the OS diagnostic, or the output and exit code of a
// process that died before its start was confirmed.
type SpawnError = process.SpawnError

// StopResult tells whether Stop found anything to stop.
type StopResult int

const (
	Stopped StopResult = iota + 1
	NotRunning
)

func (r StopResult) String() string {
	switch r {
	case Stopped:
		return "stopped"
	case NotRunning:
		return "not running"
	}
	return "unknown"
}

func (r StopResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *StopResult) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stopped":
		*r = Stopped
	case "not running":
		*r = NotRunning
	default:
		return fmt.Errorf("unknown stop result %q", b)
	}
	return nil
}
