package service

import (
	"fmt"
	"time"
)

type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseRunning
	PhaseStopped
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not started"
	case PhaseRunning:
		return "running"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, v := range []Phase{PhaseNotStarted, PhaseRunning, PhaseStopped, PhaseFailed} {
		if v.String() == string(b) {
			*p = v
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Status is a point-in-time observation of a service. Code is set for
// PhaseStopped and is the negated signal number for signal deaths.
type Status struct {
	Phase     Phase     `json:"phase"`
	PID       int       `json:"pid,omitempty"`
	Code      *int      `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
}

func (s Status) String() string {
	switch s.Phase {
	case PhaseRunning:
		return fmt.Sprintf("running (pid=%d)", s.PID)
	case PhaseStopped:
		code := 0
		if s.Code != nil {
			code = *s.Code
		}
		return fmt.Sprintf("stopped (code=%d)", code)
	case PhaseFailed:
		return fmt.Sprintf("failed (%s)", s.Reason)
	}
	return s.Phase.String()
}
