package client

import "time"

// Record is the body of PUT /services/:name.
type Record struct {
	Cmd       string            `json:"cmd"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	IsEnabled bool              `json:"is_enabled"`
}

// Status mirrors the daemon's status object. Phase is one of
// "not started", "running", "stopped", "failed".
type Status struct {
	Phase     string    `json:"phase"`
	PID       int       `json:"pid,omitempty"`
	Code      *int      `json:"code,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	ExitedAt  time.Time `json:"exited_at,omitzero"`
	Text      string    `json:"text,omitempty"`
}

// Entry is one service as listed by the daemon.
type Entry struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkDir    string            `json:"working_directory"`
	Env        map[string]string `json:"env,omitempty"`
	Enabled    bool              `json:"enabled"`
	Status     Status            `json:"status"`
	StatusText string            `json:"status_text"`
}

// BatchResult is one line of a batch start or stop.
type BatchResult struct {
	Name   string `json:"name"`
	PID    int    `json:"pid,omitempty"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ProcessInfo is an OS process found by FindProcesses.
type ProcessInfo struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Cmdline    string    `json:"cmdline"`
	Cwd        string    `json:"cwd,omitempty"`
	Exe        string    `json:"exe,omitempty"`
	Username   string    `json:"username,omitempty"`
	Status     string    `json:"status,omitempty"`
	NumThreads int32     `json:"num_threads,omitempty"`
	MemoryRSS  uint64    `json:"memory_rss,omitempty"`
	CreatedAt  time.Time `json:"create_time,omitzero"`
}

// TerminateResult is the outcome for one pid.
type TerminateResult struct {
	PID   int32  `json:"pid"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HistoryEvent is a recorded lifecycle event.
type HistoryEvent struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Service    string    `json:"service"`
	PID        int       `json:"pid,omitempty"`
	Code       *int      `json:"code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Usage is the latest resource sample of a service.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
