// Package procfind searches and kills arbitrary OS processes, independent
// of the services the daemon manages.
package procfind

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info describes one OS process.
type Info struct {
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

// Result is the outcome of terminating one pid.
type Result struct {
	PID   int32  `json:"pid"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ErrEmptyQuery is returned by Find for a blank query.
var ErrEmptyQuery = errors.New("procfind: empty query")

// Find returns the processes whose command line contains query. A query
// that parses as a pid matches that process only. The calling process is
// never returned. Results are sorted by pid.
func Find(ctx context.Context, query string) ([]Info, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if pid, err := strconv.ParseInt(query, 10, 32); err == nil && pid > 0 {
		p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
				return nil, nil
			}
			return nil, fmt.Errorf("procfind: pid %d: %w", pid, err)
		}
		return []Info{describe(ctx, p)}, nil
	}

	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("procfind: list processes: %w", err)
	}
	self := int32(os.Getpid())
	var out []Info
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cl, err := p.CmdlineWithContext(ctx)
		if err != nil || !strings.Contains(cl, query) {
			continue
		}
		out = append(out, describe(ctx, p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// describe fills what the platform allows; unreadable fields stay empty.
func describe(ctx context.Context, p *gopsproc.Process) Info {
	info := Info{PID: p.Pid}
	info.Name, _ = p.NameWithContext(ctx)
	info.Cmdline, _ = p.CmdlineWithContext(ctx)
	info.Cwd, _ = p.CwdWithContext(ctx)
	info.Exe, _ = p.ExeWithContext(ctx)
	info.Username, _ = p.UsernameWithContext(ctx)
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		info.Status = st[0]
	}
	info.NumThreads, _ = p.NumThreadsWithContext(ctx)
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		info.MemoryRSS = mi.RSS
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		info.CreatedAt = time.UnixMilli(ms)
	}
	return info
}

// Terminate forcefully kills each pid and reports one result per pid, in
// input order. Killing the calling process is refused.
func Terminate(ctx context.Context, pids []int32) []Result {
	self := int32(os.Getpid())
	out := make([]Result, 0, len(pids))
	for _, pid := range pids {
		r := Result{PID: pid}
		switch {
		case pid <= 0:
			r.Error = "invalid pid"
		case pid == self:
			r.Error = "refusing to kill the supervisor"
		default:
			if err := kill(ctx, pid); err != nil {
				r.Error = err.Error()
			} else {
				r.OK = true
			}
		}
		out = append(out, r)
	}
	return out
}

func kill(ctx context.Context, pid int32) error {
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

// ParsePIDs parses a comma separated pid list such as "12,34".
func ParsePIDs(s string) ([]int32, error) {
	var out []int32
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid pid %q", f)
		}
		out = append(out, int32(n))
	}
	if len(out) == 0 {
		return nil, errors.New("no pid given")
	}
	return out, nil
}
