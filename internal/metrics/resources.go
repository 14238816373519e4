package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one resource sample of a service's main process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler periodically reads CPU and memory usage of running services and
// exports them as gauges. The latest sample per service is kept for the API.
type Sampler struct {
	interval time.Duration
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]Usage
	procs  map[int32]*process.Process

	cpu     *prometheus.GaugeVec
	rss     *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

// NewSampler returns a sampler; interval <= 0 means 15s.
func NewSampler(interval time.Duration, log *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sampler{
		interval: interval,
		log:      log,
		latest:   make(map[string]Usage),
		procs:    make(map[int32]*process.Process),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcd", Subsystem: "service", Name: "cpu_percent",
			Help: "CPU usage percentage of the service process.",
		}, []string{"name"}),
		rss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcd", Subsystem: "service", Name: "memory_rss_bytes",
			Help: "Resident memory of the service process.",
		}, []string{"name"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "svcd", Subsystem: "service", Name: "num_threads",
			Help: "Thread count of the service process.",
		}, []string{"name"}),
	}
}

func (s *Sampler) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.rss, s.threads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Run samples until ctx is done. pids returns name -> pid of live services.
func (s *Sampler) Run(ctx context.Context, pids func() map[string]int) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.Collect(pids())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Collect takes one sample of every given process and drops state for
// services that are no longer listed.
func (s *Sampler) Collect(pids map[string]int) {
	now := time.Now()
	got := make(map[string]Usage, len(pids))
	for name, pid := range pids {
		if pid <= 0 {
			continue
		}
		u, err := s.sample(int32(pid), now)
		if err != nil {
			s.log.Debug("sample failed", "service", name, "pid", pid, "error", err)
			continue
		}
		got[name] = u
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.latest {
		if _, ok := got[name]; !ok {
			s.cpu.DeleteLabelValues(name)
			s.rss.DeleteLabelValues(name)
			s.threads.DeleteLabelValues(name)
		}
	}
	live := make(map[int32]bool, len(got))
	for name, u := range got {
		live[u.PID] = true
		s.cpu.WithLabelValues(name).Set(u.CPUPercent)
		s.rss.WithLabelValues(name).Set(float64(u.MemoryRSS))
		s.threads.WithLabelValues(name).Set(float64(u.NumThreads))
	}
	for pid := range s.procs {
		if !live[pid] {
			delete(s.procs, pid)
		}
	}
	s.latest = got
}

// Latest returns the most recent sample for name.
func (s *Sampler) Latest(name string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[name]
	return u, ok
}

func (s *Sampler) handle(pid int32) (*process.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	s.procs[pid] = p
	return p, nil
}

func (s *Sampler) sample(pid int32, at time.Time) (Usage, error) {
	// The handle is cached so CPUPercent measures against the previous call.
	p, err := s.handle(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("process handle: %w", err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	u := Usage{PID: pid, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: at}
	if cpu, err := p.Percent(0); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := p.NumThreads(); err == nil {
		u.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := p.NumFDs(); err == nil {
			u.NumFDs = n
		}
	}
	return u, nil
}
