// Package registry maps service names to services, populated from the
// records in the config root.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/internal/logger"
	"github.com/loykin/svcd/internal/logsink"
	"github.com/loykin/svcd/internal/metrics"
	"github.com/loykin/svcd/internal/service"
)

// TestServiceName is the record used by TestStart.
const TestServiceName = "test"

type Options struct {
	ConfigDir string
	Logs      *logsink.Dir
	Service   service.Options
	Logger    *slog.Logger
}

// Entry is one row of List.
type Entry struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkDir    string            `json:"working_directory"`
	Env        map[string]string `json:"env,omitempty"`
	Enabled    bool              `json:"enabled"`
	Status     service.Status    `json:"status"`
	StatusText string            `json:"status_text"`
}

type Registry struct {
	opts Options
	log  *slog.Logger

	// records serializes changes to the record set (reconcile, Update,
	// Delete) so a reload never resurrects a service being deleted.
	records sync.Mutex

	mu       sync.RWMutex
	services map[string]*service.Service
}

func New(opts Options) (*Registry, error) {
	if opts.ConfigDir == "" {
		return nil, errors.New("registry: config dir is required")
	}
	if opts.Logs == nil {
		return nil, errors.New("registry: log dir is required")
	}
	log := logger.OrDefault(opts.Logger)
	if opts.Service.Logger == nil {
		opts.Service.Logger = log
	}
	return &Registry{
		opts:     opts,
		log:      log,
		services: make(map[string]*service.Service),
	}, nil
}

func (r *Registry) ConfigDir() string { return r.opts.ConfigDir }

// Load reads every record in the config root, creating or updating services,
// and starts enabled services that have never been started. Record and start
// failures do not stop the scan; they are returned joined.
func (r *Registry) Load(ctx context.Context) error {
	return r.reconcile(ctx, "load")
}

// Reload re-reads the config root. Existing services get the new config
// without being restarted; services whose record vanished are kept. Newly
// enabled services are started as on Load. Each service gets one automatic
// start attempt; after a failure it waits for an explicit start.
func (r *Registry) Reload(ctx context.Context) error {
	return r.reconcile(ctx, "reload")
}

func (r *Registry) reconcile(ctx context.Context, op string) error {
	var pending []*service.Service
	r.records.Lock()
	recs, scanErr := config.Scan(r.opts.ConfigDir)
	errs := []error{scanErr}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		svc, err := r.upsert(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if rec.Enabled && !svc.EverStarted() && !svc.Alive() && svc.ClaimAutostart() {
			pending = append(pending, svc)
		}
	}
	r.records.Unlock()

	for _, svc := range pending {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if pid, err := svc.Start(); err != nil {
			errs = append(errs, err)
		} else {
			r.log.Info("auto-started service", "service", svc.Name(), "pid", pid)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		r.log.Warn(op+" finished with errors", "error", err)
	}
	return err
}

func (r *Registry) upsert(rec config.Record) (*service.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[rec.Name]; ok {
		svc.UpdateConfig(rec)
		return svc, nil
	}
	sink, err := r.opts.Logs.Sink(rec.Name)
	if err != nil {
		return nil, err
	}
	svc := service.New(rec, sink, r.opts.Service)
	r.services[rec.Name] = svc
	return svc, nil
}

// Update persists rec as the record called name and applies it.
func (r *Registry) Update(name string, rec config.Record) (*service.Service, error) {
	rec.Name = name
	r.records.Lock()
	defer r.records.Unlock()
	if err := config.WriteRecord(r.opts.ConfigDir, rec); err != nil {
		return nil, err
	}
	return r.upsert(rec)
}

// Delete forgets the service, removes its record and then stops it. A start
// racing with the delete fails with ErrUnknownService. The log file is kept.
func (r *Registry) Delete(name string) error {
	r.records.Lock()
	r.mu.Lock()
	svc, ok := r.services[name]
	if ok {
		delete(r.services, name)
	}
	r.mu.Unlock()
	if !ok {
		r.records.Unlock()
		return fmt.Errorf("%q: %w", name, service.ErrUnknownService)
	}
	rmErr := config.RemoveRecord(r.opts.ConfigDir, name)
	r.records.Unlock()

	_, stopErr := svc.Retire()
	metrics.Forget(name)
	return errors.Join(rmErr, stopErr)
}

func (r *Registry) Get(name string) (*service.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, service.ErrUnknownService)
	}
	return svc, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) List() []Entry {
	names := r.Names()
	out := make([]Entry, 0, len(names))
	for _, n := range names {
		svc, err := r.Get(n)
		if err != nil {
			continue
		}
		out = append(out, EntryOf(svc))
	}
	return out
}

// EntryOf describes a single service.
func EntryOf(svc *service.Service) Entry {
	cfg := svc.Config()
	st := svc.Status()
	return Entry{
		Name:       svc.Name(),
		Command:    cfg.Command,
		WorkDir:    cfg.WorkDir(),
		Env:        cfg.Env,
		Enabled:    cfg.Enabled,
		Status:     st,
		StatusText: st.String(),
	}
}

// PIDs returns name -> pid for every running service.
func (r *Registry) PIDs() map[string]int {
	out := make(map[string]int)
	for _, n := range r.Names() {
		if svc, err := r.Get(n); err == nil {
			if pid := svc.PID(); pid > 0 {
				out[n] = pid
			}
		}
	}
	return out
}

// TestStart writes an enabled record named "test" for cmd in dir and
// (re)starts it.
func (r *Registry) TestStart(cmd, dir string) (int, error) {
	svc, err := r.Update(TestServiceName, config.Record{Command: cmd, Dir: dir, Enabled: true})
	if err != nil {
		return 0, err
	}
	return svc.Restart()
}

// Shutdown stops every service one by one in name order. Failures are
// logged and returned joined.
func (r *Registry) Shutdown() error {
	var errs []error
	for _, n := range r.Names() {
		svc, err := r.Get(n)
		if err != nil {
			continue
		}
		res, err := svc.Stop()
		if err != nil {
			r.log.Error("stop on shutdown failed", "service", n, "error", err)
			errs = append(errs, err)
			continue
		}
		if res == service.Stopped {
			r.log.Info("stopped on shutdown", "service", n)
		}
	}
	return errors.Join(errs...)
}
