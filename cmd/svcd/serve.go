package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/internal/env"
	"github.com/loykin/svcd/internal/history"
	"github.com/loykin/svcd/internal/history/factory"
	"github.com/loykin/svcd/internal/logger"
	"github.com/loykin/svcd/internal/logsink"
	"github.com/loykin/svcd/internal/metrics"
	"github.com/loykin/svcd/internal/registry"
	"github.com/loykin/svcd/internal/server"
	"github.com/loykin/svcd/internal/service"
)

const shutdownTimeout = 10 * time.Second

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the svcd daemon",
		Long: `Run the daemon: load the service records from config_dir, start the
enabled ones and serve the HTTP API until SIGINT or SIGTERM. Every service is
stopped before exit.

Examples:
  svcd serve svcd.toml
  svcd serve --config svcd.toml --daemonize --pidfile /run/svcd.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.LoadDaemon(path)
			if err != nil {
				return err
			}
			if flags.Daemonize {
				return daemonize(flags.PidFile, flags.LogFile)
			}
			if flags.PidFile != "" {
				if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
					return fmt.Errorf("write pid file: %w", err)
				}
				defer func() { _ = removePidFile(flags.PidFile) }()
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			d, err := newDaemon(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect output of the background daemon to this file")
	return cmd
}

// daemon owns everything serve builds; Run tears it down in reverse.
type daemon struct {
	cfg     config.Daemon
	log     *slog.Logger
	closers []io.Closer

	reg     *registry.Registry
	sampler *metrics.Sampler
	api     *http.Server
	apiLn   net.Listener
	metrics *http.Server
	metLn   net.Listener
}

func newDaemon(cfg config.Daemon, logOut io.Writer) (d *daemon, err error) {
	log, logCloser, err := logger.New(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	d = &daemon{cfg: cfg, log: log, closers: []io.Closer{logCloser}}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	global, err := cfg.GlobalEnv()
	if err != nil {
		return nil, err
	}
	base := env.New()
	base.FromOS()
	base = base.WithPairs(global)

	recorder, reader, err := d.openHistory()
	if err != nil {
		return nil, err
	}

	var routerOpts []server.Option
	routerOpts = append(routerOpts, server.WithLogger(log))
	if reader != nil {
		routerOpts = append(routerOpts, server.WithHistory(reader))
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if cfg.Metrics.ResourceInterval > 0 {
			d.sampler = metrics.NewSampler(cfg.Metrics.ResourceInterval, log)
			if err := d.sampler.Register(prometheus.DefaultRegisterer); err != nil {
				return nil, fmt.Errorf("register resource metrics: %w", err)
			}
			routerOpts = append(routerOpts, server.WithSampler(d.sampler))
		}
		if cfg.Metrics.Listen == "" {
			routerOpts = append(routerOpts, server.WithMetrics(metrics.Handler()))
		}
	}

	d.reg, err = registry.New(registry.Options{
		ConfigDir: cfg.ConfigDir,
		Logs:      logsink.NewDir(cfg.LogDir),
		Logger:    log,
		Service: service.Options{
			Env:         base,
			StopTimeout: cfg.StopTimeout,
			StartProbe:  cfg.StartProbe,
			Logger:      log,
			History:     recorder,
		},
	})
	if err != nil {
		return nil, err
	}

	d.apiLn, err = net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Server.Listen, err)
	}
	d.api = server.NewServer(cfg.Server.Listen, server.NewRouter(d.reg, cfg.Server.BasePath, routerOpts...).Handler())

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		d.metLn, err = net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			_ = d.apiLn.Close()
			return nil, fmt.Errorf("listen %s: %w", cfg.Metrics.Listen, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.metrics = server.NewServer(cfg.Metrics.Listen, mux)
	}
	return d, nil
}

// openHistory builds the event recorder. The reader is nil unless the sink
// can serve events back.
func (d *daemon) openHistory() (*history.Recorder, history.Reader, error) {
	if !d.cfg.History.Enabled {
		return nil, nil, nil
	}
	sink, err := factory.NewSinkFromDSN(d.cfg.History.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("history sink: %w", err)
	}
	rec := history.NewRecorder(d.log, sink)
	d.closers = append(d.closers, rec)
	reader, _ := sink.(history.Reader)
	return rec, reader, nil
}

// Addr is the bound API address.
func (d *daemon) Addr() string { return d.apiLn.Addr().String() }

// Run loads the services and serves until ctx is done, then stops every
// service. Load errors are logged and do not prevent serving.
func (d *daemon) Run(ctx context.Context) error {
	defer d.close()
	if err := d.reg.Load(ctx); err != nil {
		d.log.Warn("some services could not be loaded", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(d.api, d.apiLn) })
	if d.metrics != nil {
		g.Go(func() error { return serve(d.metrics, d.metLn) })
	}
	if d.cfg.Watch {
		g.Go(func() error { return d.reg.Watch(gctx, registry.DefaultDebounce) })
	}
	if d.sampler != nil {
		g.Go(func() error {
			d.sampler.Run(gctx, d.reg.PIDs)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := d.api.Shutdown(sctx)
		if d.metrics != nil {
			err = errors.Join(err, d.metrics.Shutdown(sctx))
		}
		return err
	})
	d.log.Info("svcd listening", "addr", d.Addr(), "base_path", d.cfg.Server.BasePath,
		"config_dir", d.cfg.ConfigDir, "log_dir", d.cfg.LogDir)

	err := g.Wait()
	d.log.Info("shutting down, stopping services")
	if serr := d.reg.Shutdown(); serr != nil {
		err = errors.Join(err, serr)
	}
	return err
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
	d.closers = nil
}
