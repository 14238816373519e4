package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/pkg/client"
)

// apiCommand builds daemon clients from the global flags.
type apiCommand struct {
	flags *GlobalFlags
}

func (a apiCommand) client() (*client.Client, error) {
	u := a.flags.APIUrl
	if u == "" && a.flags.ConfigPath != "" {
		d, err := config.LoadDaemon(a.flags.ConfigPath)
		if err != nil {
			return nil, err
		}
		u = apiURL(d.Server)
	}
	return client.New(client.Config{BaseURL: u, Timeout: a.flags.APITimeout}), nil
}

// apiURL turns a listen address into a URL a local client can reach.
func apiURL(s config.ServerConfig) string {
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + s.BasePath
}

func (a apiCommand) run(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client, out io.Writer) error) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	return fn(cmd.Context(), c, cmd.OutOrStdout())
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func renderTable(w io.Writer, headers []string, rows [][]string) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(w, t.String())
	return err
}

func createListCommand(api apiCommand) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				entries, err := c.List(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, entries)
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{e.Name, e.StatusText, strconv.FormatBool(e.Enabled), e.Command, e.WorkDir})
				}
				return renderTable(out, []string{"NAME", "STATUS", "ENABLED", "COMMAND", "DIR"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createStatusCommand(api apiCommand) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status NAME...",
		Short: "Show service status",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				var errs []error
				for _, name := range args {
					st, err := c.Status(ctx, name)
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", name, err))
						continue
					}
					if asJSON {
						_ = printJSON(out, st)
						continue
					}
					_, _ = fmt.Fprintf(out, "%s: %s\n", name, st.Text)
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

// printBatch writes one line per name and fails if any name failed.
func printBatch(out io.Writer, res []client.BatchResult) error {
	failed := 0
	for _, r := range res {
		switch {
		case r.Error != "":
			failed++
			_, _ = fmt.Fprintf(out, "%s: error: %s\n", r.Name, r.Error)
		case r.PID > 0:
			_, _ = fmt.Fprintf(out, "%s: %s (pid=%d)\n", r.Name, r.Result, r.PID)
		default:
			_, _ = fmt.Fprintf(out, "%s: %s\n", r.Name, r.Result)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d failed", failed, len(res))
	}
	return nil
}

func createStartCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "start NAME...",
		Short: "Start services",
		Long: `Start one or more services. Starting a service that is already running
is rejected.

Examples:
  svcd start web
  svcd start web worker`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				res, err := c.StartMany(ctx, args)
				if err != nil {
					return err
				}
				return printBatch(out, res)
			})
		},
	}
}

func createStopCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "stop NAME...",
		Short: "Stop services (SIGTERM, then SIGKILL after the stop timeout)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				res, err := c.StopMany(ctx, args)
				if err != nil {
					return err
				}
				return printBatch(out, res)
			})
		},
	}
}

func createRestartCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "restart NAME",
		Short: "Stop and start a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				pid, err := c.Restart(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s: restarted (pid=%d)\n", args[0], pid)
				return nil
			})
		},
	}
}

func createLogCommand(api apiCommand) *cobra.Command {
	var (
		offset int64
		follow bool
		every  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "log NAME",
		Short: "Print a service log",
		Long: `Print the log of a service from --offset. With --follow, keep polling
for new output until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				if !follow {
					text, next, err := c.Log(ctx, args[0], offset)
					if err != nil {
						return err
					}
					_, _ = io.WriteString(out, text)
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "next offset: %d\n", next)
					return nil
				}
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				_, err := c.Follow(ctx, args[0], offset, every, out)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to start from")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new output")
	cmd.Flags().DurationVar(&every, "interval", time.Second, "poll interval for --follow")
	return cmd
}

func createClearLogCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-log NAME",
		Short: "Truncate the log of a stopped service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				if err := c.ClearLog(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s: log cleared\n", args[0])
				return nil
			})
		},
	}
}

func createReloadCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Re-read the config directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				errs, err := c.Reload(ctx)
				if err != nil {
					return err
				}
				for _, e := range errs {
					_, _ = fmt.Fprintln(out, "error:", e)
				}
				if len(errs) > 0 {
					return fmt.Errorf("reload finished with %d error(s)", len(errs))
				}
				_, _ = fmt.Fprintln(out, "reloaded")
				return nil
			})
		},
	}
}

func createUpdateCommand(api apiCommand) *cobra.Command {
	var (
		rec     client.Record
		envKVs  []string
		enabled bool
	)
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Create or replace a service record",
		Long: `Write the record of a service. A running service keeps its current
process; the new settings apply from its next start.

Examples:
  svcd update web --cmd "python -m http.server 8080" --cwd /srv/www --enabled
  svcd update worker --cmd "./worker" --env QUEUE=jobs --env DEBUG=1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(envKVs) > 0 {
				rec.Env = make(map[string]string, len(envKVs))
				for _, kv := range envKVs {
					k, v, ok := strings.Cut(kv, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
					}
					rec.Env[k] = v
				}
			}
			rec.IsEnabled = enabled
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				e, err := c.Update(ctx, args[0], rec)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s: updated (%s)\n", e.Name, e.StatusText)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rec.Cmd, "cmd", "", "command line (required)")
	cmd.Flags().StringVar(&rec.Cwd, "cwd", "", "absolute working directory (default: home)")
	cmd.Flags().StringArrayVar(&envKVs, "env", nil, "KEY=VALUE environment entry (repeatable)")
	cmd.Flags().BoolVar(&enabled, "enabled", false, "start automatically on load and reload")
	if err := cmd.MarkFlagRequired("cmd"); err != nil {
		panic(err)
	}
	return cmd
}

func createDeleteCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Stop a service and remove its record (the log is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				if err := c.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "%s: deleted\n", args[0])
				return nil
			})
		},
	}
}

func createTestStartCommand(api apiCommand) *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "test-start COMMAND",
		Short: `Run COMMAND as the "test" service`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				pid, err := c.TestStart(ctx, args[0], cwd)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "test: started (pid=%d)\n", pid)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "absolute working directory")
	return cmd
}

func createHistoryCommand(api apiCommand) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history NAME",
		Short: "Show recorded lifecycle events of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				events, err := c.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					code := ""
					if e.Code != nil {
						code = strconv.Itoa(*e.Code)
					}
					rows = append(rows, []string{e.OccurredAt.Format(time.RFC3339), e.Type, strconv.Itoa(e.PID), code, e.Detail})
				}
				return renderTable(out, []string{"TIME", "EVENT", "PID", "CODE", "DETAIL"}, rows)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func createFindCommand(api apiCommand) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "find QUERY",
		Short: "Find OS processes by command-line substring or pid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				found, err := c.FindProcesses(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out, found)
				}
				rows := make([][]string, 0, len(found))
				for _, p := range found {
					rows = append(rows, []string{strconv.Itoa(int(p.PID)), p.Username, p.Status, p.Cmdline})
				}
				return renderTable(out, []string{"PID", "USER", "STATUS", "COMMAND"}, rows)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func createTerminateCommand(api apiCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate PID...",
		Short: "Forcefully kill OS processes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pids := make([]int, 0, len(args))
			for _, a := range args {
				n, err := strconv.Atoi(a)
				if err != nil || n <= 0 {
					return fmt.Errorf("invalid pid %q", a)
				}
				pids = append(pids, n)
			}
			return api.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				res, err := c.Terminate(ctx, pids)
				if err != nil {
					return err
				}
				failed := 0
				for _, r := range res {
					if r.OK {
						_, _ = fmt.Fprintf(out, "%d: killed\n", r.PID)
						continue
					}
					failed++
					_, _ = fmt.Fprintf(out, "%d: error: %s\n", r.PID, r.Error)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d failed", failed, len(res))
				}
				return nil
			})
		},
	}
}
