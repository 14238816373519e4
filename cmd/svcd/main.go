package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	api := apiCommand{flags: flags}
	root.AddCommand(
		createServeCommand(flags),
		createListCommand(api),
		createStatusCommand(api),
		createStartCommand(api),
		createStopCommand(api),
		createRestartCommand(api),
		createLogCommand(api),
		createClearLogCommand(api),
		createReloadCommand(api),
		createUpdateCommand(api),
		createDeleteCommand(api),
		createTestStartCommand(api),
		createHistoryCommand(api),
		createFindCommand(api),
		createTerminateCommand(api),
		createTemplateCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "svcd",
		Short: "Service supervision daemon",
		Long: `svcd starts, stops and watches long-running services declared as
JSON records in a config directory, and keeps one log file per service.

Examples:
  svcd serve --config svcd.toml       # run the daemon
  svcd list                           # list services
  svcd start web api                  # start services
  svcd log web --follow               # tail a service log
  svcd status web --api-url=http://remote:8000/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML daemon config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config, else http://127.0.0.1:8000/api)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	return root
}
