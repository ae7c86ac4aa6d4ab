package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
	JSON       bool
}

func buildRoot(out io.Writer) *cobra.Command {
	flags := &GlobalFlags{}
	c := &command{flags: flags, out: out}
	root := createRootCommand(flags)
	root.SetOut(out)
	root.AddCommand(
		createServeCommand(flags),
		createReapCommand(flags),
		createStartCommand(c),
		createStopCommand(c),
		createRestartCommand(c),
		createStatusCommand(c),
		createGroupsCommand(c),
		createGroupCommand(c),
		createSendCommand(c),
		createResizeCommand(c),
		createSessionsCommand(c),
		createLogsCommand(c),
		createClearLogsCommand(c),
		createStorageCommand(c),
		createCleanupCommand(c),
		createEventsCommand(c),
		createLoginCommand(c),
		createHashPasswordCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "procyard",
		Short: "Supervise groups of local projects",
		Long: `procyard runs the commands of configured project groups, records their
sessions and output, restarts services that exit cleanly and exposes
everything over an HTTP API.

Examples:
  procyard serve procyard.toml                 # run the daemon
  procyard start web api                       # start project "api" of group "web"
  procyard status
  procyard logs <session-id>
  procyard status --api-url=http://remote:7070/api`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default derived from --config, else "+defaultAPIURL+")")
	pf.StringVar(&flags.APIToken, "api-token", os.Getenv("PROCYARD_API_TOKEN"), "bearer token for an auth-enabled daemon (env PROCYARD_API_TOKEN)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&flags.JSON, "json", false, "print raw JSON")
	return root
}
