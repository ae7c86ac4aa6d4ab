package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/process"
	"github.com/loykin/procyard/internal/store"
)

// command carries what the client-side commands share. out defaults to stdout.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c *command) w() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

func (c *command) client() (*APIClient, error) {
	if c.flags.APIUrl != "" || c.flags.ConfigPath == "" {
		return NewAPIClient(c.flags.APIUrl, c.flags.APITimeout).WithToken(c.flags.APIToken), nil
	}
	cfg, err := config.Load(c.flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	return NewAPIClient(apiURLFromConfig(cfg.File.Server), c.flags.APITimeout).WithToken(c.flags.APIToken), nil
}

// apiURLFromConfig points at the daemon described by a [server] section.
// Wildcard listen hosts are reached through loopback.
func apiURLFromConfig(s config.ServerConfig) string {
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return defaultAPIURL
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if s.TLS.Enabled {
		scheme = "https"
	}
	base := strings.TrimRight(s.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return scheme + "://" + net.JoinHostPort(host, port) + base
}

func (c *command) printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.w(), string(b))
	return err
}

func createStartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "start <group> <project>",
		Short: "Start a project",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			info, err := api.Start(args[0], args[1])
			if err != nil {
				return err
			}
			return c.printInfos([]process.Info{info})
		},
	}
}

func createRestartCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <group> <project>",
		Short: "Stop a project if it runs and start it again from current config",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			info, err := api.Restart(args[0], args[1])
			if err != nil {
				return err
			}
			return c.printInfos([]process.Info{info})
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <project>",
		Short: "Stop a running project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			if err := api.Stop(args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.w(), "stopping %s\n", args[0])
			return err
		},
	}
}

func createGroupCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Operate on every project of a group",
	}
	each := func(use, short, verb string, op func(*APIClient, string) ([]string, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <group>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				api, err := c.client()
				if err != nil {
					return err
				}
				ids, err := op(api, args[0])
				if err != nil {
					return err
				}
				if c.flags.JSON {
					return c.printJSON(ids)
				}
				for _, id := range ids {
					if _, err := fmt.Fprintf(c.w(), "%s %s\n", verb, id); err != nil {
						return err
					}
				}
				return nil
			},
		}
	}
	cmd.AddCommand(
		each("start", "Start every project of a group", "started", (*APIClient).GroupStart),
		each("stop", "Stop every running project of a group", "stopping", (*APIClient).GroupStop),
		&cobra.Command{
			Use:   "status <group>",
			Short: "Show the status of every project of a group",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				api, err := c.client()
				if err != nil {
					return err
				}
				infos, err := api.GroupStatus(args[0])
				if err != nil {
					return err
				}
				return c.printInfos(infos)
			},
		},
	)
	return cmd
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status [project]",
		Short: "Show project status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				info, err := api.Status(args[0])
				if err != nil {
					return err
				}
				return c.printInfos([]process.Info{info})
			}
			infos, err := api.Statuses()
			if err != nil {
				return err
			}
			return c.printInfos(infos)
		},
	}
}

func (c *command) printInfos(infos []process.Info) error {
	if c.flags.JSON {
		return c.printJSON(infos)
	}
	tw := tabwriter.NewWriter(c.w(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROJECT\tSTATUS\tPID\tCPU%\tMEMORY")
	for _, i := range infos {
		pid := "-"
		if i.PID > 0 {
			pid = fmt.Sprint(i.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%.1f\t%s\n", i.ProjectID, i.Status, pid, i.CPUUsage, humanBytes(int64(i.MemoryUsage)))
	}
	return tw.Flush()
}

func createGroupsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List configured groups and their projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			groups, err := api.Groups()
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return c.printJSON(groups)
			}
			tw := tabwriter.NewWriter(c.w(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "GROUP\tPROJECT\tTYPE\tAUTO_RESTART\tINTERACTIVE\tCOMMAND")
			for _, g := range groups {
				for _, p := range g.Projects {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n", g.ID, p.ID, p.Type, p.AutoRestart, p.Interactive, p.Command)
				}
			}
			return tw.Flush()
		},
	}
}

func createSendCommand(c *command) *cobra.Command {
	var noNewline bool
	cmd := &cobra.Command{
		Use:   "send <project> <text>...",
		Short: "Write a line to a running project's stdin",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			data := strings.Join(args[1:], " ")
			if !noNewline {
				data += "\n"
			}
			return api.SendInput(args[0], data)
		},
	}
	cmd.Flags().BoolVarP(&noNewline, "no-newline", "n", false, "do not append a newline")
	return cmd
}

func createResizeCommand(c *command) *cobra.Command {
	var cols, rows uint16
	cmd := &cobra.Command{
		Use:   "resize <project>",
		Short: "Resize the terminal of an interactive project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			return api.Resize(args[0], cols, rows)
		},
	}
	cmd.Flags().Uint16Var(&cols, "cols", 80, "columns")
	cmd.Flags().Uint16Var(&rows, "rows", 24, "rows")
	return cmd
}

func createSessionsCommand(c *command) *cobra.Command {
	var show, del bool
	cmd := &cobra.Command{
		Use:   "sessions <project|session-id>",
		Short: "List a project's sessions, or show/delete one session",
		Long: `List the recorded sessions of a project, newest first.

Examples:
  procyard sessions api
  procyard sessions --show <session-id>      # session plus its resource samples
  procyard sessions --delete <session-id>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			switch {
			case del:
				if err := api.DeleteSession(args[0]); err != nil {
					return err
				}
				_, err = fmt.Fprintf(c.w(), "deleted session %s\n", args[0])
				return err
			case show:
				s, err := api.Session(args[0])
				if err != nil {
					return err
				}
				ms, err := api.SessionMetrics(args[0])
				if err != nil {
					return err
				}
				return c.printJSON(struct {
					store.Session
					Metrics []store.Metric `json:"metrics"`
				}{s, ms})
			}
			sessions, err := api.Sessions(args[0])
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return c.printJSON(sessions)
			}
			tw := tabwriter.NewWriter(c.w(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "SESSION\tSTARTED\tENDED\tSTATUS\tLOGS\tLOG_SIZE\tSAMPLES")
			for _, s := range sessions {
				ended, status := "-", "running"
				if s.EndedAt != nil {
					ended = formatMillis(*s.EndedAt)
				}
				if s.ExitStatus != nil {
					status = *s.ExitStatus
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
					s.ID, formatMillis(s.StartedAt), ended, status, s.LogCount, humanBytes(s.LogSize), s.MetricCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "treat the argument as a session id and show it")
	cmd.Flags().BoolVar(&del, "delete", false, "treat the argument as a session id and delete it")
	cmd.MarkFlagsMutuallyExclusive("show", "delete")
	return cmd
}

func createLogsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <session-id>",
		Short: "Print the recorded output of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			logs, err := api.SessionLogs(args[0])
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return c.printJSON(logs)
			}
			for _, l := range logs {
				if _, err := io.WriteString(c.w(), l.Data); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func createClearLogsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-logs <project>",
		Short: "Delete a project's finished sessions and empty its log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			n, err := api.ClearProjectLogs(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.w(), "deleted %d sessions\n", n)
			return err
		},
	}
}

func createStorageCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "storage",
		Short: "Show recorder database usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			st, err := api.Storage()
			if err != nil {
				return err
			}
			if c.flags.JSON {
				return c.printJSON(st)
			}
			_, err = fmt.Fprintf(c.w(), "size:     %s\nsessions: %d\nlogs:     %d\nmetrics:  %d\n",
				humanBytes(st.TotalSize), st.SessionCount, st.LogCount, st.MetricCount)
			return err
		},
	}
}

func createCleanupCommand(c *command) *cobra.Command {
	var days int
	var all bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old sessions with their logs and metrics",
		Long: `Delete sessions started more than --days ago, or every session with --all.

Examples:
  procyard cleanup --days 7
  procyard cleanup --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && days <= 0 {
				return fmt.Errorf("--days must be positive (or use --all)")
			}
			api, err := c.client()
			if err != nil {
				return err
			}
			if all {
				if err := api.CleanupAll(); err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.w(), "deleted all sessions")
				return err
			}
			n, err := api.Cleanup(days)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.w(), "deleted %d sessions older than %d days\n", n, days)
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "age in days")
	cmd.Flags().BoolVar(&all, "all", false, "delete everything")
	cmd.MarkFlagsMutuallyExclusive("days", "all")
	return cmd
}

func createEventsCommand(c *command) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream status, output and stats events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := c.client()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return api.Events(ctx, project, func(e Event) {
				_, _ = fmt.Fprintf(c.w(), "%s %s\n", e.Name, e.Data)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only events of this project")
	return cmd
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Format(time.DateTime)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// contextOrBackground returns ctx, or a background context when cobra has not set one.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
