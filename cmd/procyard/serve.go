package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/procyard"
	"github.com/loykin/procyard/internal/logger"
)

type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func configPath(flags *GlobalFlags, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if flags.ConfigPath == "" {
		return "", fmt.Errorf("config file required. Use --config=procyard.toml or provide it as an argument")
	}
	return flags.ConfigPath, nil
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the procyard daemon",
		Long: `Run the daemon: reap processes left by a previous instance, then serve
the HTTP API until interrupted. All children are stopped on exit.

Examples:
  procyard serve procyard.toml
  procyard serve --config procyard.toml --daemonize --pidfile /run/procyard.pid`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(flags, args)
			if err != nil {
				return err
			}
			return runServe(path, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func runServe(path string, flags *ServeFlags) error {
	cfg, err := procyard.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Daemonize {
		if !isDaemonSupported() {
			return fmt.Errorf("--daemonize is not supported on this platform")
		}
		return daemonize(flags.PidFile, flags.LogFile)
	}
	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	app, err := procyard.New(cfg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		<-ctx.Done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)
		killOnSecondSignal(sig, done, app.Kill)
	}()
	return app.Run(ctx)
}

// killOnSecondSignal runs kill if a signal arrives before done is closed.
func killOnSecondSignal(sig <-chan os.Signal, done <-chan struct{}, kill func()) {
	select {
	case <-sig:
		kill()
	case <-done:
	}
}

func createReapCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reap [config.toml]",
		Short: "Kill processes recorded in the PID ledger by a daemon that died",
		Long: `Kill every process listed in the PID ledger and clear it. serve does
this on startup; use reap to clean up without starting the daemon.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(flags, args)
			if err != nil {
				return err
			}
			cfg, err := procyard.LoadConfig(path)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			l, closer, err := logger.New(procyard.LoggerConfig(cfg.File.Log))
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()
			n := procyard.ReapOrphans(cfg, l)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "reaped %d processes\n", n)
			return err
		},
	}
}
