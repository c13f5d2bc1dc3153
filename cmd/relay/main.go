package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const version = "0.3.0"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: load .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "relay",
		Short: "Route development requests to built-in actions or assistant sessions",
		Long: `relay classifies a development request, gathers and compresses workspace
context under a token budget, assembles the tools the task needs and drives a
session with the configured backend. Every step is checkpointed under .relay/
so an interrupted session can be resumed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.workspace, "workspace", "C", ".", "workspace root")
	root.PersistentFlags().StringVar(&g.config, "config", "", "config file (default <workspace>/.relay/config.yaml)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (overrides logging.level)")

	root.AddCommand(
		newInitCmd(g),
		newRunCmd(g),
		newResumeCmd(g),
		newClassifyCmd(g),
		newGatherCmd(g),
		newCountCmd(g),
		newCheckpointsCmd(g),
		newStatusCmd(g),
		newMetricsCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Show version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "relay %s\n", version)
			},
		},
	)
	return root
}
