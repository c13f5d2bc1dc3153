package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/notify"
	"github.com/msageha/relay/internal/orchestrator"
)

type outputFlags struct {
	format string
	notify bool
}

func (f *outputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.format, "output", "o", "text", "output format: text or yaml")
	cmd.Flags().BoolVar(&f.notify, "notify", false, "show a desktop notification when the session ends")
}

// announce sends the desktop notification for res when requested. Failure
// to notify never changes the command's outcome.
func (f *outputFlags) announce(cmd *cobra.Command, res *model.SessionResult) {
	if !f.notify || res == nil {
		return
	}
	msg := fmt.Sprintf("%s: %d artifacts", res.Status, len(res.Artifacts))
	if res.Reason != "" {
		msg = fmt.Sprintf("%s: %s", res.Status, res.Reason)
	}
	if err := notify.Send(cmd.Context(), "relay "+res.SessionID, msg); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: notify: %v\n", err)
	}
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var (
		req    orchestrator.Request
		task   string
		dryRun bool
		yes    bool
		out    outputFlags
	)
	cmd := &cobra.Command{
		Use:   "run <request>...",
		Short: "Process a request from classification to a finished session",
		Example: `  relay run "list files in internal"
  relay run --type debug "fix the nil pointer in parser.go"
  relay run --dry-run --capability search "where is the retry loop"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd)
			if err != nil {
				return err
			}
			req.Text = strings.Join(args, " ")
			if task != "" {
				t, err := model.ParseTaskType(task)
				if err != nil {
					return err
				}
				req.TaskType = t
			}
			opts := sessionOptions{dryRun: dryRun, yes: yes, in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
			res, runErr := a.session(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator) (*model.SessionResult, error) {
				return o.Run(ctx, req)
			})
			out.announce(cmd, res)
			return finish(cmd.OutOrStdout(), out.format, res, runErr)
		},
	}
	cmd.Flags().StringVarP(&task, "type", "t", "", "skip classification and use this task type")
	cmd.Flags().StringSliceVar(&req.Include, "include", nil, "glob patterns of files to gather (overrides gather.include)")
	cmd.Flags().StringSliceVar(&req.Capabilities, "capability", nil, "extra tool capabilities: search, analysis, write, execute")
	cmd.Flags().BoolVar(&req.NoActions, "no-actions", false, "always open a backend session")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the offline scripted backend")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every tool that asks for confirmation")
	out.register(cmd)
	return cmd
}

func newResumeCmd(g *globalFlags) *cobra.Command {
	var (
		fallback string
		dryRun   bool
		yes      bool
		out      outputFlags
	)
	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Continue an interrupted session from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd)
			if err != nil {
				return err
			}
			opts := sessionOptions{dryRun: dryRun, yes: yes, in: cmd.InOrStdin(), out: cmd.ErrOrStderr()}
			res, runErr := a.session(cmd.Context(), opts, func(ctx context.Context, o *orchestrator.Orchestrator) (*model.SessionResult, error) {
				return o.Resume(ctx, args[0], orchestrator.Request{Text: fallback})
			})
			out.announce(cmd, res)
			return finish(cmd.OutOrStdout(), out.format, res, runErr)
		},
	}
	cmd.Flags().StringVar(&fallback, "request", "", "start this request fresh if the checkpoint is missing or corrupt")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the offline scripted backend")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every tool that asks for confirmation")
	out.register(cmd)
	return cmd
}

// finish prints res and maps its status to the process exit code:
// 1 for failed, 2 for timed out.
func finish(w io.Writer, format string, res *model.SessionResult, err error) error {
	if res == nil {
		return err
	}
	if perr := printResult(w, format, res); perr != nil {
		return perr
	}
	if err == nil {
		return nil
	}
	code := 1
	if res.Status == model.SessionStatusTimedOut {
		code = 2
	}
	return &exitError{code: code, err: err}
}

func printResult(w io.Writer, format string, res *model.SessionResult) error {
	switch format {
	case "yaml":
		enc := yamlv3.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(res); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if res.Output != "" {
		fmt.Fprintln(w, res.Output)
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "session:   %s\n", res.SessionID)
	fmt.Fprintf(w, "status:    %s\n", res.Status)
	if res.TaskType != "" {
		fmt.Fprintf(w, "task type: %s (confidence %.2f)\n", res.TaskType, res.Confidence)
	}
	if res.Lightweight != "" {
		fmt.Fprintf(w, "action:    %s\n", res.Lightweight)
	} else if len(res.Tools) > 0 {
		fmt.Fprintf(w, "tools:     %s\n", strings.Join(res.Tools, ", "))
		fmt.Fprintf(w, "context:   %d chunks, %d tokens (%.0f%%)", res.Context.ChunkCount, res.Context.TokensUsed, res.Context.Utilization*100)
		if res.Truncated {
			fmt.Fprint(w, ", truncated")
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "turns:     %d\n", res.Iterations)
	}
	if res.Reason != "" {
		fmt.Fprintf(w, "reason:    %s\n", res.Reason)
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(w, "  %-8s %s (%s)\n", a.Action, a.Path, a.ToolName)
	}
	for _, msg := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", msg)
	}
	return nil
}
