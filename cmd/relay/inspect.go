package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/relay/internal/classify"
	"github.com/msageha/relay/internal/compress"
	"github.com/msageha/relay/internal/gather"
	"github.com/msageha/relay/internal/metrics"
	"github.com/msageha/relay/internal/model"
	"github.com/msageha/relay/internal/score"
	"github.com/msageha/relay/internal/setup"
	"github.com/msageha/relay/internal/status"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .relay/ with a default config in the workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, err := setup.Run(g.workspace, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "backend kind: scripted, anthropic or openai")
	cmd.Flags().StringVar(&opts.Checkpoint, "checkpoint", "", "checkpoint store: file or sqlite")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "rewrite an existing config")
	return cmd
}

func newClassifyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <request>...",
		Short: "Show how a request would be classified",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd)
			if err != nil {
				return err
			}
			request := strings.Join(args, " ")
			res := classify.New(a.logger).Classify(request)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "task type:  %s\n", res.TaskType)
			fmt.Fprintf(w, "confidence: %.2f\n", res.Confidence)
			if len(res.Features.MatchedKeywords) > 0 {
				fmt.Fprintf(w, "keywords:   %s\n", strings.Join(res.Features.MatchedKeywords, ", "))
			}
			if len(res.Features.MentionedFiles) > 0 {
				fmt.Fprintf(w, "files:      %s\n", strings.Join(res.Features.MentionedFiles, ", "))
			}
			if act := classify.DetectAction(request); act.Name != "" {
				fmt.Fprintf(w, "action:     %s %s\n", act.Name, act.Path)
			}
			if res.Err != nil {
				fmt.Fprintf(w, "note:       %v\n", res.Err)
			}
			return nil
		},
	}
}

func newGatherCmd(g *globalFlags) *cobra.Command {
	var (
		task    string
		include []string
		show    bool
	)
	cmd := &cobra.Command{
		Use:   "gather [request]...",
		Short: "Gather, rank and compress workspace context without opening a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd)
			if err != nil {
				return err
			}
			request := strings.Join(args, " ")
			taskType := model.TaskUnknown
			if task != "" {
				if taskType, err = model.ParseTaskType(task); err != nil {
					return err
				}
			} else if request != "" {
				taskType = classify.New(a.logger).Classify(request).TaskType
			}
			if include == nil {
				include = a.cfg.Gather.Include
			}

			res, err := gather.New(a.ws, a.counter, gather.OptionsFromConfig(a.cfg), a.logger).Gather(cmd.Context(), gather.Request{
				TaskType: taskType,
				Include:  include,
				MaxFiles: a.cfg.MaxGatherFiles,
				Focus:    classify.MentionedFiles(request),
			})
			if err != nil {
				return err
			}
			chunks := res.Collect()
			ranked := score.New(score.WeightsFromConfig(a.cfg)).Rank(chunks, taskType, request)
			budget := a.cfg.TokenBudget()
			budget.ReservePrompt()
			cc, err := compress.New(a.counter, a.logger).Compress(ranked, &budget)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if show {
				fmt.Fprintln(w, cc.PromptText())
				return nil
			}
			printRanking(w, ranked, cc)
			for _, warn := range res.Warnings() {
				fmt.Fprintf(w, "warning: %s\n", warn)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&task, "type", "t", "", "task type to gather for (default: classify the request)")
	cmd.Flags().StringSliceVar(&include, "include", nil, "glob patterns of files to gather")
	cmd.Flags().BoolVar(&show, "show", false, "print the compressed context as the backend would see it")
	return cmd
}

func printRanking(w io.Writer, ranked []score.Scored, cc model.CompressedContext) {
	kept := make(map[string]bool, len(cc.Chunks))
	for _, c := range cc.Chunks {
		kept[c.Source] = true
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tPRIORITY\tTYPE\tTOKENS\tKEPT\tSOURCE")
	for _, s := range ranked {
		mark := "-"
		if kept[s.Chunk.Source] {
			mark = "yes"
		}
		fmt.Fprintf(tw, "%.0f\t%s\t%s\t%d\t%s\t%s\n", s.Score, s.Chunk.Priority, s.Chunk.ChunkType, s.Chunk.Tokens, mark, s.Chunk.Source)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d of %d chunks, %d tokens, %.0f%% of budget", len(cc.Chunks), len(ranked), cc.TotalTokens, cc.Utilization*100)
	if cc.Truncated {
		fmt.Fprint(w, ", truncated")
	}
	fmt.Fprintln(w)
}

func newCountCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "count [file]...",
		Short: "Count tokens in workspace files, or stdin when no file is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.load(cmd)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				fmt.Fprintf(w, "%d\n", a.counter.Count(string(data)))
				return nil
			}
			total := 0
			for _, p := range args {
				data, err := a.ws.ReadFile(p)
				if err != nil {
					return err
				}
				n := a.counter.Count(string(data))
				total += n
				fmt.Fprintf(w, "%8d  %s\n", n, p)
			}
			if len(args) > 1 {
				fmt.Fprintf(w, "%8d  total\n", total)
			}
			return nil
		},
	}
}

func newCheckpointsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "List, show or delete saved sessions",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved sessions, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				a, err := g.load(cmd)
				if err != nil {
					return err
				}
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				infos, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SESSION\tSTATE\tTYPE\tUPDATED\tREQUEST")
				for _, i := range infos {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", i.SessionID, i.State, i.TaskType, i.UpdatedAt, oneLine(i.Request, 60))
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "show <session-id>",
			Short: "Print a checkpoint as YAML",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := g.load(cmd)
				if err != nil {
					return err
				}
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				cp, err := store.Restore(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := yamlv3.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(cp); err != nil {
					return err
				}
				return enc.Close()
			},
		},
		&cobra.Command{
			Use:   "delete <session-id>...",
			Short: "Delete saved sessions",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := g.load(cmd)
				if err != nil {
					return err
				}
				store, err := a.openStore()
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				for _, id := range args {
					if err := store.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("delete %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			},
		},
	)
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the workspace lock, saved sessions and recorded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.load(cmd)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			s, err := status.Collect(cmd.Context(), a.stateDir, store, a.journalPath())
			if err != nil {
				return err
			}
			return status.Write(cmd.OutOrStdout(), s, jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func newMetricsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print counters accumulated across runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.load(cmd)
			if err != nil {
				return err
			}
			totals, err := metrics.LoadTotals(a.metricsPath())
			if err != nil {
				return err
			}
			if len(totals.Series) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no metrics recorded yet")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# updated %s\n%s", totals.UpdatedAt, totals.Format())
			return nil
		},
	}
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
