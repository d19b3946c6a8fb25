package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/deepresearch/internal/temporal"
	"github.com/Kocoro-lab/deepresearch/internal/workflows"
)

type submitFlags struct {
	locale        string
	queue         string
	maxIterations int
	maxSubagents  int
	output        string
	plain         bool
}

func (f submitFlags) input(runID, goal string) temporal.ResearchInput {
	return temporal.ResearchInput{
		RunID:             runID,
		Goal:              goal,
		Locale:            f.locale,
		MaxPlanIterations: f.maxIterations,
		MaxSubagents:      f.maxSubagents,
	}
}

func newSubmitCommand(c *cli) *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Start a research workflow on Temporal and wait for the report",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.submit(cmd.Context(), strings.Join(args, " "), *f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.locale, "locale", "l", "", "Report locale, e.g. en-US")
	cmd.Flags().StringVar(&f.queue, "queue", "", "Task queue (defaults to the configured queue)")
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "Maximum planning rounds (0 keeps the worker's value)")
	cmd.Flags().IntVar(&f.maxSubagents, "max-subagents", 0, "Maximum parallel subagents (0 keeps the worker's value)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write the report markdown to this file")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "Render without colors")
	return cmd
}

func (c *cli) submit(ctx context.Context, goal string, f submitFlags, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if cfg.Temporal.Host == "" {
		return fmt.Errorf("temporal host is not configured (set temporal.host or TEMPORAL_HOST)")
	}

	md, err := newMarkdownRenderer(f.plain)
	if err != nil {
		return err
	}

	tc, err := temporal.Dial(ctx, cfg.Temporal.Host, cfg.Temporal.Namespace, logger)
	if err != nil {
		return err
	}
	defer tc.Close()

	queue := f.queue
	if queue == "" {
		queue = cfg.Temporal.TaskQueue
	}
	runID := uuid.NewString()
	fmt.Fprintf(out, "%s %s\n", bold("Submitted:"), goal)
	fmt.Fprintf(out, "%s\n", gray("workflow "+temporal.WorkflowID(runID)))

	res, err := temporal.Submit(ctx, tc, queue, f.input(runID, goal))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s run %s: %d plan iteration(s), %d succeeded, %d failed\n",
		green("■"), res.Outcome, res.PlanIterations, res.Succeeded, res.Failed)
	return writeResult(out, md, f.output, &workflows.Result{
		RunID:   res.RunID,
		Outcome: workflows.Outcome(res.Outcome),
		Report:  res.Report,
		Reply:   res.Reply,
	})
}
