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

	"github.com/Kocoro-lab/deepresearch/internal/bootstrap"
	"github.com/Kocoro-lab/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/deepresearch/internal/workflows"
)

type runFlags struct {
	locale        string
	background    bool
	backgroundSet bool
	review        bool
	maxIterations int
	maxSubagents  int
	output        string
	plain         bool
}

// runOptions maps flags onto a single run. Without --review every plan is
// accepted since nobody is there to answer.
func (f runFlags) runOptions(runID string) workflows.RunOptions {
	accept := !f.review
	ro := workflows.RunOptions{
		RunID:             runID,
		Entry:             "cli",
		MaxPlanIterations: f.maxIterations,
		MaxSubagents:      f.maxSubagents,
		AutoAcceptPlan:    &accept,
	}
	if f.backgroundSet {
		bg := f.background
		ro.BackgroundInvestigation = &bg
	}
	return ro
}

func newRunCommand(c *cli) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run a research request in this process",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.backgroundSet = cmd.Flags().Changed("background")
			return c.run(cmd.Context(), strings.Join(args, " "), *f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&f.locale, "locale", "l", "", "Report locale, e.g. en-US")
	cmd.Flags().BoolVar(&f.background, "background", true, "Run a background web search before planning")
	cmd.Flags().BoolVar(&f.review, "review", false, "Review each plan interactively before research starts")
	cmd.Flags().IntVar(&f.maxIterations, "max-iterations", 0, "Maximum planning rounds (0 keeps the configured value)")
	cmd.Flags().IntVar(&f.maxSubagents, "max-subagents", 0, "Maximum parallel subagents (0 keeps the configured value)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write the report markdown to this file")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "Render without colors")
	return cmd
}

func (c *cli) run(ctx context.Context, goal string, f runFlags, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	md, err := newMarkdownRenderer(f.plain)
	if err != nil {
		return err
	}

	var opts []bootstrap.Option
	if f.review {
		opts = append(opts, bootstrap.WithReviewer(newTerminalReviewer(out, md.Render)))
	}
	comps, err := bootstrap.Build(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer comps.Close()

	runID := uuid.NewString()
	events := comps.Streams.Subscribe(runID, 256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(out, events)
	}()

	locale := f.locale
	if locale == "" {
		locale = cfg.Research.DefaultLocale
	}
	fmt.Fprintf(out, "%s %s\n", bold("Researching:"), goal)
	fmt.Fprintf(out, "%s\n", gray("run "+runID))

	res, runErr := comps.Engine.Run(ctx, goal, locale, f.runOptions(runID))
	comps.Streams.Unsubscribe(runID, events)
	<-done
	if runErr != nil {
		return runErr
	}
	return writeResult(out, md, f.output, res)
}

// printProgress drains events until the channel is closed.
func printProgress(out io.Writer, events <-chan streaming.Event) {
	for ev := range events {
		if line := progressLine(ev); line != "" {
			fmt.Fprintln(out, line)
		}
	}
}

func writeResult(out io.Writer, md *markdownRenderer, path string, res *workflows.Result) error {
	if res.Report == "" {
		if res.Reply != "" {
			fmt.Fprintln(out, res.Reply)
		} else {
			fmt.Fprintf(out, "%s no report (%s)\n", yellow("!"), res.Outcome)
		}
		return nil
	}
	if path != "" {
		if err := os.WriteFile(path, []byte(res.Report), 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		fmt.Fprintf(out, "%s report written to %s\n", green("✓"), path)
		return nil
	}
	fmt.Fprint(out, md.Render(res.Report))
	return nil
}
