// Command research runs a research request from the terminal, either in
// process or on a Temporal worker.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deepresearch/internal/config"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// cli holds the persistent flags shared by every subcommand.
type cli struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "research",
		Short:         "Multi-step research from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultPath(), "Path to the configuration file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log to stderr at debug level")

	root.AddCommand(newRunCommand(c))
	root.AddCommand(newSubmitCommand(c))
	return root
}

// load reads the configuration and builds a logger. Without --verbose the
// CLI stays quiet and only progress lines reach the terminal.
func (c *cli) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if !c.verbose {
		return cfg, zap.NewNop(), nil
	}
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
