// Package main implements the medagent CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/medagent/internal/config"
	"github.com/fyrsmithlabs/medagent/internal/services"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "medagent",
		Short: "Biomedical research agent",
		Long: `medagent answers biomedical research questions by planning searches over
PubMed, ClinicalTrials.gov and ChEMBL, synthesizing cited findings and
writing a markdown report.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/medagent/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")

	root.AddCommand(newResearchCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "medagent by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}

// loadConfig reads the config file and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	cfg.Telemetry.ServiceVersion = version
	return cfg, nil
}

// buildServices loads config and wires every service. Callers must Close
// the registry.
func buildServices(ctx context.Context, opts services.Options) (services.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, printError("Configuration error", err.Error(), []string{
			"Check the file passed with --config",
			"Run with MEDAGENT_ environment variables instead of a file",
		})
	}
	reg, err := services.Build(ctx, cfg, opts)
	if err != nil {
		return nil, printError("Startup failed", err.Error(), nil)
	}
	return reg, nil
}
