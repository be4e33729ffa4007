// Package cmd defines the CLI commands for the domaincrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/config"
	"github.com/JakeFAU/domain-crawler/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs: the validated config and a logger
// built from it.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func loadEnv(path string) (*env, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "domaincrawler",
		Short: "A resumable single-domain web crawler.",
		Long: `domaincrawler crawls every page of one registered domain, honoring
scope rules and robots.txt, checkpointing its frontier so an interrupted
run can resume, and publishing its status for the stop and status commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e, err := loadEnv(cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, e))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newExportCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
