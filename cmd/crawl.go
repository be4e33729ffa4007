package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/app"
	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// errRunStopped is returned when a crawl ends before the frontier drained,
// so scripts can tell a finished crawl from an interrupted one.
var errRunStopped = errors.New("crawl stopped before completion")

func newCrawlCmd() *cobra.Command {
	var (
		resume   bool
		startURL string
	)
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the configured domain",
		Long: `Crawls every in-scope page reachable from the start URL. SIGINT or
SIGTERM stops the run after in-flight pages finish and writes a final
checkpoint; rerun with --resume to continue from it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if cmd.Flags().Changed("resume") {
				cfg.Crawl.Resume = resume
			}
			if startURL != "" {
				cfg.Crawl.StartURL = startURL
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, e.logger)
			if err != nil {
				return fmt.Errorf("init crawl: %w", err)
			}
			defer a.Close()

			status, err := a.Run(ctx)
			if err != nil {
				return fmt.Errorf("run crawl: %w", err)
			}
			e.logger.Info("crawl command finished", zap.String("run_id", a.RunID()), zap.String("status", string(status)))
			if status != crawler.StatusFinished {
				return errRunStopped
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "continue from the last checkpoint")
	cmd.Flags().StringVar(&startURL, "start-url", "", "override crawl.start_url")
	return cmd
}
