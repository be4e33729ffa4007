package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/domain-crawler/internal/app"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Asks a running crawl to stop",
		Long: `Writes a stop instruction to every configured stop source. The running
crawl picks it up on its next poll, finishes in-flight pages and exits with
status Stopped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			remote, err := app.OpenRemote(e.cfg)
			if err != nil {
				return err
			}
			defer remote.Close()

			if err := remote.RequestStop(cmd.Context()); err != nil {
				return fmt.Errorf("request stop: %w", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return nil
		},
	}
}
