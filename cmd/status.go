package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/domain-crawler/internal/app"
	"github.com/JakeFAU/domain-crawler/internal/control"
)

// notRunning is printed when no status has ever been published.
var notRunning = map[string]string{"status": "Not Running"}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Prints the latest crawl status as JSON",
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

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			snap, err := remote.ReadStatus(cmd.Context())
			switch {
			case errors.Is(err, control.ErrNoStatus):
				return enc.Encode(notRunning)
			case err != nil:
				return fmt.Errorf("read status: %w", err)
			}
			return enc.Encode(snap)
		},
	}
}
