package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/storage/sqlite"
)

func newExportCmd() *cobra.Command {
	var (
		out     string
		columns []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Exports scraped pages from the sqlite store as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := os.Stat(e.cfg.Storage.SQLitePath); err != nil {
				return fmt.Errorf("open record store: %w", err)
			}
			store, err := sqlite.Open(cmd.Context(), e.cfg.Storage.SQLitePath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			w := cmd.OutOrStdout()
			var f *os.File
			if out != "" && out != "-" {
				f, err = os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				w = f
			}

			n, err := store.Export(cmd.Context(), w, columns)
			if f != nil {
				if cerr := f.Close(); err == nil && cerr != nil {
					err = fmt.Errorf("close %s: %w", out, cerr)
				}
			}
			if err != nil {
				return err
			}
			e.logger.Info("export complete", zap.Int("rows", n), zap.String("out", out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "columns to export (default all)")
	return cmd
}
