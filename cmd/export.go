package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kmproj/jpksj-to-sql/internal/db"
	"github.com/kmproj/jpksj-to-sql/internal/export"
)

var exportCmd = &cobra.Command{
	Use:   "export <out.parquet>",
	Short: "Write the stored column metadata to a Parquet file",
	Long: `Writes one row per column of every loaded table (name, type, description, foreign-key
hint and coded values) from the state database to a Parquet file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		rows, err := db.ListColumnMetadata(cmd.Context(), getDB())
		if err != nil {
			return err
		}
		if err := export.WriteColumns(args[0], rows); err != nil {
			return err
		}
		logger.Info("Column metadata exported.", slog.String("file", args[0]), slog.Int("rows", len(rows)))
		return nil
	},
}
