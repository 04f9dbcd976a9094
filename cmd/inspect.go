package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kmproj/jpksj-to-sql/internal/gdal"
	"github.com/kmproj/jpksj-to-sql/internal/inspector"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file> [layer]",
	Short: "Show the column schema of a converted output file",
	Long: `Introspects an output file with ogrinfo and prints its columns the way the metadata
store records them: surrogate key first, then attributes, then geometry columns with
their multi-part type and SRID. Parquet files are summarized with DuckDB instead,
including their row count.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		out := cmd.OutOrStdout()
		path := args[0]

		if inspector.IsParquet(path) && len(args) == 1 {
			summaries, err := inspector.SummarizeParquet(cmd.Context(), getDB(), logger, path)
			inspector.Print(out, summaries)
			return err
		}

		layer := ""
		if len(args) > 1 {
			layer = args[1]
		}
		conv := gdal.New(gdal.ExecRunner{}, gdal.Options{
			OgrInfo: cfg.GDAL.OgrInfo,
			Logger:  logger.With(slog.String("component", "gdal")),
		})
		tbl, err := conv.IntrospectSchema(cmd.Context(), path, layer)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "Layer %s (primary key %s)\n", tbl.Name, tbl.PrimaryKey())
		fmt.Fprintf(out, "  %-30s | %s\n", "Column Name", "Data Type")
		fmt.Fprintf(out, "  %s\n", "---------------------------------------------------------------")
		for _, c := range tbl.Columns {
			fmt.Fprintf(out, "  %-30s | %s\n", c.Name, c.DataType())
		}
		return nil
	},
}
