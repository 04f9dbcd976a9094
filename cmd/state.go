package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kmproj/jpksj-to-sql/internal/db"
)

var (
	stateLimit     int
	stateDataset   string
	stateEvent     string
	stateRun       string
	stateCompleted bool
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the load event history",
	Long: `Queries the DuckDB event log and displays recent load events, newest first.
Use flags to filter by dataset, event type or run id. With --completed, lists every
table whose latest load finished instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		out := cmd.OutOrStdout()

		if stateCompleted {
			done, err := db.CompletedMappings(cmd.Context(), getDB(), logger)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(done))
			for id := range done {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(out, "%-24s %s\n", id, done[id])
			}
			fmt.Fprintf(out, "%d tables loaded.\n", len(ids))
			return nil
		}

		logger.Debug("Querying load event log.",
			"dataset", stateDataset, "event", stateEvent, "run", stateRun, "limit", stateLimit)
		return db.DisplayLoadHistory(cmd.Context(), out, getDB(), db.HistoryFilter{
			Dataset: stateDataset,
			Event:   stateEvent,
			RunID:   stateRun,
			Limit:   stateLimit,
		})
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVar(&stateDataset, "dataset", "", "Filter records by dataset identifier")
	stateCmd.Flags().StringVarP(&stateEvent, "event", "e", "", "Filter records by event type (load_start, load_end, skip_exists, fallback, error)")
	stateCmd.Flags().StringVar(&stateRun, "run", "", "Filter records by run id")
	stateCmd.Flags().BoolVar(&stateCompleted, "completed", false, "List tables with a finished load and when it finished")
}
