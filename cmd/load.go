package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kmproj/jpksj-to-sql/internal/admincode"
	"github.com/kmproj/jpksj-to-sql/internal/catalog"
	"github.com/kmproj/jpksj-to-sql/internal/config"
	"github.com/kmproj/jpksj-to-sql/internal/db"
	"github.com/kmproj/jpksj-to-sql/internal/gdal"
	"github.com/kmproj/jpksj-to-sql/internal/loader"
	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/metadata"
	"github.com/kmproj/jpksj-to-sql/internal/postgis"
	"github.com/kmproj/jpksj-to-sql/internal/progress"
	"github.com/kmproj/jpksj-to-sql/internal/target"
)

var (
	loadFormat       string
	loadManifest     string
	loadSkipIfExists bool
	loadKeepScratch  bool
	loadOnly         []string
	loadQueueSize    int
	loadProgress     string
	loadAdminPath    string
)

var loadCmd = &cobra.Command{
	Use:   "load [destination]",
	Short: "Convert downloaded dataset archives into PostGIS tables or files",
	Long: `Reads the dataset manifest, resolves every dataset into its output tables, extracts
the matching shapefiles and converts them with ogr2ogr.

With the default --format postgresql the destination is a PostgreSQL connection string,
"env:NAME" to read it from an environment variable, or empty to use JPKSJ_DATABASE_URL.
Any other --format is a GDAL driver name and the destination is an output directory.`,
	Example: `  jpksj-to-sql load postgres://gis@localhost/jpksj
  jpksj-to-sql load --format GPKG --only N03,A38 ./out`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		applyLoadFlags(cmd, &cfg)

		dest := ""
		if len(args) > 0 {
			dest = args[0]
		}
		if target.IsDatabaseFormat(loadFormat) {
			conn, err := config.DatabaseURL(dest)
			if err != nil {
				return err
			}
			dest = conn
		}
		tgt, err := target.Parse(loadFormat, dest)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		datasets, err := catalog.LoadManifest(cfg.Manifest)
		if err != nil {
			return err
		}
		if len(loadOnly) > 0 {
			datasets = catalog.Filter(datasets, loadOnly)
			if len(datasets) == 0 {
				return fmt.Errorf("no dataset in %s matches --only %s", cfg.Manifest, strings.Join(loadOnly, ","))
			}
		}

		resolver, err := mapping.NewResolver(cfg.Mapping)
		if err != nil {
			return err
		}
		conv := gdal.New(gdal.ExecRunner{}, gdal.Options{
			OgrInfo: cfg.GDAL.OgrInfo,
			Ogr2Ogr: cfg.GDAL.Ogr2Ogr,
			VRTDir:  filepath.Join(cfg.TmpDir, "vrt"),
			Logger:  logger.With(slog.String("component", "gdal")),
		})

		events := db.NewEventLog(getDB(), uuid.NewString(), logger)
		sinks := []metadata.Sink{events}

		var (
			destination loader.Destination
			pg          *postgis.DB
		)
		if tgt.Kind == target.KindDatabase {
			pg, err = postgis.Open(ctx, tgt.Connection, logger)
			if err != nil {
				return err
			}
			defer pg.Close()
			destination = pg
			sinks = append(sinks, pg)
		} else {
			destination = loader.FileDestination{Target: tgt, Introspector: conv}
		}

		view, restore, err := newProgressView(loadProgress, logger)
		if err != nil {
			return err
		}
		defer restore()

		logger.Info("Starting load.",
			slog.String("run_id", events.RunID()),
			slog.String("manifest", cfg.Manifest),
			slog.Int("datasets", len(datasets)),
			slog.String("target", tgt.Kind.String()))

		summary, err := loader.Run(ctx, feed(ctx, datasets), loader.Config{
			Workers:      cfg.Workers,
			QueueSize:    cfg.QueueSize,
			SkipIfExists: cfg.SkipIfExists,
			ScratchDir:   cfg.TmpDir,
			KeepScratch:  cfg.KeepScratch,
			DenyPrefixes: cfg.DenyPrefixes,
		}, loader.Deps{
			Resolver:    resolver,
			Converter:   conv,
			Target:      tgt,
			Destination: destination,
			Sinks:       sinks,
			Events:      events,
			View:        view,
			Logger:      logger,
		})
		restore()

		fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %d datasets, %d loaded, %d skipped, %d failed.\n",
			events.RunID(), summary.Datasets, summary.Loaded, summary.Skipped, summary.Failed)
		if err != nil {
			return err
		}
		if pg != nil {
			if err := loadAdminCodes(ctx, cfg, conv, pg, sinks, logger); err != nil {
				return err
			}
		}
		if len(summary.FailedDatasets) > 0 {
			return fmt.Errorf("%d datasets failed: %s", len(summary.FailedDatasets), strings.Join(summary.FailedDatasets, ", "))
		}
		return nil
	},
}

func init() {
	def := config.Default()
	loadCmd.Flags().StringVarP(&loadFormat, "format", "f", "postgresql", "postgresql, or a GDAL vector driver name (GPKG, FlatGeobuf, Parquet, ...)")
	loadCmd.Flags().StringVarP(&loadManifest, "manifest", "m", def.Manifest, "JSON manifest of downloaded datasets")
	loadCmd.Flags().BoolVar(&loadSkipIfExists, "skip-if-exists", def.SkipIfExists, "Skip tables or files that already exist")
	loadCmd.Flags().BoolVar(&loadKeepScratch, "keep-scratch", def.KeepScratch, "Keep extracted shapefiles after each table is loaded")
	loadCmd.Flags().StringSliceVar(&loadOnly, "only", nil, "Load only these dataset identifiers (comma separated)")
	loadCmd.Flags().IntVar(&loadQueueSize, "queue-size", def.QueueSize, "Datasets waiting for a worker before submission blocks (0 = workers*2)")
	loadCmd.Flags().StringVar(&loadProgress, "progress", "auto", "Progress display: auto, tui, log or none")
	loadCmd.Flags().StringVar(&loadAdminPath, "admin-codes", def.AdminCodes, "Downloaded AdminiBoundary_CD.xlsx to load as admini_boundary_cd (database targets only)")
}

func applyLoadFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("manifest") {
		cfg.Manifest = loadManifest
	}
	if flags.Changed("skip-if-exists") {
		cfg.SkipIfExists = loadSkipIfExists
	}
	if flags.Changed("keep-scratch") {
		cfg.KeepScratch = loadKeepScratch
	}
	if flags.Changed("queue-size") {
		cfg.QueueSize = loadQueueSize
	}
	if flags.Changed("admin-codes") {
		cfg.AdminCodes = loadAdminPath
	}
}

// loadAdminCodes fills the code table that administrative code columns point at.
func loadAdminCodes(ctx context.Context, cfg config.Config, conv *gdal.Converter, pg *postgis.DB, sinks []metadata.Sink, logger *slog.Logger) error {
	if cfg.AdminCodes == "" {
		logger.Info("No administrative code list configured; skipping " + admincode.Table + ".")
		return nil
	}
	l := &admincode.Loader{
		Exporter:   conv,
		Store:      pg,
		Sinks:      sinks,
		ScratchDir: filepath.Join(cfg.TmpDir, "codes"),
		Logger:     logger,
	}
	if _, err := l.Load(ctx, cfg.AdminCodes); err != nil {
		return fmt.Errorf("load %s: %w", admincode.Table, err)
	}
	return nil
}

// feed streams the manifest to the loader until ctx is cancelled.
func feed(ctx context.Context, datasets []catalog.Dataset) <-chan catalog.Dataset {
	ch := make(chan catalog.Dataset)
	go func() {
		defer close(ch)
		for _, ds := range datasets {
			select {
			case ch <- ds:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// newProgressView picks the progress display. The terminal view takes over the
// log stream while it draws; restore gives it back and may be called repeatedly.
func newProgressView(mode string, logger *slog.Logger) (progress.View, func(), error) {
	noop := func() {}
	switch strings.ToLower(mode) {
	case "none":
		return nil, noop, nil
	case "log":
		return progress.NewLogView(logger), noop, nil
	case "auto":
		if !progress.IsTerminal(os.Stderr.Fd()) {
			return progress.NewLogView(logger), noop, nil
		}
	case "tui":
	default:
		return nil, noop, fmt.Errorf("unknown progress display %q (want auto, tui, log or none)", mode)
	}

	tv := progress.NewTerminalView(os.Stderr)
	if logSink.ToFile() {
		return tv, noop, nil
	}
	prev := logSink.Set(tv)
	restored := false
	return tv, func() {
		if !restored {
			logSink.Set(prev)
			restored = true
		}
	}, nil
}
