package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"

	"github.com/kmproj/jpksj-to-sql/internal/config"
	"github.com/kmproj/jpksj-to-sql/internal/db"
)

var (
	cfgFile   string
	tmpDir    string
	statePath string
	workers   int
	logFormat string
	logLevel  string
	logOutput string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	logSink    = &switchWriter{w: os.Stderr}
	dbConn     *sql.DB
	appConfig  config.Config
)

var rootCmd = &cobra.Command{
	Use:   "jpksj-to-sql",
	Short: "Load 国土数値情報 shapefile archives into PostGIS or GIS files.",
	Long: `jpksj-to-sql takes the already downloaded archives of the national land numerical
information catalog, works out which shapefiles make up each output table, and converts
them with GDAL into a PostGIS database or one file per table.

Load events and table metadata are kept in a local DuckDB file, which the 'state' and
'export' commands read.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnv(); err != nil {
			return err
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		applyRootFlags(cmd, &cfg)
		appConfig = cfg

		if err := initLogger(cfg.Log); err != nil {
			return err
		}
		rootLogger.Debug("Configuration loaded.",
			slog.String("config_file", cfgFile),
			slog.String("tmp_dir", cfg.TmpDir),
			slog.String("state_db", cfg.StateDBPath),
			slog.Int("workers", cfg.Workers))

		if cfg.StateDBPath != ":memory:" {
			if dir := filepath.Dir(cfg.StateDBPath); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create state database directory %s: %w", dir, err)
				}
			}
		}

		rootLogger.Debug("Opening state database.", slog.String("path", cfg.StateDBPath))
		dsn := cfg.StateDBPath
		if dsn == ":memory:" {
			dsn = ""
		}
		dbConn, err = sql.Open("duckdb", dsn)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", cfg.StateDBPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", cfg.StateDBPath, err)
		}
		if err := db.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly.", slog.Any("error", err))
			}
		}
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(exportCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed.", slog.Any("error", err))
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	def := config.Default()
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "TOML config file")
	rootCmd.PersistentFlags().StringVar(&tmpDir, "tmp-dir", def.TmpDir, "Scratch directory for extracted shapefiles and VRT descriptors")
	rootCmd.PersistentFlags().StringVarP(&statePath, "state-db", "d", def.StateDBPath, "Path to DuckDB state database file (:memory: for in-memory)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", def.Workers, "Number of datasets loaded concurrently")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", def.Log.Format, "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", def.Log.Level, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", def.Log.Output, "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.1.0"
}

// applyRootFlags lets explicitly set flags win over the config file.
func applyRootFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("tmp-dir") {
		cfg.TmpDir = tmpDir
	}
	if flags.Changed("state-db") {
		cfg.StateDBPath = statePath
	}
	if flags.Changed("workers") {
		cfg.Workers = workers
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-output") {
		cfg.Log.Output = logOutput
	}
}

func initLogger(lc config.Log) error {
	var level slog.Level
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	switch out := strings.ToLower(lc.Output); out {
	case "", "stderr":
		logSink.Set(os.Stderr)
	case "stdout":
		logSink.Set(os.Stdout)
	default:
		// The file handle lives for the whole process.
		f, err := os.OpenFile(lc.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", lc.Output, err)
		}
		logSink.Set(f)
		logSink.file = true
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		handler = slog.NewJSONHandler(logSink, opts)
	} else {
		handler = slog.NewTextHandler(logSink, opts)
	}
	rootLogger = slog.New(handler)
	slog.SetDefault(rootLogger)
	return nil
}

// switchWriter lets the load command route log lines through the terminal view
// while it is drawing.
type switchWriter struct {
	mu   sync.Mutex
	w    io.Writer
	file bool
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Set swaps the destination and returns the previous one.
func (s *switchWriter) Set(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.w
	s.w = w
	return prev
}

// ToFile reports whether logs go to a file rather than a terminal stream.
func (s *switchWriter) ToFile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() config.Config {
	return appConfig
}
