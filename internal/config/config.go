package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/kmproj/jpksj-to-sql/internal/archive"
	"github.com/kmproj/jpksj-to-sql/internal/loader"
	"github.com/kmproj/jpksj-to-sql/internal/mapping"
)

// DatabaseURLEnv is consulted when no database destination is given on the command line.
const DatabaseURLEnv = "JPKSJ_DATABASE_URL"

const (
	DefaultStateDB  = "jpksj.duckdb"
	DefaultManifest = "datasets.json"
)

// Log controls the process logger.
type Log struct {
	Level  string `toml:"level"`  // debug|info|warn|error
	Format string `toml:"format"` // text|json
	Output string `toml:"output"` // stderr|stdout|<file path>
}

// GDAL locates the conversion tools.
type GDAL struct {
	OgrInfo string `toml:"ogrinfo"`
	Ogr2Ogr string `toml:"ogr2ogr"`
}

// Config holds application settings. Defaults come from Default, a TOML file may
// override any of them and explicitly set CLI flags win over both.
type Config struct {
	TmpDir       string        `toml:"tmp_dir"`
	StateDBPath  string        `toml:"state_db"`
	Manifest     string        `toml:"manifest"`
	Workers      int           `toml:"workers"`
	QueueSize    int           `toml:"queue_size"`
	SkipIfExists bool          `toml:"skip_if_exists"`
	KeepScratch  bool          `toml:"keep_scratch"`
	DenyPrefixes []string      `toml:"deny_prefixes"`
	AdminCodes   string        `toml:"admin_codes"` // local AdminiBoundary_CD.xlsx; empty skips the code table
	Log          Log           `toml:"log"`
	GDAL         GDAL          `toml:"gdal"`
	Mapping      mapping.Rules `toml:"mapping"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		TmpDir:       filepath.Join(os.TempDir(), "jpksj-to-sql"),
		StateDBPath:  DefaultStateDB,
		Manifest:     DefaultManifest,
		Workers:      loader.DefaultWorkers(),
		DenyPrefixes: append([]string(nil), archive.DefaultDenyPrefixes...),
		Log:          Log{Level: "info", Format: "text", Output: "stderr"},
		GDAL:         GDAL{OgrInfo: "ogrinfo", Ogr2Ogr: "ogr2ogr"},
		Mapping:      mapping.DefaultRules(),
	}
}

// Load overlays the TOML file at path onto the defaults. An empty path returns the
// defaults. Mapping rules from the file are merged key by key with the built-in rules.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	builtin := cfg.Mapping
	cfg.Mapping = mapping.Rules{}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return cfg, fmt.Errorf("parse config %s:%d:%d: %w", path, row, col, err)
		}
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Mapping = builtin.Merge(cfg.Mapping)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values a TOML file can get wrong.
func (c Config) Validate() error {
	var errs error
	if c.Workers < 0 {
		errs = errors.Join(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	if c.QueueSize < 0 {
		errs = errors.Join(errs, fmt.Errorf("queue_size must not be negative, got %d", c.QueueSize))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if _, err := mapping.NewResolver(c.Mapping); err != nil {
		errs = errors.Join(errs, fmt.Errorf("mapping rules: %w", err))
	}
	return errs
}

// LoadEnv reads .env files into the process environment without overriding
// variables that are already set. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// DatabaseURL resolves a database destination argument. "env:NAME" reads the named
// variable and an empty argument falls back to DatabaseURLEnv.
func DatabaseURL(arg string) (string, error) {
	name, fromEnv := strings.CutPrefix(arg, "env:")
	if arg == "" {
		name, fromEnv = DatabaseURLEnv, true
	}
	if !fromEnv {
		return arg, nil
	}
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}
