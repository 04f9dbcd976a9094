package target

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind distinguishes the two destination variants.
type Kind int

const (
	KindDatabase Kind = iota
	KindFile
)

func (k Kind) String() string {
	if k == KindDatabase {
		return "database"
	}
	return "file"
}

// Target is where loaded outputs go. It is immutable and shared by every worker.
type Target struct {
	Kind       Kind
	Connection string // PostgreSQL connection string, KindDatabase only
	OutputDir  string // KindFile only
	Driver     string // conversion tool driver name, KindFile only
	Extension  string
}

// Database targets a PostGIS database.
func Database(conn string) Target {
	return Target{Kind: KindDatabase, Connection: conn, Driver: "PostgreSQL"}
}

// File targets one file per output under dir, written with the given driver.
func File(dir, driver string) Target {
	return Target{Kind: KindFile, OutputDir: dir, Driver: driver, Extension: ExtensionFor(driver)}
}

// Parse interprets the CLI format/destination pair. "postgresql" (any case) selects
// a database; anything else is taken as a file driver name.
func Parse(format, destination string) (Target, error) {
	if destination == "" {
		return Target{}, errors.New("destination is required")
	}
	if IsDatabaseFormat(format) {
		return Database(destination), nil
	}
	return File(destination, format), nil
}

// IsDatabaseFormat reports whether format names the PostgreSQL destination.
func IsDatabaseFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", "postgresql", "postgres", "pg":
		return true
	}
	return false
}

// OutputPath is the file an output identifier is written to.
func (t Target) OutputPath(identifier string) string {
	return filepath.Join(t.OutputDir, fmt.Sprintf("%s.%s", identifier, t.Extension))
}

// FileExists reports whether the file output for identifier is already present.
func (t Target) FileExists(identifier string) (bool, error) {
	_, err := os.Stat(t.OutputPath(identifier))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var knownExtensions = map[string]string{
	"gpkg":           "gpkg",
	"esri shapefile": "shp",
	"geojson":        "geojson",
	"geojsonseq":     "geojsonl",
	"flatgeobuf":     "fgb",
	"parquet":        "parquet",
	"arrow":          "arrow",
	"csv":            "csv",
	"kml":            "kml",
	"libkml":         "kml",
	"gml":            "gml",
	"sqlite":         "sqlite",
	"mapinfo file":   "tab",
	"pmtiles":        "pmtiles",
	"mvt":            "mvt",
	"topojson":       "topojson",
	"dxf":            "dxf",
	"ods":            "ods",
	"xlsx":           "xlsx",
}

var punctRun = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// ExtensionFor returns the canonical file extension for a driver name. Unknown
// drivers are lower-cased with runs of punctuation collapsed to "_".
func ExtensionFor(driver string) string {
	key := strings.ToLower(strings.TrimSpace(driver))
	if ext, ok := knownExtensions[key]; ok {
		return ext
	}
	return strings.Trim(punctRun.ReplaceAllString(key, "_"), "_")
}
