package gdal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/text/encoding/japanese"

	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/target"
)

const (
	encodingCP932 = "CP932"
	encodingUTF8  = "UTF-8"

	// attribute dump prefix inspected when the driver reports no encoding
	sniffFeatures = "100"
	sniffBytes    = 64 << 10
)

// Drivers that accept a GEOMETRY_NAME layer creation option.
var geometryNameDrivers = map[string]bool{
	"PostgreSQL":  true,
	"GPKG":        true,
	"SQLite":      true,
	"Parquet":     true,
	"Arrow":       true,
	"OpenFileGDB": true,
}

// Options configures a Converter.
type Options struct {
	OgrInfo string // defaults to "ogrinfo"
	Ogr2Ogr string // defaults to "ogr2ogr"
	VRTDir  string // where descriptors are written, usually <tmp>/vrt
	Logger  *slog.Logger
}

// Converter prepares inputs for and drives the GDAL command line tools.
type Converter struct {
	runner  Runner
	ogrinfo string
	ogr2ogr string
	vrtDir  string
	logger  *slog.Logger
}

func New(r Runner, opts Options) *Converter {
	c := &Converter{
		runner:  r,
		ogrinfo: opts.OgrInfo,
		ogr2ogr: opts.Ogr2Ogr,
		vrtDir:  opts.VRTDir,
		logger:  opts.Logger,
	}
	if c.ogrinfo == "" {
		c.ogrinfo = "ogrinfo"
	}
	if c.ogr2ogr == "" {
		c.ogr2ogr = "ogr2ogr"
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	return c
}

func (c *Converter) run(ctx context.Context, tool string, args ...string) ([]byte, error) {
	res, err := c.runner.Run(ctx, tool, args...)
	if err != nil {
		return nil, &ToolError{Tool: filepath.Base(tool), Args: args, Stderr: lenient(res.Stderr), Err: err}
	}
	return res.Stdout, nil
}

// describe returns the first layer (or the named one) of ogrinfo's JSON report.
func (c *Converter) describe(ctx context.Context, source, layer string, extra ...string) (gjson.Result, error) {
	args := append([]string{"-json", "-so"}, extra...)
	args = append(args, source)
	if layer != "" {
		args = append(args, layer)
	}
	out, err := c.run(ctx, c.ogrinfo, args...)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(out) {
		return gjson.Result{}, fmt.Errorf("ogrinfo %s: output is not JSON", source)
	}

	var found gjson.Result
	gjson.GetBytes(out, "layers").ForEach(func(_, l gjson.Result) bool {
		if layer == "" || strings.EqualFold(l.Get("name").String(), layer) {
			found = l
			return false
		}
		return true
	})
	if !found.Exists() {
		return gjson.Result{}, fmt.Errorf("ogrinfo %s: layer %q not found", source, layer)
	}
	return found, nil
}

// Fields lists the attribute names of a shapefile.
func (c *Converter) Fields(ctx context.Context, shp string) ([]string, error) {
	l, err := c.describe(ctx, shp, "")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, n := range l.Get("fields.#.name").Array() {
		names = append(names, n.String())
	}
	return names, nil
}

// DetectEncoding prefers the encoding the shapefile driver reports (from the .cpg
// or the DBF language id). Without one it trial-decodes a prefix of the attribute
// dump, first as CP932 and then as UTF-8.
func (c *Converter) DetectEncoding(ctx context.Context, shp string) (string, error) {
	l, err := c.describe(ctx, shp, "", "-mdd", "all")
	if err != nil {
		return "", err
	}
	if enc := strings.TrimSpace(l.Get("metadata.SHAPEFILE.SOURCE_ENCODING").String()); enc != "" {
		return enc, nil
	}

	dump, err := c.run(ctx, c.ogrinfo, "-al", "-geom=NO", "-limit", sniffFeatures, shp)
	if err != nil {
		return "", err
	}
	if enc, ok := sniffEncoding(dump); ok {
		return enc, nil
	}
	return "", fmt.Errorf("%s: %w", shp, ErrEncodingUndetermined)
}

// sniffEncoding accepts the first candidate that decodes the bounded prefix cleanly.
func sniffEncoding(dump []byte) (string, bool) {
	trims := 0
	if len(dump) > sniffBytes {
		dump = dump[:sniffBytes]
		if i := bytes.LastIndexByte(dump, '\n'); i > 0 {
			dump = dump[:i+1]
		} else {
			// No line break to cut at: the last character may be split.
			trims = utf8.UTFMax - 1
		}
	}
	for n := 0; n <= trims && n < len(dump); n++ {
		b := dump[:len(dump)-n]
		if decodesAsCP932(b) {
			return encodingCP932, true
		}
		if utf8.Valid(b) {
			return encodingUTF8, true
		}
	}
	return "", false
}

// The x/text decoder substitutes U+FFFD instead of failing, so a replacement
// character that was not in the input marks invalid bytes.
func decodesAsCP932(b []byte) bool {
	decoded, err := japanese.ShiftJIS.NewDecoder().Bytes(b)
	if err != nil {
		return false
	}
	return !bytes.ContainsRune(decoded, utf8.RuneError) || bytes.Contains(b, []byte("\xef\xbf\xbd"))
}

// Prepare builds the virtual dataset for one mapping: fields are pruned to those
// present in the first shapefile and every shapefile gets its encoding.
func (c *Converter) Prepare(ctx context.Context, m mapping.OutputMapping, shapefiles []string) (VirtualDataset, error) {
	vd := VirtualDataset{Layer: m.TableName()}
	if len(shapefiles) == 0 {
		return vd, fmt.Errorf("mapping %s: %w", m.Identifier, ErrNoInput)
	}

	present, err := c.Fields(ctx, shapefiles[0])
	if err != nil {
		return vd, fmt.Errorf("mapping %s: list fields: %w", m.Identifier, err)
	}
	have := make(map[string]bool, len(present))
	for _, f := range present {
		have[f] = true
	}
	for _, f := range m.Fields {
		if have[f.Source] {
			vd.Fields = append(vd.Fields, f)
		} else {
			c.logger.Debug("Dropping field absent from shapefile.",
				slog.String("mapping", m.Identifier), slog.String("field", f.Source))
		}
	}
	if len(vd.Fields) == 0 {
		return vd, fmt.Errorf("mapping %s: %w", m.Identifier, ErrNoFields)
	}

	for _, shp := range shapefiles {
		enc, err := c.DetectEncoding(ctx, shp)
		if err != nil {
			return vd, fmt.Errorf("mapping %s: %w", m.Identifier, err)
		}
		vd.Sources = append(vd.Sources, Source{Path: shp, Encoding: enc})
	}
	return vd, nil
}

// VRTPath is where the descriptor for a mapping is written.
func (c *Converter) VRTPath(m mapping.OutputMapping) string {
	return filepath.Join(c.vrtDir, m.TableName()+".vrt")
}

// BuildVRT prepares and writes the descriptor for a mapping, returning its path.
func (c *Converter) BuildVRT(ctx context.Context, m mapping.OutputMapping, shapefiles []string) (string, error) {
	vd, err := c.Prepare(ctx, m, shapefiles)
	if err != nil {
		return "", err
	}
	doc, err := vd.MarshalVRT()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(c.vrtDir, 0o755); err != nil {
		return "", fmt.Errorf("create vrt dir %s: %w", c.vrtDir, err)
	}
	p := c.VRTPath(m)
	if err := os.WriteFile(p, doc, 0o644); err != nil {
		return "", fmt.Errorf("write vrt %s: %w", p, err)
	}
	return p, nil
}

// Materialize writes the mapping's output to the target.
func (c *Converter) Materialize(ctx context.Context, m mapping.OutputMapping, shapefiles []string, t target.Target) error {
	vrt, err := c.BuildVRT(ctx, m, shapefiles)
	if err != nil {
		return err
	}

	args := materializeArgs(m, vrt, t)
	if t.Kind == target.KindFile {
		if err := os.MkdirAll(t.OutputDir, 0o755); err != nil {
			return fmt.Errorf("create output dir %s: %w", t.OutputDir, err)
		}
	}

	start := time.Now()
	c.logger.Debug("Running ogr2ogr.", slog.String("mapping", m.Identifier), slog.Any("args", redact(args)))
	if _, err := c.run(ctx, c.ogr2ogr, args...); err != nil {
		return fmt.Errorf("mapping %s: %w", m.Identifier, err)
	}
	c.logger.Debug("ogr2ogr finished.",
		slog.String("mapping", m.Identifier),
		slog.Int("sources", len(shapefiles)),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return nil
}

// SheetToCSV exports one worksheet of a spreadsheet to a CSV file. Every cell is
// kept as text and the first row is not treated as a header.
func (c *Converter) SheetToCSV(ctx context.Context, workbook, sheet, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", out, err)
	}
	if err := os.Remove(out); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale %s: %w", out, err)
	}
	args := sheetArgs(workbook, sheet, out)
	c.logger.Debug("Running ogr2ogr.", slog.String("workbook", workbook), slog.Any("args", args))
	if _, err := c.run(ctx, c.ogr2ogr, args...); err != nil {
		return fmt.Errorf("export sheet %s of %s: %w", sheet, workbook, err)
	}
	return nil
}

func sheetArgs(workbook, sheet, out string) []string {
	return []string{
		"-f", "CSV", out, workbook, sheet,
		"-oo", "HEADERS=DISABLE",
		"-oo", "FIELD_TYPES=STRING",
	}
}

func materializeArgs(m mapping.OutputMapping, vrt string, t target.Target) []string {
	layer := m.TableName()
	if t.Kind == target.KindDatabase {
		return []string{
			"-f", "PostgreSQL", "PG:" + t.Connection,
			"-lco", "GEOM_TYPE=geometry",
			"-lco", "OVERWRITE=YES",
			"-lco", "GEOMETRY_NAME=geom",
			"-nlt", "PROMOTE_TO_MULTI",
			"-nln", layer,
			"--config", "PG_USE_COPY", "YES",
			vrt,
		}
	}
	args := []string{"-f", t.Driver, t.OutputPath(m.Identifier), vrt, "-overwrite", "-nlt", "PROMOTE_TO_MULTI", "-nln", layer}
	if geometryNameDrivers[t.Driver] {
		args = append(args, "-lco", "GEOMETRY_NAME=geom")
	}
	return args
}

// redact hides the connection string from logs.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "PG:") {
			a = "PG:***"
		}
		out[i] = a
	}
	return out
}
