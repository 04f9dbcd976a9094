package gdal

import (
	"context"
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"

	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/target"
)

// fakeRunner answers tool invocations from a handler and records every call.
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	handler func(name string, args []string) (Result, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	return f.handler(name, args)
}

func (f *fakeRunner) callsTo(tool string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == tool {
			out = append(out, c)
		}
	}
	return out
}

const shpReport = `{
  "layers": [{
    "name": "N03-20240101",
    "metadata": {"": {}, "SHAPEFILE": {"SOURCE_ENCODING": "%ENC%"}},
    "fields": [
      {"name": "N03_001", "type": "String"},
      {"name": "N03_004", "type": "String"},
      {"name": "N03_007", "type": "String"}
    ],
    "geometryFields": [{"name": "", "type": "Polygon"}]
  }]
}`

func shpJSON(enc string) []byte {
	return []byte(strings.ReplaceAll(shpReport, "%ENC%", enc))
}

func n03Mapping(fields ...mapping.FieldMapping) mapping.OutputMapping {
	return mapping.OutputMapping{OriginalIdentifier: "N03", Identifier: "N03", Name: "行政区域", Fields: fields}
}

var fiveFields = []mapping.FieldMapping{
	{Name: "都道府県名", Source: "N03_001"},
	{Name: "支庁名", Source: "N03_002"},
	{Name: "郡政令都市", Source: "N03_003"},
	{Name: "市区町村名", Source: "N03_004"},
	{Name: "行政区域コード", Source: "N03_007"},
}

func TestSniffEncoding(t *testing.T) {
	sjis, err := japanese.ShiftJIS.NewEncoder().String("都道府県名 (String) = 北海道\n")
	require.NoError(t, err)

	tests := []struct {
		name   string
		input  []byte
		want   string
		wantOK bool
	}{
		{"ascii", []byte("OGRFeature(x):0\n  N03_007 (String) = 01101\n"), encodingCP932, true},
		{"shift_jis", []byte(sjis), encodingCP932, true},
		{"utf-8 only", []byte("あ\n"), encodingUTF8, true},
		{"neither", []byte{0x80, 0xff, '\n'}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sniffEncoding(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSniffEncodingCutInsideCharacter(t *testing.T) {
	sjis, err := japanese.ShiftJIS.NewEncoder().String(strings.Repeat("あ", 40000))
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		// One leading byte leaves a lone CP932 lead byte at the cut.
		{"shift_jis", "a" + sjis, encodingCP932},
		// Two leading bytes leave two of the three bytes of あ at the cut.
		{"utf-8", "ab" + strings.Repeat("あ ", 20000), encodingUTF8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Greater(t, len(tt.input), sniffBytes)
			got, ok := sniffEncoding([]byte(tt.input))
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetectEncoding(t *testing.T) {
	sjis, err := japanese.ShiftJIS.NewEncoder().String("N03_001 (String) = 北海道\n")
	require.NoError(t, err)

	tests := []struct {
		name    string
		report  []byte
		dump    []byte
		want    string
		wantErr error
	}{
		{name: "declared by driver", report: shpJSON("UTF-8"), want: "UTF-8"},
		{name: "fallback to byte trial", report: shpJSON(""), dump: []byte(sjis), want: "CP932"},
		{name: "undetermined", report: shpJSON(" "), dump: []byte{0x80, 0xff}, wantErr: ErrEncodingUndetermined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{handler: func(_ string, args []string) (Result, error) {
				if args[0] == "-json" {
					return Result{Stdout: tt.report}, nil
				}
				return Result{Stdout: tt.dump}, nil
			}}
			got, err := New(r, Options{}).DetectEncoding(context.Background(), "a.shp")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPreparePrunesFieldsToFirstShapefile(t *testing.T) {
	r := &fakeRunner{handler: func(string, []string) (Result, error) {
		return Result{Stdout: shpJSON("CP932")}, nil
	}}
	c := New(r, Options{})

	vd, err := c.Prepare(context.Background(), n03Mapping(fiveFields...), []string{"a.shp", "b.shp"})
	require.NoError(t, err)
	assert.Equal(t, []mapping.FieldMapping{
		{Name: "都道府県名", Source: "N03_001"},
		{Name: "市区町村名", Source: "N03_004"},
		{Name: "行政区域コード", Source: "N03_007"},
	}, vd.Fields)
	require.Len(t, vd.Sources, 2)
	assert.Equal(t, "CP932", vd.Sources[1].Encoding)
	assert.Equal(t, "n03", vd.Layer)
}

func TestPrepareFailures(t *testing.T) {
	r := &fakeRunner{handler: func(string, []string) (Result, error) {
		return Result{Stdout: shpJSON("CP932")}, nil
	}}
	c := New(r, Options{})

	_, err := c.Prepare(context.Background(), n03Mapping(fiveFields...), nil)
	assert.ErrorIs(t, err, ErrNoInput)

	_, err = c.Prepare(context.Background(), n03Mapping(mapping.FieldMapping{Name: "x", Source: "X_001"}), []string{"a.shp"})
	assert.ErrorIs(t, err, ErrNoFields)
}

func TestBuildVRT(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{handler: func(string, []string) (Result, error) {
		return Result{Stdout: shpJSON("CP932")}, nil
	}}
	c := New(r, Options{VRTDir: filepath.Join(dir, "vrt")})

	shps := []string{
		filepath.Join(dir, "shp", "a", "N03-20240101.shp"),
		filepath.Join(dir, "shp", "b", "N03-20240101.shp"),
	}
	p, err := c.BuildVRT(context.Background(), n03Mapping(fiveFields[0]), shps)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vrt", "n03.vrt"), p)

	raw, err := os.ReadFile(p)
	require.NoError(t, err)

	var doc vrtDataSource
	require.NoError(t, xml.Unmarshal(raw, &doc))
	assert.Equal(t, "n03", doc.Union.Name)
	require.Len(t, doc.Union.Layers, 2)
	assert.Equal(t, "N03-20240101", doc.Union.Layers[0].Name)
	assert.Equal(t, "N03-20240101_2", doc.Union.Layers[1].Name)
	assert.Equal(t, shps[0], doc.Union.Layers[0].Src)
	assert.Equal(t, []vrtOption{{Key: "ENCODING", Value: "CP932"}}, doc.Union.Layers[0].Options)
	assert.Equal(t, []vrtField{{Name: "都道府県名", Src: "N03_001"}}, doc.Union.Layers[1].Fields)
}

func TestVirtualDatasetValidate(t *testing.T) {
	assert.ErrorIs(t, VirtualDataset{Layer: "x"}.Validate(), ErrNoInput)
	assert.ErrorIs(t, VirtualDataset{Layer: "x", Sources: []Source{{Path: "a.shp"}}}.Validate(), ErrNoFields)
	_, err := VirtualDataset{Layer: "x"}.MarshalVRT()
	assert.Error(t, err)
}

func TestMaterializeDatabaseArgs(t *testing.T) {
	r := &fakeRunner{handler: func(string, []string) (Result, error) {
		return Result{Stdout: shpJSON("CP932")}, nil
	}}
	c := New(r, Options{VRTDir: t.TempDir()})

	err := c.Materialize(context.Background(), n03Mapping(fiveFields...), []string{"a.shp"}, target.Database("host=db dbname=ksj"))
	require.NoError(t, err)

	calls := r.callsTo("ogr2ogr")
	require.Len(t, calls, 1)
	args := calls[0]
	assert.Equal(t, []string{"ogr2ogr", "-f", "PostgreSQL", "PG:host=db dbname=ksj"}, args[:4])
	for _, want := range [][]string{
		{"-nlt", "PROMOTE_TO_MULTI"},
		{"-lco", "GEOMETRY_NAME=geom"},
		{"-lco", "OVERWRITE=YES"},
		{"--config", "PG_USE_COPY", "YES"},
		{"-nln", "n03"},
	} {
		assert.True(t, containsSeq(args, want), "missing %v in %v", want, args)
	}
	assert.True(t, strings.HasSuffix(args[len(args)-1], "n03.vrt"))
}

func TestMaterializeFileArgs(t *testing.T) {
	r := &fakeRunner{handler: func(string, []string) (Result, error) {
		return Result{Stdout: shpJSON("CP932")}, nil
	}}
	out := filepath.Join(t.TempDir(), "out")
	c := New(r, Options{VRTDir: t.TempDir()})

	require.NoError(t, c.Materialize(context.Background(), n03Mapping(fiveFields...), []string{"a.shp"}, target.File(out, "FlatGeobuf")))
	args := r.callsTo("ogr2ogr")[0]
	assert.Equal(t, filepath.Join(out, "N03.fgb"), args[3])
	assert.True(t, containsSeq(args, []string{"-nlt", "PROMOTE_TO_MULTI"}))
	assert.True(t, slices.Contains(args, "-overwrite"))
	assert.False(t, slices.Contains(args, "GEOMETRY_NAME=geom"))
	assert.DirExists(t, out)

	require.NoError(t, c.Materialize(context.Background(), n03Mapping(fiveFields...), []string{"a.shp"}, target.File(out, "GPKG")))
	assert.True(t, containsSeq(r.callsTo("ogr2ogr")[1], []string{"-lco", "GEOMETRY_NAME=geom"}))
}

func TestSheetToCSV(t *testing.T) {
	out := filepath.Join(t.TempDir(), "codes", "admini_boundary_cd.csv")
	r := &fakeRunner{handler: func(_ string, args []string) (Result, error) {
		return Result{}, os.WriteFile(args[2], []byte("Field1\n"), 0o644)
	}}
	c := New(r, Options{})

	// A stale export from an earlier run is replaced.
	require.NoError(t, c.SheetToCSV(context.Background(), "AdminiBoundary_CD.xlsx", "行政区域コード", out))
	require.NoError(t, c.SheetToCSV(context.Background(), "AdminiBoundary_CD.xlsx", "行政区域コード", out))

	calls := r.callsTo("ogr2ogr")
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"ogr2ogr", "-f", "CSV", out, "AdminiBoundary_CD.xlsx", "行政区域コード"}, calls[0][:6])
	assert.True(t, containsSeq(calls[0], []string{"-oo", "HEADERS=DISABLE"}))
	assert.True(t, containsSeq(calls[0], []string{"-oo", "FIELD_TYPES=STRING"}))
	assert.FileExists(t, out)

	r.handler = func(string, []string) (Result, error) {
		return Result{Stderr: []byte("Unable to open datasource")}, errors.New("exit status 1")
	}
	err := c.SheetToCSV(context.Background(), "missing.xlsx", "行政区域コード", out)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "Unable to open datasource")
}

func TestMaterializeToolFailureKeepsStderr(t *testing.T) {
	exitErr := errors.New("exit status 1")
	r := &fakeRunner{handler: func(name string, _ []string) (Result, error) {
		if name == "ogr2ogr" {
			return Result{Stderr: []byte("ERROR 1: cannot open /tmp/\x93\x73\x93\xb9.shp\n")}, exitErr
		}
		return Result{Stdout: shpJSON("CP932")}, nil
	}}
	c := New(r, Options{VRTDir: t.TempDir()})

	err := c.Materialize(context.Background(), n03Mapping(fiveFields...), []string{"a.shp"}, target.Database("x"))
	require.Error(t, err)

	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "ogr2ogr", te.Tool)
	assert.True(t, utf8.ValidString(te.Stderr))
	assert.Contains(t, te.Stderr, "cannot open")
	assert.ErrorIs(t, err, exitErr)
}

const gpkgReport = `{
  "layers": [
    {"name": "other", "fields": []},
    {
      "name": "n03",
      "fidColumnName": "fid",
      "fields": [
        {"name": "都道府県名", "type": "String"},
        {"name": "人口", "type": "Integer64"},
        {"name": "面積", "type": "Real"},
        {"name": "有効", "type": "Integer", "subType": "Boolean"},
        {"name": "謎", "type": "WideString"}
      ],
      "geometryFields": [{
        "name": "geom",
        "type": "Polygon",
        "coordinateSystem": {"wkt": "", "projjson": {"id": {"authority": "EPSG", "code": 6668}}},
        "extent": [122.93, 20.42, 153.98, 45.55]
      }]
    }
  ]
}`

func TestIntrospectSchema(t *testing.T) {
	r := &fakeRunner{handler: func(string, []string) (Result, error) {
		return Result{Stdout: []byte(gpkgReport)}, nil
	}}
	tbl, err := New(r, Options{}).IntrospectSchema(context.Background(), "out/N03.gpkg", "n03")
	require.NoError(t, err)

	assert.Equal(t, "n03", tbl.Name)
	assert.Equal(t, "fid", tbl.PrimaryKey())
	types := map[string]string{}
	for _, c := range tbl.Columns {
		types[c.Name] = c.UnderlyingType
	}
	assert.Equal(t, map[string]string{
		"fid":   "int4",
		"都道府県名": "varchar",
		"人口":    "int8",
		"面積":    "float8",
		"有効":    "bool",
		"謎":     "widestring",
		"geom":  "geometry",
	}, types)

	geom, ok := tbl.Column("geom")
	require.True(t, ok)
	assert.Equal(t, "MULTIPOLYGON", geom.GeometryType)
	assert.Equal(t, 6668, geom.SRID)
	assert.Equal(t, []float64{122.93, 20.42, 153.98, 45.55}, tbl.BBox())

	assert.True(t, slices.Contains(r.calls[0], "-nomd"))
	assert.Equal(t, "n03", r.calls[0][len(r.calls[0])-1])
}

func TestIntrospectSchemaDefaultsAndWKT(t *testing.T) {
	report := `{"layers": [{"name": "a01", "fields": [{"name": "x", "type": "String"}],
	  "geometryFields": [{"name": "", "type": "Point",
	  "coordinateSystem": {"wkt": "GEOGCRS[\"JGD2011\",ID[\"EPSG\",6668]]"}}]}]}`
	r := &fakeRunner{handler: func(string, []string) (Result, error) {
		return Result{Stdout: []byte(report)}, nil
	}}
	tbl, err := New(r, Options{}).IntrospectSchema(context.Background(), "a01.fgb", "")
	require.NoError(t, err)

	require.Len(t, tbl.Columns, 3)
	assert.Equal(t, SurrogateKey, tbl.Columns[0].Name)
	assert.Equal(t, "geom", tbl.Columns[2].Name)
	assert.Equal(t, "MULTIPOINT", tbl.Columns[2].GeometryType)
	assert.Equal(t, 6668, tbl.Columns[2].SRID)
	assert.Nil(t, tbl.BBox())
}

func TestIntrospectSchemaFailures(t *testing.T) {
	tests := []struct {
		name   string
		result Result
		err    error
	}{
		{"tool failure", Result{Stderr: []byte("no such file")}, errors.New("exit status 1")},
		{"not json", Result{Stdout: []byte("garbage")}, nil},
		{"missing layer", Result{Stdout: []byte(`{"layers": []}`)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{handler: func(string, []string) (Result, error) { return tt.result, tt.err }}
			_, err := New(r, Options{}).IntrospectSchema(context.Background(), "x.gpkg", "x")
			assert.ErrorIs(t, err, ErrSchemaIntrospection)
		})
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, []string{"-f", "PostgreSQL", "PG:***"}, redact([]string{"-f", "PostgreSQL", "PG:password=secret"}))
}

func containsSeq(haystack, needle []string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}
