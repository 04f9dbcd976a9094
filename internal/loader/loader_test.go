package loader

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmproj/jpksj-to-sql/internal/catalog"
	"github.com/kmproj/jpksj-to-sql/internal/db"
	"github.com/kmproj/jpksj-to-sql/internal/gdal"
	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/metadata"
	"github.com/kmproj/jpksj-to-sql/internal/progress"
	"github.com/kmproj/jpksj-to-sql/internal/target"
)

// --- fakes ---

const shpReport = `{"layers": [{"name": "layer",
  "metadata": {"SHAPEFILE": {"SOURCE_ENCODING": "CP932"}},
  "fields": [{"name": "N03_001", "type": "String"}, {"name": "N03_007", "type": "String"}, {"name": "X01_001", "type": "String"}],
  "geometryFields": [{"name": "", "type": "Polygon"}]}]}`

// outputReport is the introspection of a converted output; %s is the layer name.
const outputReport = `{"layers": [{"name": "%s",
  "fields": [{"name": "都道府県名", "type": "String"}],
  "geometryFields": [{"name": "geom", "type": "Multi Polygon",
    "coordinateSystem": {"projjson": {"id": {"authority": "EPSG", "code": 6668}}}}]}]}`

// fakeGDAL stands in for ogrinfo and ogr2ogr. ogr2ogr writes a placeholder output
// file and keeps the VRT it was given.
type fakeGDAL struct {
	mu    sync.Mutex
	calls [][]string
	vrts  []string
}

func (f *fakeGDAL) Run(_ context.Context, name string, args ...string) (gdal.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	switch name {
	case "ogr2ogr":
		out, vrt := args[2], args[3]
		raw, err := os.ReadFile(vrt)
		if err != nil {
			return gdal.Result{Stderr: []byte("ERROR 4: " + vrt + ": No such file")}, err
		}
		f.mu.Lock()
		f.vrts = append(f.vrts, string(raw))
		f.mu.Unlock()
		return gdal.Result{}, os.WriteFile(out, []byte("fake output"), 0o644)
	case "ogrinfo":
		if slices.Contains(args, "-nomd") {
			layer := args[len(args)-1]
			return gdal.Result{Stdout: fmt.Appendf(nil, outputReport, layer)}, nil
		}
		return gdal.Result{Stdout: []byte(shpReport)}, nil
	}
	return gdal.Result{}, errors.New("unexpected tool " + name)
}

func (f *fakeGDAL) count(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c[0] == tool {
			n++
		}
	}
	return n
}

type upsert struct {
	key   string
	table metadata.Table
}

type fakeSink struct {
	mu      sync.RWMutex
	upserts []upsert
}

func (s *fakeSink) UpsertMetadata(_ context.Context, key string, t metadata.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, upsert{key: key, table: t})
	return nil
}

func (s *fakeSink) all() []upsert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]upsert(nil), s.upserts...)
}

type fakeRecorder struct {
	mu     sync.RWMutex
	events []db.Event
}

func (r *fakeRecorder) Record(_ context.Context, e db.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *fakeRecorder) kinds(mappingID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, e := range r.events {
		if e.Mapping == mappingID {
			out = append(out, e.Event)
		}
	}
	return out
}

type finalView struct {
	mu   sync.Mutex
	last progress.State
}

func (v *finalView) Update(s progress.State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = s
}

func (v *finalView) Close() error { return nil }

// capturingHandler keeps every record at or above Warn.
type capturingHandler struct {
	mu      *sync.Mutex
	records *[]slog.Record
	attrs   []slog.Attr
}

func newCapturingHandler() *capturingHandler {
	return &capturingHandler{mu: &sync.Mutex{}, records: &[]slog.Record{}}
}

func (h *capturingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelWarn
}

func (h *capturingHandler) Handle(_ context.Context, r slog.Record) error {
	r = r.Clone()
	r.AddAttrs(h.attrs...)
	h.mu.Lock()
	*h.records = append(*h.records, r)
	h.mu.Unlock()
	return nil
}

func (h *capturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &capturingHandler{mu: h.mu, records: h.records, attrs: append(slices.Clone(h.attrs), attrs...)}
}

func (h *capturingHandler) WithGroup(string) slog.Handler { return h }

func (h *capturingHandler) warnings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range *h.records {
		if r.Level == slog.LevelWarn {
			out = append(out, r.Message)
		}
	}
	return out
}

// --- fixtures ---

func zipBytes(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	names := make([]string, 0, len(entries))
	for n := range entries {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, n := range names {
		w, err := zw.Create(n)
		require.NoError(t, err)
		_, err = w.Write(entries[n])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeZip(t *testing.T, path string, entries map[string][]byte) string {
	t.Helper()
	require.NoError(t, os.WriteFile(path, zipBytes(t, entries), 0o644))
	return path
}

func shapefileSet(prefix string) map[string][]byte {
	out := map[string][]byte{}
	for _, ext := range []string{".shp", ".dbf", ".shx", ".prj"} {
		out[prefix+ext] = []byte(ext)
	}
	return out
}

func n03Dataset(archives ...string) catalog.Dataset {
	return catalog.Dataset{
		Identifier:  "N03",
		Name:        "行政区域",
		Description: "全国の行政区域",
		Variants: []catalog.Variant{{
			Name:          "行政区域（ポリゴン）",
			Identifier:    "N03",
			ShapefileHint: "N03-YYYYMMPP.shp",
			Attributes:    []catalog.VariantAttribute{{ReadableName: "都道府県名", AttributeName: "N03_001"}},
		}},
		Attributes: map[string]catalog.Attribute{
			"N03_001": {Name: "都道府県名", Description: "都道府県の名称", Type: "文字列型"},
		},
		Archives: archives,
	}
}

type harness struct {
	tmp      string
	out      string
	runner   *fakeGDAL
	sink     *fakeSink
	recorder *fakeRecorder
	view     *finalView
	logs     *capturingHandler
}

func newHarness(t *testing.T) *harness {
	tmp := t.TempDir()
	return &harness{
		tmp:      tmp,
		out:      filepath.Join(tmp, "out"),
		runner:   &fakeGDAL{},
		sink:     &fakeSink{},
		recorder: &fakeRecorder{},
		view:     &finalView{},
		logs:     newCapturingHandler(),
	}
}

func (h *harness) deps(t *testing.T) Deps {
	t.Helper()
	resolver, err := mapping.NewResolver(mapping.DefaultRules())
	require.NoError(t, err)
	tgt := target.File(h.out, "GPKG")
	conv := gdal.New(h.runner, gdal.Options{VRTDir: filepath.Join(h.tmp, "scratch", "vrt")})
	return Deps{
		Resolver:    resolver,
		Converter:   conv,
		Target:      tgt,
		Destination: FileDestination{Target: tgt, Introspector: conv},
		Sinks:       []metadata.Sink{h.sink},
		Events:      h.recorder,
		View:        h.view,
		Logger:      slog.New(h.logs),
	}
}

func (h *harness) config(skip, keep bool) Config {
	return Config{
		Workers:      2,
		SkipIfExists: skip,
		ScratchDir:   filepath.Join(h.tmp, "scratch"),
		KeepScratch:  keep,
		DenyPrefixes: []string{"__MACOSX/"},
	}
}

func runAll(t *testing.T, cfg Config, deps Deps, datasets ...catalog.Dataset) Summary {
	t.Helper()
	ch := make(chan catalog.Dataset, len(datasets))
	for _, ds := range datasets {
		ch <- ds
	}
	close(ch)
	s, err := Run(context.Background(), ch, cfg, deps)
	require.NoError(t, err)
	return s
}

// --- tests ---

func TestLoadN03ToFile(t *testing.T) {
	h := newHarness(t)
	archivePath := writeZip(t, filepath.Join(h.tmp, "N03-20240101_GML.zip"), func() map[string][]byte {
		e := shapefileSet("N03-20240101_GML/N03-20240101")
		e["N03-20240101_GML/KS-META-N03-20240101.xml"] = []byte("<xml/>")
		return e
	}())

	s := runAll(t, h.config(false, false), h.deps(t), n03Dataset(archivePath))
	assert.Equal(t, Summary{Datasets: 1, Loaded: 1}, s)

	assert.FileExists(t, filepath.Join(h.out, "N03.gpkg"))
	assert.Equal(t, 1, h.runner.count("ogr2ogr"))

	require.Len(t, h.runner.vrts, 1)
	vrt := h.runner.vrts[0]
	assert.Contains(t, vrt, `<OGRVRTUnionLayer name="n03">`)
	assert.Contains(t, vrt, "N03-20240101.shp</SrcDataSource>")
	assert.Contains(t, vrt, `<OOI key="ENCODING">CP932</OOI>`)
	assert.Contains(t, vrt, `<Field name="都道府県名" src="N03_001"></Field>`)
	assert.NotContains(t, vrt, "N03_007")

	ups := h.sink.all()
	require.Len(t, ups, 1)
	assert.Equal(t, "n03", ups[0].key)
	tbl := ups[0].table
	assert.Equal(t, "行政区域", tbl.Name)
	assert.Equal(t, gdal.SurrogateKey, tbl.PrimaryKey)
	require.Len(t, tbl.Columns, 3)
	assert.Equal(t, gdal.SurrogateKey, tbl.Columns[0].Name)
	assert.Equal(t, metadata.Column{Name: "都道府県名", DataType: "varchar", Desc: "都道府県の名称"}, tbl.Columns[1])
	assert.Equal(t, "geometry(MULTIPOLYGON, 6668)", tbl.Columns[2].DataType)

	assert.Equal(t, []string{db.EventLoadStart, db.EventLoadEnd}, h.recorder.kinds("N03"))
	assert.NoDirExists(t, filepath.Join(h.tmp, "scratch", "shp", "N03-20240101_GML"))
	assert.Equal(t, progress.State{Total: 1, Done: 1, Current: "N03", Last: progress.StatusLoaded}, h.view.last)
}

func TestSkipIfExistsSecondRunDoesNoConversion(t *testing.T) {
	h := newHarness(t)
	archivePath := writeZip(t, filepath.Join(h.tmp, "N03.zip"), shapefileSet("N03-20240101"))
	ds := n03Dataset(archivePath)

	first := runAll(t, h.config(true, false), h.deps(t), ds)
	assert.Equal(t, 1, first.Loaded)
	require.Equal(t, 1, h.runner.count("ogr2ogr"))

	second := runAll(t, h.config(true, false), h.deps(t), ds)
	assert.Equal(t, Summary{Datasets: 1, Skipped: 1}, second)
	assert.Equal(t, 1, h.runner.count("ogr2ogr"), "second run must not convert")

	ups := h.sink.all()
	require.Len(t, ups, 2, "metadata is refreshed for skipped outputs")
	assert.Equal(t, ups[0].table, ups[1].table)
	assert.Equal(t, []string{db.EventLoadStart, db.EventLoadEnd, db.EventSkipExists}, h.recorder.kinds("N03"))
	assert.Equal(t, progress.StatusSkipped, h.view.last.Last)
}

func TestDenyListedEntriesNeverExtracted(t *testing.T) {
	h := newHarness(t)
	inner := shapefileSet("N03-20240101")
	for name, body := range shapefileSet("__MACOSX/N03-20240101") {
		inner[name] = body
	}
	archivePath := writeZip(t, filepath.Join(h.tmp, "outer.zip"), map[string][]byte{
		"data/inner.zip": zipBytes(t, inner),
	})

	s := runAll(t, h.config(false, true), h.deps(t), n03Dataset(archivePath))
	assert.Equal(t, 1, s.Loaded)

	var extracted []string
	root := filepath.Join(h.tmp, "scratch", "shp")
	require.NoError(t, filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			extracted = append(extracted, filepath.ToSlash(p))
		}
		return err
	}))
	assert.Len(t, extracted, 4)
	for _, p := range extracted {
		assert.NotContains(t, p, "__MACOSX")
	}
	require.Len(t, h.runner.vrts, 1)
	assert.NotContains(t, h.runner.vrts[0], "__MACOSX")
	assert.Equal(t, 1, strings.Count(h.runner.vrts[0], "<SrcDataSource>"))
}

func TestCatchAllFallbackWarns(t *testing.T) {
	h := newHarness(t)
	archivePath := writeZip(t, filepath.Join(h.tmp, "X01.zip"), shapefileSet("data/unexpected"))
	ds := catalog.Dataset{
		Identifier: "X01",
		Name:       "謎のデータ",
		Attributes: map[string]catalog.Attribute{
			"X01_001": {Name: "名称", FileHint: "X01-YY.shp"},
		},
		Archives: []string{archivePath},
	}

	s := runAll(t, h.config(false, false), h.deps(t), ds)
	assert.Equal(t, 1, s.Loaded)
	assert.Equal(t, []string{db.EventLoadStart, db.EventFallback, db.EventLoadEnd}, h.recorder.kinds("X01"))
	assert.Contains(t, h.logs.warnings(), "Loading with catch-all matcher; review the output.")
	ups := h.sink.all()
	require.Len(t, ups, 1)
	assert.Equal(t, "x01", ups[0].key)
}

func TestFailedDatasetDoesNotStopOthers(t *testing.T) {
	h := newHarness(t)
	good := writeZip(t, filepath.Join(h.tmp, "N03.zip"), shapefileSet("N03-20240101"))
	empty := writeZip(t, filepath.Join(h.tmp, "empty.zip"), map[string][]byte{"readme.txt": []byte("nothing here")})

	bad := n03Dataset(filepath.Join(h.tmp, "missing.zip"))
	bad.Identifier = "BAD"
	bad.Variants[0].Identifier = "BAD"
	noInput := n03Dataset(empty)
	noInput.Identifier = "NONE"
	noInput.Variants[0].Identifier = "NONE"

	s := runAll(t, h.config(false, false), h.deps(t), bad, n03Dataset(good), noInput)
	assert.Equal(t, 3, s.Datasets)
	assert.Equal(t, 1, s.Loaded)
	assert.Equal(t, 2, s.Failed)
	assert.ElementsMatch(t, []string{"BAD", "NONE"}, s.FailedDatasets)
	assert.FileExists(t, filepath.Join(h.out, "N03.gpkg"))
	assert.Equal(t, []string{db.EventLoadStart, db.EventError}, h.recorder.kinds("NONE"))
	assert.Equal(t, 3, h.view.last.Done)
	assert.Equal(t, 2, h.view.last.Failed)
}

func TestUnresolvableDatasetCountsAsFailed(t *testing.T) {
	h := newHarness(t)
	ds := n03Dataset(filepath.Join(h.tmp, "N03.zip"))
	ds.Identifier = "P12"
	ds.Variants = append(ds.Variants, catalog.Variant{Name: "名前のない版"})

	s := runAll(t, h.config(false, false), h.deps(t), ds)
	assert.Equal(t, Summary{Datasets: 1, Failed: 1, FailedDatasets: []string{"P12"}}, s)
	assert.Equal(t, []string{db.EventError}, h.recorder.kinds(""))
	assert.Empty(t, h.runner.vrts)
	assert.Equal(t, 1, h.view.last.Failed)
}

func TestQueueMisuse(t *testing.T) {
	h := newHarness(t)
	q, err := New(context.Background(), h.config(false, false), h.deps(t))
	require.NoError(t, err)

	require.NoError(t, q.Drain())
	assert.ErrorIs(t, q.Drain(), ErrQueueClosed)
	assert.ErrorIs(t, q.Submit(context.Background(), n03Dataset()), ErrQueueClosed)
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t)
	deps := h.deps(t)

	tests := []struct {
		name   string
		mutate func(*Config, *Deps)
	}{
		{"no resolver", func(_ *Config, d *Deps) { d.Resolver = nil }},
		{"no converter", func(_ *Config, d *Deps) { d.Converter = nil }},
		{"no destination", func(_ *Config, d *Deps) { d.Destination = nil }},
		{"no scratch", func(c *Config, _ *Deps) { c.ScratchDir = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, d := h.config(false, false), deps
			tt.mutate(&cfg, &d)
			_, err := New(context.Background(), cfg, d)
			assert.Error(t, err)
		})
	}
}

func TestRunStopsTakingWorkWhenCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan catalog.Dataset)
	s, err := Run(ctx, ch, h.config(false, false), h.deps(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.Datasets)
	assert.Zero(t, h.runner.count("ogr2ogr"))
}

func TestDefaultWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, DefaultWorkers(), 1)
}
