// Package admincode loads the administrative area code list that code columns of
// loaded tables reference through a foreign key hint.
package admincode

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/kmproj/jpksj-to-sql/internal/metadata"
)

const (
	Table = "admini_boundary_cd"
	Sheet = "行政区域コード"

	SourceURL = "https://nlftp.mlit.go.jp/ksj/gml/codelist/AdminiBoundary_CD.xlsx"
)

// Columns in sheet order. The first is the key.
var Columns = []string{
	"行政区域コード",
	"都道府県名（漢字）",
	"市区町村名（漢字）",
	"都道府県名（カナ）",
	"市区町村名（カナ）",
	"コードの改定区分",
	"改正年月日",
	"改正後のコード",
	"改正後の名称",
	"改正後の名称（カナ）",
	"改正事由等",
}

var descriptions = map[string]string{
	"行政区域コード": "統廃合前の行政区域コード",
	"改正後のコード": "統廃合後の行政区域コード。全国地方公共団体コードに相当する値。",
}

var ErrNoHeader = errors.New("code list header row not found")

// Parse reads the CSV export of the code sheet. Rows before the header row are
// titles and notes. Cells are NFKC normalized and blank rows are dropped; every
// returned row has one cell per column.
func Parse(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		rows    [][]string
		started bool
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read code list: %w", err)
		}
		if !started {
			started = len(rec) > 0 && cell(rec[0]) == Sheet
			continue
		}
		row := make([]string, len(Columns))
		blank := true
		for i := range row {
			if i < len(rec) {
				row[i] = cell(rec[i])
			}
			blank = blank && row[i] == ""
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	if !started {
		return nil, ErrNoHeader
	}
	return rows, nil
}

func cell(s string) string {
	return norm.NFKC.String(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
}

// Metadata describes the code table for the metadata sinks.
func Metadata() metadata.Table {
	t := metadata.Table{
		Name:       Sheet,
		Desc:       "コードリスト「行政区域コード」の定義。統廃合による欠番の関連付けに使う。位置情報は含まない。",
		Source:     metadata.Source,
		SourceURL:  SourceURL,
		PrimaryKey: Columns[0],
	}
	for _, c := range Columns {
		desc, ok := descriptions[c]
		if !ok {
			desc = c
		}
		t.Columns = append(t.Columns, metadata.Column{Name: c, DataType: "text", Desc: desc})
	}
	return t
}

// Exporter turns one worksheet of a spreadsheet into a CSV file.
type Exporter interface {
	SheetToCSV(ctx context.Context, workbook, sheet, out string) error
}

// Store replaces the contents of a text code table.
type Store interface {
	ReplaceCodeTable(ctx context.Context, table string, columns []string, rows [][]string) error
}

// Loader loads the code list workbook into the destination database.
type Loader struct {
	Exporter   Exporter
	Store      Store
	Sinks      []metadata.Sink
	ScratchDir string
	Logger     *slog.Logger
}

// Load exports, parses and stores the workbook, then records the table metadata.
// It returns the number of rows stored.
func (l *Loader) Load(ctx context.Context, workbook string) (int, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	start := time.Now()

	csvPath := filepath.Join(l.ScratchDir, Table+".csv")
	if err := l.Exporter.SheetToCSV(ctx, workbook, Sheet, csvPath); err != nil {
		return 0, err
	}
	defer os.Remove(csvPath)

	f, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("open exported code list: %w", err)
	}
	rows, err := Parse(f)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", workbook, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%s: code list has no rows", workbook)
	}

	if err := l.Store.ReplaceCodeTable(ctx, Table, Columns, rows); err != nil {
		return 0, err
	}
	var errs error
	for _, s := range l.Sinks {
		if err := s.UpsertMetadata(ctx, Table, Metadata()); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return len(rows), fmt.Errorf("store %s metadata: %w", Table, errs)
	}

	logger.Info("Loaded administrative area codes.",
		slog.String("table", Table),
		slog.Int("rows", len(rows)),
		slog.Duration("duration", time.Since(start).Round(time.Millisecond)))
	return len(rows), nil
}
