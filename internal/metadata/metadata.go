// Package metadata assembles the table and column descriptions stored next to every
// loaded output.
package metadata

import (
	"context"
	"sort"
	"strings"

	"github.com/kmproj/jpksj-to-sql/internal/catalog"
	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/schema"
)

const (
	Source = "国土数値情報"

	// Columns typed as administrative codes reference the boundary code table.
	adminCodeType      = "行政区域コード"
	adminCodeTable     = "admini_boundary_cd"
	adminCodeReference = "改正後のコード"
)

type ForeignKey struct {
	Table  string `json:"foreign_table"`
	Column string `json:"foreign_column"`
}

// EnumValue is one allowed value of a column; Desc is set for code tables.
type EnumValue struct {
	Value string `json:"value"`
	Desc  string `json:"desc,omitempty"`
}

type Column struct {
	Name       string      `json:"name"`
	DataType   string      `json:"data_type"`
	Desc       string      `json:"desc,omitempty"`
	ForeignKey *ForeignKey `json:"foreign_key,omitempty"`
	Enum       []EnumValue `json:"enum_values,omitempty"`
}

type Table struct {
	Name       string    `json:"name"`
	Desc       string    `json:"desc,omitempty"`
	Source     string    `json:"source,omitempty"`
	SourceURL  string    `json:"source_url,omitempty"`
	License    string    `json:"license,omitempty"`
	PrimaryKey string    `json:"primary_key,omitempty"`
	BBox       []float64 `json:"bbox,omitempty"`
	Columns    []Column  `json:"columns"`
}

// Sink persists metadata keyed by the lower-cased mapping identifier.
type Sink interface {
	UpsertMetadata(ctx context.Context, key string, t Table) error
}

// Key is the sink key for a mapping.
func Key(m mapping.OutputMapping) string {
	return strings.ToLower(m.Identifier)
}

// Build combines a mapping, its catalog entry and the introspected schema of the
// output. Columns follow the schema order; catalog attributes are matched by the
// destination column name.
func Build(m mapping.OutputMapping, ds catalog.Dataset, tbl schema.Table) Table {
	out := Table{
		Name:       m.Name,
		Desc:       strings.TrimSpace(ds.Description),
		Source:     Source,
		SourceURL:  ds.SourceURL,
		License:    strings.TrimSpace(ds.Usage),
		PrimaryKey: tbl.PrimaryKey(),
		BBox:       tbl.BBox(),
	}
	if out.Desc == "" {
		out.Desc = strings.TrimSpace(ds.Name)
	}

	for _, c := range tbl.Columns {
		col := Column{Name: c.Name, DataType: c.DataType()}
		if attr, ok := ds.AttributeByName(c.Name); ok {
			col.Desc = attr.Description
			if strings.Contains(attr.Type, adminCodeType) {
				col.ForeignKey = &ForeignKey{Table: adminCodeTable, Column: adminCodeReference}
			}
			col.Enum = enumValues(attr.Ref)
		}
		out.Columns = append(out.Columns, col)
	}
	return out
}

func enumValues(ref *catalog.Ref) []EnumValue {
	if ref == nil {
		return nil
	}
	if len(ref.Codes) > 0 {
		codes := make([]string, 0, len(ref.Codes))
		for code := range ref.Codes {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		out := make([]EnumValue, len(codes))
		for i, code := range codes {
			out[i] = EnumValue{Value: code, Desc: ref.Codes[code]}
		}
		return out
	}
	var out []EnumValue
	for _, v := range ref.Enum {
		out = append(out, EnumValue{Value: v})
	}
	return out
}
