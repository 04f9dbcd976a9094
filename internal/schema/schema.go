package schema

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// Column is one column of a materialized output. GeometryType and SRID are only
// set for geometry columns; SRID 0 means unknown.
type Column struct {
	Name           string
	UnderlyingType string
	GeometryType   string
	SRID           int
}

// IsGeometry reports whether the column holds geometries.
func (c Column) IsGeometry() bool { return c.GeometryType != "" }

// DataType renders the column type the way PostGIS reports it, e.g. geometry(MULTIPOLYGON, 6668).
func (c Column) DataType() string {
	if !c.IsGeometry() {
		return c.UnderlyingType
	}
	if c.SRID == 0 {
		return fmt.Sprintf("geometry(%s)", c.GeometryType)
	}
	return fmt.Sprintf("geometry(%s, %d)", c.GeometryType, c.SRID)
}

// Table is the ordered column list of one output. Extent covers every geometry
// column and is zero when the source did not report one.
type Table struct {
	Name    string
	Columns []Column
	Extent  orb.Bound
}

// BBox returns the extent as [minx, miny, maxx, maxy], or nil when unknown.
func (t Table) BBox() []float64 {
	if t.Extent.IsZero() {
		return nil
	}
	return []float64{t.Extent.Left(), t.Extent.Bottom(), t.Extent.Right(), t.Extent.Top()}
}

// AddExtent grows the table extent to cover b. Empty bounds are ignored.
func (t *Table) AddExtent(b orb.Bound) {
	switch {
	case b.IsEmpty():
	case t.Extent.IsZero():
		t.Extent = b
	default:
		t.Extent = t.Extent.Union(b)
	}
}

// PrimaryKey is the first column, which is always the surrogate key.
func (t Table) PrimaryKey() string {
	if len(t.Columns) == 0 {
		return ""
	}
	return t.Columns[0].Name
}

// Column looks a column up by name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

var multiOf = map[string]orb.Geometry{
	orb.Point{}.GeoJSONType():           orb.MultiPoint{},
	orb.MultiPoint{}.GeoJSONType():      orb.MultiPoint{},
	orb.LineString{}.GeoJSONType():      orb.MultiLineString{},
	orb.MultiLineString{}.GeoJSONType(): orb.MultiLineString{},
	orb.Polygon{}.GeoJSONType():         orb.MultiPolygon{},
	orb.MultiPolygon{}.GeoJSONType():    orb.MultiPolygon{},
}

// PromoteToMulti maps a geometry type name as reported by the conversion tool
// ("Polygon", "3D Line String", "MULTIPOINT", ...) to its upper-cased multi-part form.
// Unknown names are upper-cased and returned without promotion.
func PromoteToMulti(name string) string {
	key := canonicalGeometryName(name)
	if g, ok := multiOf[key]; ok {
		return strings.ToUpper(g.GeoJSONType())
	}
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
}

// canonicalGeometryName folds case, spacing and dimension markers so the name can
// be compared with orb's GeoJSON type names.
func canonicalGeometryName(name string) string {
	n := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", ""))
	n = strings.TrimPrefix(n, "3d")
	for _, suf := range []string{"zm", "z", "m", "25d"} {
		if trimmed := strings.TrimSuffix(n, suf); trimmed != n && trimmed != "" {
			if _, ok := lowerGeoJSON[trimmed]; ok {
				n = trimmed
				break
			}
		}
	}
	return lowerGeoJSON[n]
}

var lowerGeoJSON = func() map[string]string {
	m := make(map[string]string, len(multiOf))
	for k := range multiOf {
		m[strings.ToLower(k)] = k
	}
	return m
}()
