package gdal

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/tidwall/gjson"

	"github.com/kmproj/jpksj-to-sql/internal/schema"
)

// SurrogateKey is the primary key column written by ogr2ogr when the driver does
// not name its own.
const SurrogateKey = "ogc_fid"

// OGR field types to PostgreSQL type names, matching what information_schema reports
// for tables ogr2ogr creates.
var fieldTypes = map[string]string{
	"String":        "varchar",
	"Integer":       "int4",
	"Integer64":     "int8",
	"Real":          "float8",
	"Date":          "date",
	"Time":          "time",
	"DateTime":      "timestamptz",
	"Binary":        "bytea",
	"StringList":    "_varchar",
	"IntegerList":   "_int4",
	"Integer64List": "_int8",
	"RealList":      "_float8",
}

var subTypes = map[string]string{
	"Boolean": "bool",
	"Int16":   "int2",
	"Float32": "float4",
	"JSON":    "json",
	"UUID":    "uuid",
}

var wktEPSG = regexp.MustCompile(`(?:ID|AUTHORITY)\["EPSG",\s*"?(\d+)"?\]\]\s*$`)

// IntrospectSchema reads the column list of a materialized output. The surrogate key
// always comes first, then attribute columns, then geometry columns promoted to
// their multi-part type.
func (c *Converter) IntrospectSchema(ctx context.Context, source, layer string) (schema.Table, error) {
	l, err := c.describe(ctx, source, layer, "-nomd")
	if err != nil {
		return schema.Table{}, fmt.Errorf("%w: %s: %w", ErrSchemaIntrospection, source, err)
	}

	tbl := schema.Table{Name: l.Get("name").String()}
	key := l.Get("fidColumnName").String()
	if key == "" {
		key = SurrogateKey
	}
	tbl.Columns = append(tbl.Columns, schema.Column{Name: key, UnderlyingType: "int4"})

	l.Get("fields").ForEach(func(_, f gjson.Result) bool {
		tbl.Columns = append(tbl.Columns, schema.Column{
			Name:           f.Get("name").String(),
			UnderlyingType: fieldType(f.Get("type").String(), f.Get("subType").String()),
		})
		return true
	})

	var geomErr error
	l.Get("geometryFields").ForEach(func(_, g gjson.Result) bool {
		name := g.Get("name").String()
		if name == "" {
			name = "geom"
		}
		srid, err := srid(g.Get("coordinateSystem"))
		if err != nil {
			geomErr = err
			return false
		}
		tbl.Columns = append(tbl.Columns, schema.Column{
			Name:           name,
			UnderlyingType: "geometry",
			GeometryType:   schema.PromoteToMulti(g.Get("type").String()),
			SRID:           srid,
		})
		if ext := g.Get("extent").Array(); len(ext) == 4 {
			tbl.AddExtent(orb.Bound{
				Min: orb.Point{ext[0].Float(), ext[1].Float()},
				Max: orb.Point{ext[2].Float(), ext[3].Float()},
			})
		}
		return true
	})
	if geomErr != nil {
		return schema.Table{}, fmt.Errorf("%w: %s: %w", ErrSchemaIntrospection, source, geomErr)
	}
	return tbl, nil
}

func fieldType(ogrType, subType string) string {
	if t, ok := subTypes[subType]; ok {
		return t
	}
	if t, ok := fieldTypes[ogrType]; ok {
		return t
	}
	return strings.ToLower(ogrType)
}

// srid prefers the PROJJSON id and falls back to the trailing id of the WKT.
func srid(cs gjson.Result) (int, error) {
	if !cs.Exists() {
		return 0, nil
	}
	id := cs.Get("projjson.id")
	if id.Exists() && strings.EqualFold(id.Get("authority").String(), "EPSG") {
		return int(id.Get("code").Int()), nil
	}
	if m := wktEPSG.FindStringSubmatch(cs.Get("wkt").String()); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("parse srid %q: %w", m[1], err)
		}
		return n, nil
	}
	return 0, nil
}
