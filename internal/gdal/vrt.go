package gdal

import (
	"encoding/xml"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/kmproj/jpksj-to-sql/internal/mapping"
)

// Source is one shapefile of a virtual dataset with its detected encoding.
type Source struct {
	Path     string
	Encoding string
}

// VirtualDataset unions several shapefiles into one logical layer with a shared
// field table.
type VirtualDataset struct {
	Layer   string
	Sources []Source
	Fields  []mapping.FieldMapping
}

// Validate refuses datasets that would materialize an empty output.
func (v VirtualDataset) Validate() error {
	if len(v.Sources) == 0 {
		return fmt.Errorf("virtual dataset %s: %w", v.Layer, ErrNoInput)
	}
	if len(v.Fields) == 0 {
		return fmt.Errorf("virtual dataset %s: %w", v.Layer, ErrNoFields)
	}
	return nil
}

type vrtDataSource struct {
	XMLName xml.Name `xml:"OGRVRTDataSource"`
	Union   vrtUnion `xml:"OGRVRTUnionLayer"`
}

type vrtUnion struct {
	Name   string     `xml:"name,attr"`
	Layers []vrtLayer `xml:"OGRVRTLayer"`
}

type vrtLayer struct {
	Name    string      `xml:"name,attr"`
	Src     string      `xml:"SrcDataSource"`
	Options []vrtOption `xml:"OpenOptions>OOI"`
	Fields  []vrtField  `xml:"Field"`
}

type vrtOption struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type vrtField struct {
	Name string `xml:"name,attr"`
	Src  string `xml:"src,attr"`
}

// MarshalVRT renders the OGR VRT descriptor. Source paths are made absolute and
// member layer names are de-duplicated.
func (v VirtualDataset) MarshalVRT() ([]byte, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	fields := make([]vrtField, len(v.Fields))
	for i, f := range v.Fields {
		fields[i] = vrtField{Name: f.Name, Src: f.Source}
	}

	doc := vrtDataSource{Union: vrtUnion{Name: v.Layer}}
	used := make(map[string]int)
	for _, s := range v.Sources {
		abs, err := filepath.Abs(s.Path)
		if err != nil {
			return nil, fmt.Errorf("absolute path for %s: %w", s.Path, err)
		}
		name := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		doc.Union.Layers = append(doc.Union.Layers, vrtLayer{
			Name:    name,
			Src:     abs,
			Options: []vrtOption{{Key: "ENCODING", Value: s.Encoding}},
			Fields:  fields,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal vrt %s: %w", v.Layer, err)
	}
	return append(out, '\n'), nil
}
