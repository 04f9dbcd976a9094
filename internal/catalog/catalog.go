package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Attribute describes one source attribute as the catalog documents it.
type Attribute struct {
	Name        string `json:"name"`        // readable name, used as the destination column
	Description string `json:"description"` // free text
	Type        string `json:"type"`        // catalog type text, e.g. "行政区域コード"
	RefURL      string `json:"ref_url,omitempty"`
	RefFile     string `json:"ref_file,omitempty"` // local copy of the code-list page
	FileHint    string `json:"file_hint,omitempty"`
	Ref         *Ref   `json:"ref,omitempty"`
}

// VariantAttribute pairs a destination column name with the source attribute it is read from.
type VariantAttribute struct {
	ReadableName  string `json:"readable_name"`
	AttributeName string `json:"attribute_name"`
}

// Variant is one geometry rendering of a dataset (line vs point and so on).
type Variant struct {
	Name          string             `json:"variant_name"`
	Identifier    string             `json:"variant_identifier"`
	GeometryType  string             `json:"geometry_type,omitempty"`
	ShapefileHint string             `json:"shapefile_hint,omitempty"`
	Attributes    []VariantAttribute `json:"attributes,omitempty"`
}

// Dataset is a single catalog entry together with its already downloaded archives.
type Dataset struct {
	Identifier  string               `json:"identifier"`
	Category1   string               `json:"category1,omitempty"`
	Category2   string               `json:"category2,omitempty"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"` // 内容
	Usage       string               `json:"usage,omitempty"`       // license / 使用許諾条件
	SourceURL   string               `json:"source_url,omitempty"`
	Variants    []Variant            `json:"variants,omitempty"`
	Attributes  map[string]Attribute `json:"attributes,omitempty"` // keyed by source attribute name
	Archives    []string             `json:"archives"`
}

// SortedAttributeNames returns the source attribute names in lexical order.
func (d Dataset) SortedAttributeNames() []string {
	names := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AttributeByName finds a catalog attribute by its readable (destination) name.
func (d Dataset) AttributeByName(name string) (Attribute, bool) {
	for _, key := range d.SortedAttributeNames() {
		if a := d.Attributes[key]; a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// LoadManifest reads a JSON array of datasets. Relative archive and reference paths
// are resolved against the manifest's directory, and cached code-list pages are parsed.
func LoadManifest(path string) ([]Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var datasets []Dataset
	if err := json.Unmarshal(raw, &datasets); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	for i := range datasets {
		ds := &datasets[i]
		if ds.Identifier == "" {
			return nil, fmt.Errorf("manifest %s: entry %d has no identifier", path, i)
		}
		for j, a := range ds.Archives {
			if !filepath.IsAbs(a) {
				ds.Archives[j] = filepath.Join(base, a)
			}
		}
		for key, attr := range ds.Attributes {
			if attr.Ref != nil || attr.RefFile == "" {
				continue
			}
			refPath := attr.RefFile
			if !filepath.IsAbs(refPath) {
				refPath = filepath.Join(base, refPath)
			}
			ref, err := parseCodeListFile(refPath)
			if err != nil {
				return nil, fmt.Errorf("dataset %s attribute %s: %w", ds.Identifier, key, err)
			}
			attr.Ref = ref
			ds.Attributes[key] = attr
		}
	}
	return datasets, nil
}

// Filter keeps only datasets whose identifier is listed. An empty list keeps everything.
func Filter(datasets []Dataset, identifiers []string) []Dataset {
	if len(identifiers) == 0 {
		return datasets
	}
	want := make(map[string]bool, len(identifiers))
	for _, id := range identifiers {
		want[id] = true
	}
	out := datasets[:0:0]
	for _, ds := range datasets {
		if want[ds.Identifier] {
			out = append(out, ds)
		}
	}
	return out
}
