package mapping

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kmproj/jpksj-to-sql/internal/catalog"
)

// Resolver turns catalog datasets into output mappings. It holds only compiled
// rules and is safe for concurrent use.
type Resolver struct {
	rules       Rules
	corrections []string // sorted keys of rules.TemplateCorrections
	widened     map[string]Matcher
}

// NewResolver compiles the widened patterns and checks the override rules up front
// so a bad configuration fails before any dataset is touched.
func NewResolver(rules Rules) (*Resolver, error) {
	r := &Resolver{rules: rules, widened: make(map[string]Matcher, len(rules.Widened))}
	for k := range rules.TemplateCorrections {
		r.corrections = append(r.corrections, k)
	}
	sort.Strings(r.corrections)

	for id, patterns := range rules.Widened {
		m, err := NewPatternMatcher(patterns...)
		if err != nil {
			return nil, fmt.Errorf("widened matcher for %s: %w", id, err)
		}
		r.widened[id] = m
	}
	for id, ov := range rules.Overrides {
		if len(ov.Outputs) == 0 {
			return nil, fmt.Errorf("override for %s has no outputs", id)
		}
		for _, o := range ov.Outputs {
			if o.Identifier == "" {
				return nil, fmt.Errorf("override for %s has an output without identifier", id)
			}
		}
	}
	for id, s := range rules.Splits {
		if s.PrefixLen <= 0 {
			return nil, fmt.Errorf("split for %s needs a positive prefix_len", id)
		}
	}
	return r, nil
}

// Widened returns the dataset-specific fallback matcher, if one is configured.
func (r *Resolver) Widened(datasetID string) (Matcher, bool) {
	m, ok := r.widened[datasetID]
	return m, ok
}

// Resolve produces the output mappings for ds. Either every mapping resolves or an
// error is returned and no mappings are.
func (r *Resolver) Resolve(ds catalog.Dataset) ([]OutputMapping, error) {
	var out []OutputMapping

	switch split, hasSplit := r.rules.Splits[ds.Identifier]; {
	case len(ds.Variants) > 0:
		for i, v := range ds.Variants {
			b := NewBuilder().
				OriginalIdentifier(ds.Identifier).
				Identifier(v.Identifier).
				Name(DisplayName(v.Name)).
				Templates(r.templates(v.ShapefileHint)...)
			if len(v.Attributes) > 0 {
				for _, a := range v.Attributes {
					b.Field(a.ReadableName, a.AttributeName)
				}
			} else {
				b.Fields(datasetFields(ds, ""))
			}
			m, err := b.Finish()
			if err != nil {
				return nil, fmt.Errorf("dataset %s variant %d: %w", ds.Identifier, i, err)
			}
			out = append(out, m)
		}
		return out, nil

	case hasSplit:
		for _, prefix := range splitPrefixes(ds, split.PrefixLen) {
			name := split.Names[prefix]
			if name == "" {
				name = DisplayName(ds.Name)
			}
			m, err := NewBuilder().
				OriginalIdentifier(ds.Identifier).
				Identifier(prefix).
				Name(name).
				Templates(r.attributeTemplates(ds, prefix)...).
				Fields(datasetFields(ds, prefix)).
				Finish()
			if err != nil {
				return nil, fmt.Errorf("dataset %s split %s: %w", ds.Identifier, prefix, err)
			}
			out = append(out, m)
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	single, err := NewBuilder().
		OriginalIdentifier(ds.Identifier).
		Identifier(ds.Identifier).
		Name(DisplayName(ds.Name)).
		Templates(r.attributeTemplates(ds, "")...).
		Fields(datasetFields(ds, "")).
		Finish()
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", ds.Identifier, err)
	}

	ov, ok := r.rules.Overrides[ds.Identifier]
	if !ok {
		return []OutputMapping{single}, nil
	}
	for _, o := range ov.Outputs {
		name := o.Name
		if name == "" {
			name = single.Name
		}
		b := NewBuilder().
			OriginalIdentifier(ds.Identifier).
			Identifier(o.Identifier).
			Name(name).
			Fields(single.Fields)
		if o.Pattern != "" {
			b.Patterns(o.Pattern)
		} else if o.Template != "" {
			b.Templates(r.correct(o.Template))
		}
		m, err := b.Finish()
		if err != nil {
			return nil, fmt.Errorf("dataset %s override %s: %w", ds.Identifier, o.Identifier, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// templates splits a multi-line shapefile hint into corrected templates.
func (r *Resolver) templates(hint string) []string {
	hint = strings.ReplaceAll(hint, "\r\n", "\n")
	var out []string
	for _, line := range strings.Split(hint, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, r.correct(line))
		}
	}
	return out
}

func (r *Resolver) correct(template string) string {
	for _, from := range r.corrections {
		template = strings.ReplaceAll(template, from, r.rules.TemplateCorrections[from])
	}
	return template
}

// attributeTemplates collects the distinct file hints carried by attributes whose
// source name starts with prefix.
func (r *Resolver) attributeTemplates(ds catalog.Dataset, prefix string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, key := range ds.SortedAttributeNames() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for _, t := range r.templates(ds.Attributes[key].FileHint) {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// datasetFields maps the dataset-level attribute catalog, sorted by source name.
func datasetFields(ds catalog.Dataset, prefix string) []FieldMapping {
	var out []FieldMapping
	for _, key := range ds.SortedAttributeNames() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		name := ds.Attributes[key].Name
		if name == "" {
			name = key
		}
		out = append(out, FieldMapping{Name: name, Source: key})
	}
	return out
}

func splitPrefixes(ds catalog.Dataset, n int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, key := range ds.SortedAttributeNames() {
		if len(key) < n {
			continue
		}
		p := key[:n]
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
