package mapping

// OverrideOutput is one fixed output of a multi-output override. Pattern, when set,
// is used verbatim instead of compiling Template.
type OverrideOutput struct {
	Identifier string `toml:"identifier"`
	Name       string `toml:"name,omitempty"`
	Template   string `toml:"template,omitempty"`
	Pattern    string `toml:"pattern,omitempty"`
}

// Override replaces a no-variant singleton mapping with a fixed list of outputs.
type Override struct {
	Outputs []OverrideOutput `toml:"outputs"`
}

// Split fans a dataset without variants out into one mapping per attribute-code
// prefix, e.g. A38a_001 and A38b_001 land in tables A38a and A38b.
type Split struct {
	PrefixLen int               `toml:"prefix_len"`
	Names     map[string]string `toml:"names,omitempty"`
}

// Rules is the catalog-external knowledge the resolver applies.
type Rules struct {
	// TemplateCorrections rewrites known-wrong catalog templates before compiling.
	TemplateCorrections map[string]string `toml:"template_corrections,omitempty"`
	Overrides           map[string]Override `toml:"overrides,omitempty"`
	Splits              map[string]Split    `toml:"splits,omitempty"`
	// Widened holds raw patterns tried when a dataset's precise matcher finds nothing.
	Widened map[string][]string `toml:"widened,omitempty"`
}

// DefaultRules returns the rules known for the national land numerical information catalog.
func DefaultRules() Rules {
	return Rules{
		TemplateCorrections: map[string]string{
			// 医療圏のシェープファイル名は PP を含まない
			"A38-YY_PP_": "A38-YY_",
		},
		Overrides: map[string]Override{
			"N03": {Outputs: []OverrideOutput{
				{Identifier: "N03", Name: "行政区域", Pattern: `(?:^|/)N03-\d{8}` + SidecarSuffix},
				{Identifier: "N03_prefecture", Name: "行政区域（都道府県）", Pattern: `(?:^|/)N03-\d{8}_prefecture` + SidecarSuffix},
			}},
		},
		Splits: map[string]Split{
			"A38": {PrefixLen: 4, Names: map[string]string{
				"A38a": "一次医療圏",
				"A38b": "二次医療圏",
				"A38c": "三次医療圏",
			}},
		},
		Widened: map[string][]string{
			"A38": {`(?:^|/)A38[a-c]?-\d{2}[^/]*` + SidecarSuffix},
		},
	}
}

// Merge layers other on top of r; entries in other replace entries with the same key.
func (r Rules) Merge(other Rules) Rules {
	out := Rules{
		TemplateCorrections: mergeMap(r.TemplateCorrections, other.TemplateCorrections),
		Overrides:           mergeMap(r.Overrides, other.Overrides),
		Splits:              mergeMap(r.Splits, other.Splits),
		Widened:             mergeMap(r.Widened, other.Widened),
	}
	return out
}

func mergeMap[V any](base, top map[string]V) map[string]V {
	out := make(map[string]V, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}
