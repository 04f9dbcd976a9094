package mapping

import (
	"fmt"
	"strings"
)

// FieldMapping renames one source attribute into a destination column.
type FieldMapping struct {
	Name   string // destination column
	Source string // attribute name in the shapefile
}

// OutputMapping describes one destination table or file derived from a dataset.
type OutputMapping struct {
	OriginalIdentifier string
	Identifier         string
	Name               string
	Templates          []string
	Fields             []FieldMapping
	Matcher            Matcher
}

// TableName is the lower-cased identifier used for destination tables and metadata keys.
func (m OutputMapping) TableName() string {
	return strings.ToLower(m.Identifier)
}

// BuildError lists the fields a Builder never received.
type BuildError struct {
	Identifier string
	Missing    []string
}

func (e *BuildError) Error() string {
	if e.Identifier == "" {
		return fmt.Sprintf("mapping build: missing %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("mapping build for %s: missing %s", e.Identifier, strings.Join(e.Missing, ", "))
}

// Builder accumulates an OutputMapping piece by piece. Nothing is validated until Finish.
type Builder struct {
	originalIdentifier *string
	identifier         *string
	name               *string
	templates          []string
	patterns           []string
	fields             []FieldMapping
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) OriginalIdentifier(id string) *Builder {
	b.originalIdentifier = nonEmpty(id)
	return b
}

func (b *Builder) Identifier(id string) *Builder {
	b.identifier = nonEmpty(id)
	return b
}

func (b *Builder) Name(name string) *Builder {
	b.name = nonEmpty(name)
	return b
}

func (b *Builder) Templates(templates ...string) *Builder {
	b.templates = append(b.templates, templates...)
	return b
}

// Patterns sets raw regular expressions; they take precedence over templates.
func (b *Builder) Patterns(patterns ...string) *Builder {
	b.patterns = append(b.patterns, patterns...)
	return b
}

func (b *Builder) Field(name, source string) *Builder {
	b.fields = append(b.fields, FieldMapping{Name: name, Source: source})
	return b
}

func (b *Builder) Fields(fields []FieldMapping) *Builder {
	b.fields = append(b.fields, fields...)
	return b
}

// Finish validates the accumulated values and compiles the matcher.
func (b *Builder) Finish() (OutputMapping, error) {
	var missing []string
	if b.originalIdentifier == nil {
		missing = append(missing, "original_identifier")
	}
	if b.identifier == nil {
		missing = append(missing, "identifier")
	}
	if b.name == nil {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		id := ""
		if b.originalIdentifier != nil {
			id = *b.originalIdentifier
		}
		return OutputMapping{}, &BuildError{Identifier: id, Missing: missing}
	}

	var (
		matcher Matcher
		err     error
	)
	if len(b.patterns) > 0 {
		matcher, err = NewPatternMatcher(b.patterns...)
	} else {
		matcher, err = NewMatcher(b.templates...)
	}
	if err != nil {
		return OutputMapping{}, fmt.Errorf("mapping %s: %w", *b.identifier, err)
	}

	return OutputMapping{
		OriginalIdentifier: *b.originalIdentifier,
		Identifier:         *b.identifier,
		Name:               *b.name,
		Templates:          append([]string(nil), b.templates...),
		Fields:             append([]FieldMapping(nil), b.fields...),
		Matcher:            matcher,
	}, nil
}

func nonEmpty(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
