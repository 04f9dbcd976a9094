package loader

import (
	"context"

	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/schema"
	"github.com/kmproj/jpksj-to-sql/internal/target"
)

// Introspector reads the schema of a materialized file.
type Introspector interface {
	IntrospectSchema(ctx context.Context, source, layer string) (schema.Table, error)
}

// FileDestination is the Destination of a file target: one output file per
// mapping, described by introspecting the file itself.
type FileDestination struct {
	Target       target.Target
	Introspector Introspector
}

func (d FileDestination) Exists(_ context.Context, m mapping.OutputMapping) (bool, error) {
	return d.Target.FileExists(m.Identifier)
}

func (d FileDestination) Schema(ctx context.Context, m mapping.OutputMapping) (schema.Table, error) {
	return d.Introspector.IntrospectSchema(ctx, d.Target.OutputPath(m.Identifier), m.TableName())
}
