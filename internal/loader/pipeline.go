package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kmproj/jpksj-to-sql/internal/archive"
	"github.com/kmproj/jpksj-to-sql/internal/catalog"
	"github.com/kmproj/jpksj-to-sql/internal/db"
	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/metadata"
	"github.com/kmproj/jpksj-to-sql/internal/progress"
	"github.com/kmproj/jpksj-to-sql/internal/target"
)

type outcome int

const (
	outcomeLoaded outcome = iota
	outcomeSkipped
	outcomeFailed
)

// process loads every mapping of one dataset in resolution order. Errors never
// leave this function: they are logged, recorded and counted.
func (q *Queue) process(ctx context.Context, wl *slog.Logger, ds catalog.Dataset) {
	l := wl.With(slog.String("dataset", ds.Identifier))
	start := time.Now()
	q.events <- progress.Event{Label: ds.Identifier, Status: progress.StatusLoading}

	mappings, err := q.deps.Resolver.Resolve(ds)
	if err != nil {
		l.Error("Failed to resolve output mappings.", slog.Any("error", err))
		q.record(ctx, l, db.Event{Dataset: ds.Identifier, Event: db.EventError, Message: err.Error()})
		q.count(outcomeFailed)
		q.finishDataset(ds.Identifier, true)
		q.events <- progress.Event{Finished: 1, Label: ds.Identifier, Status: progress.StatusFailed}
		return
	}
	l.Debug("Resolved output mappings.", slog.Int("mappings", len(mappings)))

	var (
		errs    error
		skipped int
	)
	for _, m := range mappings {
		ml := l.With(slog.String("mapping", m.Identifier))
		q.events <- progress.Event{Label: m.Identifier, Status: progress.StatusLoading}

		res, err := q.loadMapping(ctx, ml, ds, m)
		q.count(res)
		switch {
		case err != nil:
			ml.Error("Failed to load mapping.", slog.Any("error", err))
			q.record(ctx, ml, db.Event{Dataset: ds.Identifier, Mapping: m.Identifier, Event: db.EventError, Message: err.Error()})
			errs = errors.Join(errs, fmt.Errorf("mapping %s: %w", m.Identifier, err))
		case res == outcomeSkipped:
			skipped++
		}
	}

	status := progress.StatusLoaded
	switch {
	case errs != nil:
		status = progress.StatusFailed
	case len(mappings) > 0 && skipped == len(mappings):
		status = progress.StatusSkipped
	}
	q.finishDataset(ds.Identifier, errs != nil)
	q.events <- progress.Event{Finished: 1, Label: ds.Identifier, Status: status}
	l.Info("Dataset finished.",
		slog.String("status", string(status)),
		slog.Int("mappings", len(mappings)),
		slog.Duration("duration", since(start)))
}

// loadMapping runs existence check, extraction with fallback escalation,
// conversion and metadata synthesis for one mapping.
func (q *Queue) loadMapping(ctx context.Context, l *slog.Logger, ds catalog.Dataset, m mapping.OutputMapping) (outcome, error) {
	dest := q.destinationName(m)

	exists := false
	if q.cfg.SkipIfExists {
		var err error
		if exists, err = q.deps.Destination.Exists(ctx, m); err != nil {
			return outcomeFailed, fmt.Errorf("check existing output: %w", err)
		}
	}

	res := outcomeLoaded
	if exists {
		res = outcomeSkipped
		l.Info("Output already exists, skipping.", slog.String("destination", dest))
		q.record(ctx, l, db.Event{Dataset: ds.Identifier, Mapping: m.Identifier, Event: db.EventSkipExists, Destination: dest})
	} else {
		start := time.Now()
		q.record(ctx, l, db.Event{Dataset: ds.Identifier, Mapping: m.Identifier, Event: db.EventLoadStart, Destination: dest})

		shapefiles, err := q.extract(ctx, l, ds, m)
		if !q.cfg.KeepScratch {
			defer q.cleanScratch(l, ds)
		}
		if err != nil {
			return outcomeFailed, err
		}
		if err := q.deps.Converter.Materialize(ctx, m, shapefiles, q.deps.Target); err != nil {
			return outcomeFailed, err
		}

		elapsed := since(start)
		l.Info("Mapping loaded.",
			slog.String("destination", dest),
			slog.Int("shapefiles", len(shapefiles)),
			slog.Duration("duration", elapsed))
		q.record(ctx, l, db.Event{Dataset: ds.Identifier, Mapping: m.Identifier, Event: db.EventLoadEnd, Destination: dest, Duration: elapsed})
	}

	if err := q.describe(ctx, l, ds, m); err != nil {
		return outcomeFailed, err
	}
	return res, nil
}

func (q *Queue) describe(ctx context.Context, l *slog.Logger, ds catalog.Dataset, m mapping.OutputMapping) error {
	if len(q.deps.Sinks) == 0 {
		return nil
	}
	tbl, err := q.deps.Destination.Schema(ctx, m)
	if err != nil {
		return fmt.Errorf("introspect output: %w", err)
	}
	md := metadata.Build(m, ds, tbl)
	key := metadata.Key(m)

	var errs error
	for _, s := range q.deps.Sinks {
		if err := s.UpsertMetadata(ctx, key, md); err != nil {
			errs = errors.Join(errs, fmt.Errorf("store metadata: %w", err))
		}
	}
	if errs == nil {
		l.Debug("Metadata stored.", slog.String("table", key), slog.Int("columns", len(md.Columns)))
	}
	return errs
}

type extractionStep struct {
	name    string
	matcher archive.Matcher
}

// extract tries the mapping's matcher, then the dataset's widened matcher and
// finally any shapefile at all, stopping at the first step that yields a .shp.
func (q *Queue) extract(ctx context.Context, l *slog.Logger, ds catalog.Dataset, m mapping.OutputMapping) ([]string, error) {
	steps := []extractionStep{{name: "precise", matcher: m.Matcher}}
	if w, ok := q.deps.Resolver.Widened(ds.Identifier); ok {
		steps = append(steps, extractionStep{name: "widened", matcher: w})
	}
	steps = append(steps, extractionStep{name: "catch-all", matcher: mapping.AnySidecar()})

	var lastErr error
	for i, step := range steps {
		files, err := q.extractAll(ctx, l, ds, step.matcher)
		lastErr = err

		shps := archive.Shapefiles(files)
		if len(shps) == 0 {
			l.Debug("No shapefiles matched.", slog.String("matcher", step.name))
			continue
		}
		if i > 0 {
			msg := fmt.Sprintf("%s matcher used after %s matched nothing", step.name, steps[i-1].name)
			if step.name == "catch-all" {
				l.Warn("Loading with catch-all matcher; review the output.", slog.Int("shapefiles", len(shps)))
			} else {
				l.Info("Loading with widened matcher.", slog.Int("shapefiles", len(shps)))
			}
			q.record(ctx, l, db.Event{Dataset: ds.Identifier, Mapping: m.Identifier, Event: db.EventFallback, Message: msg})
		}

		paths := make([]string, len(shps))
		for j, f := range shps {
			paths[j] = f.Path
		}
		return paths, nil
	}
	// with no extraction error the converter reports the missing input
	if lastErr != nil {
		return nil, fmt.Errorf("extract: %w", lastErr)
	}
	return nil, nil
}

// extractAll extracts every archive of the dataset. An unreadable archive is
// logged and the remaining ones are still extracted.
func (q *Queue) extractAll(ctx context.Context, l *slog.Logger, ds catalog.Dataset, m archive.Matcher) ([]archive.ExtractedFile, error) {
	var (
		out  []archive.ExtractedFile
		errs error
	)
	for _, a := range ds.Archives {
		files, err := q.extractor.Extract(ctx, a, m)
		if err != nil {
			l.Error("Failed to extract archive.", slog.String("archive", a), slog.Any("error", err))
			errs = errors.Join(errs, err)
		}
		out = append(out, files...)
	}
	return out, errs
}

func (q *Queue) cleanScratch(l *slog.Logger, ds catalog.Dataset) {
	for _, a := range ds.Archives {
		dir := archive.ScratchDir(q.extractor.Root, a)
		if err := os.RemoveAll(dir); err != nil {
			l.Warn("Failed to remove scratch directory.", slog.String("dir", dir), slog.Any("error", err))
		}
	}
}

func (q *Queue) destinationName(m mapping.OutputMapping) string {
	if q.deps.Target.Kind == target.KindFile {
		return q.deps.Target.OutputPath(m.Identifier)
	}
	return m.TableName()
}
