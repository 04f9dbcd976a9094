// Package loader schedules datasets over a bounded worker pool and runs the
// extract, convert and describe pipeline for every output mapping.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/kmproj/jpksj-to-sql/internal/archive"
	"github.com/kmproj/jpksj-to-sql/internal/catalog"
	"github.com/kmproj/jpksj-to-sql/internal/db"
	"github.com/kmproj/jpksj-to-sql/internal/mapping"
	"github.com/kmproj/jpksj-to-sql/internal/metadata"
	"github.com/kmproj/jpksj-to-sql/internal/progress"
	"github.com/kmproj/jpksj-to-sql/internal/schema"
	"github.com/kmproj/jpksj-to-sql/internal/target"
)

// ErrQueueClosed is returned by Submit after Drain and by a second Drain.
var ErrQueueClosed = errors.New("load queue is closed")

// Resolver turns a dataset into its output mappings.
type Resolver interface {
	Resolve(ds catalog.Dataset) ([]mapping.OutputMapping, error)
	Widened(datasetID string) (mapping.Matcher, bool)
}

// Converter materializes one mapping at the target.
type Converter interface {
	Materialize(ctx context.Context, m mapping.OutputMapping, shapefiles []string, t target.Target) error
}

// Destination answers whether a mapping's output is already present and what its
// columns are.
type Destination interface {
	Exists(ctx context.Context, m mapping.OutputMapping) (bool, error)
	Schema(ctx context.Context, m mapping.OutputMapping) (schema.Table, error)
}

// EventRecorder persists load events.
type EventRecorder interface {
	Record(ctx context.Context, e db.Event) error
}

// Config controls the scheduler.
type Config struct {
	Workers      int      // defaults to max(NumCPU-1, 1)
	QueueSize    int      // pending datasets before Submit blocks; defaults to Workers*2
	SkipIfExists bool     // skip mappings whose output already exists
	ScratchDir   string   // extraction root; archives are unpacked under <ScratchDir>/shp
	KeepScratch  bool     // leave extracted files in place after each mapping
	DenyPrefixes []string // archive entry prefixes never extracted
}

// Deps are the collaborators shared read-only by every worker.
type Deps struct {
	Resolver    Resolver
	Converter   Converter
	Target      target.Target
	Destination Destination
	Sinks       []metadata.Sink // optional; metadata is only built when set
	Events      EventRecorder   // optional
	View        progress.View   // optional
	Logger      *slog.Logger
}

// DefaultWorkers leaves one core for the conversion subprocesses' own threads.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

// Summary counts outcomes per mapping, plus datasets that had any failure.
type Summary struct {
	Datasets       int
	Loaded         int
	Skipped        int
	Failed         int
	FailedDatasets []string
}

// Queue is a running worker pool. Submit datasets, then Drain exactly once.
type Queue struct {
	cfg       Config
	deps      Deps
	logger    *slog.Logger
	extractor *archive.Extractor

	work   chan catalog.Dataset
	events chan progress.Event
	wg     sync.WaitGroup

	progressDone chan struct{}
	progressErr  error

	mu     sync.RWMutex
	closed bool

	sumMu   sync.Mutex
	summary Summary
}

// New validates the configuration and starts the workers and the progress task.
// Workers stop taking new datasets when ctx is cancelled; a dataset already being
// loaded always runs to completion.
func New(ctx context.Context, cfg Config, deps Deps) (*Queue, error) {
	if deps.Resolver == nil || deps.Converter == nil || deps.Destination == nil {
		return nil, errors.New("loader needs a resolver, a converter and a destination")
	}
	if cfg.ScratchDir == "" {
		return nil, errors.New("loader needs a scratch directory")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}

	q := &Queue{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(slog.String("component", "loader")),
		extractor: &archive.Extractor{
			Root:   filepath.Join(cfg.ScratchDir, "shp"),
			Deny:   cfg.DenyPrefixes,
			Logger: deps.Logger.With(slog.String("component", "extractor")),
		},
		work:         make(chan catalog.Dataset, cfg.QueueSize),
		events:       make(chan progress.Event, cfg.QueueSize+cfg.Workers),
		progressDone: make(chan struct{}),
	}

	go func() {
		defer close(q.progressDone)
		_, q.progressErr = progress.Run(q.events, deps.View)
	}()

	q.logger.Info("Starting load workers.",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.String("target", deps.Target.Kind.String()),
		slog.Bool("skip_if_exists", cfg.SkipIfExists))
	for i := 1; i <= cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	return q, nil
}

// Submit enqueues a dataset, blocking while the queue is full.
func (q *Queue) Submit(ctx context.Context, ds catalog.Dataset) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	q.events <- progress.Event{Added: 1}
	select {
	case q.work <- ds:
		return nil
	case <-ctx.Done():
		q.events <- progress.Event{Added: -1}
		return fmt.Errorf("submit %s: %w", ds.Identifier, ctx.Err())
	}
}

// Drain closes the queue, waits for every queued dataset and the progress task,
// and logs the run summary.
func (q *Queue) Drain() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.closed = true
	close(q.work)
	q.mu.Unlock()

	q.wg.Wait()
	close(q.events)
	<-q.progressDone

	s := q.Summary()
	q.logger.Info("Load finished.",
		slog.Int("datasets", s.Datasets),
		slog.Int("loaded", s.Loaded),
		slog.Int("skipped", s.Skipped),
		slog.Int("failed", s.Failed),
		slog.Any("failed_datasets", s.FailedDatasets))
	if q.progressErr != nil {
		return fmt.Errorf("progress view: %w", q.progressErr)
	}
	return nil
}

// Summary returns a snapshot of the outcome counts.
func (q *Queue) Summary() Summary {
	q.sumMu.Lock()
	defer q.sumMu.Unlock()
	s := q.summary
	s.FailedDatasets = append([]string(nil), q.summary.FailedDatasets...)
	return s
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	l := q.logger.With(slog.Int("worker_id", id))
	l.Debug("Load worker started.")
	defer l.Debug("Load worker finished.")

	for {
		select {
		case <-ctx.Done():
			return
		case ds, ok := <-q.work:
			if !ok {
				return
			}
			q.process(context.WithoutCancel(ctx), l, ds)
		}
	}
}

// Run submits every dataset from the channel and drains the queue. Individual
// dataset failures only show up in the summary.
func Run(ctx context.Context, datasets <-chan catalog.Dataset, cfg Config, deps Deps) (Summary, error) {
	q, err := New(ctx, cfg, deps)
	if err != nil {
		return Summary{}, err
	}

	var submitErr error
loop:
	for {
		select {
		case <-ctx.Done():
			submitErr = ctx.Err()
			break loop
		case ds, ok := <-datasets:
			if !ok {
				break loop
			}
			if err := q.Submit(ctx, ds); err != nil {
				submitErr = err
				break loop
			}
		}
	}

	if err := q.Drain(); err != nil {
		return q.Summary(), errors.Join(submitErr, err)
	}
	return q.Summary(), submitErr
}

func (q *Queue) record(ctx context.Context, l *slog.Logger, e db.Event) {
	if q.deps.Events == nil {
		return
	}
	if err := q.deps.Events.Record(ctx, e); err != nil {
		l.Warn("Failed to record load event.", slog.String("event", e.Event), slog.Any("error", err))
	}
}

func (q *Queue) count(outcome outcome) {
	q.sumMu.Lock()
	defer q.sumMu.Unlock()
	switch outcome {
	case outcomeLoaded:
		q.summary.Loaded++
	case outcomeSkipped:
		q.summary.Skipped++
	case outcomeFailed:
		q.summary.Failed++
	}
}

func (q *Queue) finishDataset(id string, failed bool) {
	q.sumMu.Lock()
	defer q.sumMu.Unlock()
	q.summary.Datasets++
	if failed {
		q.summary.FailedDatasets = append(q.summary.FailedDatasets, id)
	}
}

func since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
