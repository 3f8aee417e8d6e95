// Propagates line writes of REST datasets to the extension and search index
// stages in the background.

package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	"github.com/maruel/datarest/internal/rest"
)

// Extender computes the extension columns of lines.
//
// It returns the rows it processed, extension keys set or absent. Rows it
// omits stay flagged for the next pass.
type Extender interface {
	Extend(ctx context.Context, ds *dataset.Dataset, rows []docstore.Document) ([]docstore.Document, error)
}

// Indexer pushes lines to the search index.
//
// Index returns the rows the index confirmed as durable. Tombstones (rows
// with _deleted true) must be removed from the index. Reset empties the index
// of a dataset before a full pass.
type Indexer interface {
	Index(ctx context.Context, ds *dataset.Dataset, rows []docstore.Document) ([]docstore.Document, error)
	Reset(ctx context.Context, ds *dataset.Dataset) error
}

// DiscardIndexer acknowledges every row without indexing anything.
type DiscardIndexer struct{}

// Index implements Indexer.
func (DiscardIndexer) Index(_ context.Context, _ *dataset.Dataset, rows []docstore.Document) ([]docstore.Document, error) {
	return rows, nil
}

// Reset implements Indexer.
func (DiscardIndexer) Reset(context.Context, *dataset.Dataset) error {
	return nil
}

// Options tunes the Service.
type Options struct {
	// Debounce delays a triggered pass so that consecutive writes share it.
	Debounce time.Duration
	// Interval between scans of the datasets with pending writes.
	Interval time.Duration
	// TTLInterval between TTL sweeps.
	TTLInterval time.Duration
	// MaxRetries of a failed pass.
	MaxRetries int
	// Concurrency is the number of datasets processed in parallel.
	Concurrency int
	Now         func() time.Time
}

var errIncomplete = errors.New("rows left unacknowledged")

var counterSyncRows = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "datarest",
		Name:      "sync_rows_total",
		Help:      "Lines acknowledged by a synchronization stage.",
	},
	[]string{"stage"},
)

func init() {
	prometheus.MustRegister(counterSyncRows)
}

// Service manages the synchronization passes of REST datasets.
type Service struct {
	engine   *rest.Engine
	datasets *dataset.Service
	store    docstore.Store
	extender Extender // nil: extension columns are left untouched
	indexer  Indexer
	opts     Options

	mu      sync.Mutex
	active  map[string]struct{}
	timers  map[string]*time.Timer
	cancels map[string]context.CancelFunc
}

// New creates a new sync service.
func New(engine *rest.Engine, datasets *dataset.Service, store docstore.Store, extender Extender, indexer Indexer, opts Options) *Service {
	if indexer == nil {
		indexer = DiscardIndexer{}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.TTLInterval <= 0 {
		opts.TTLInterval = time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		engine:   engine,
		datasets: datasets,
		store:    store,
		extender: extender,
		indexer:  indexer,
		opts:     opts,
		active:   make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Trigger starts an async debounced pass for a dataset.
func (s *Service) Trigger(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	s.cancels[id] = cancel
	s.timers[id] = time.AfterFunc(s.opts.Debounce, func() {
		defer cancel()
		if err := s.Process(ctx, id); err != nil {
			slog.Error("Sync failed", "dataset", id, "err", err)
		}
	})
}

// Stop cancels the pending triggered passes.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// Process runs the extension, indexing and acknowledgment stages for a
// dataset, retrying with exponential backoff.
//
// It returns immediately when a pass on the same dataset is already running.
func (s *Service) Process(ctx context.Context, id string) error {
	if !s.tryAcquire(id) {
		return nil
	}
	defer s.release(id)

	return s.retry(ctx, "sync", id, func() error {
		return s.process(ctx, id)
	})
}

// retry runs fn with exponential backoff until it succeeds, the retries are
// exhausted or it fails with an error marked by rest.Permanent.
func (s *Service) retry(ctx context.Context, stage, id string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(s.opts.MaxRetries)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if rest.IsPermanent(err) {
			slog.WarnContext(ctx, "Giving up", "stage", stage, "dataset", id, "err", err)
		}
		return err
	}, b, func(err error, d time.Duration) {
		slog.WarnContext(ctx, "Retrying", "stage", stage, "dataset", id, "in", d, "err", err)
	})
}

func (s *Service) process(ctx context.Context, id string) error {
	ds, err := s.datasets.Get(ctx, id)
	if errors.Is(err, dataset.ErrNotFound) {
		return rest.Permanent(err)
	}
	if err != nil {
		return err
	}
	// Read before the pass so that writes landing during it keep the dataset
	// pending.
	dataUpdatedAt := ds.DataUpdatedAt
	full := ds.Status == dataset.StatusAnalyzed
	if full {
		if err := s.indexer.Reset(ctx, ds); err != nil {
			return fmt.Errorf("failed to reset index of %s: %w", id, err)
		}
	}
	if ds.HasActiveExtension() {
		if err := s.extend(ctx, ds, rest.ReadFilter{NeedsExtending: true}); err != nil {
			return err
		}
	}
	f := rest.ReadFilter{NeedsIndexing: true}
	if full {
		f = rest.ReadFilter{}
	}
	if err := s.index(ctx, ds, f); err != nil {
		return err
	}
	count, err := s.engine.Count(ctx, ds)
	if err != nil {
		return err
	}
	if err := s.datasets.MarkIndexed(ctx, id, count, dataUpdatedAt); err != nil {
		return err
	}
	if full {
		return s.datasets.SetStatus(ctx, id, dataset.StatusIndexed)
	}
	return nil
}

// CommitLine propagates a single line synchronously so that it can be read
// back from the search index right after the write.
func (s *Service) CommitLine(ctx context.Context, ds *dataset.Dataset, id string) error {
	if ds.HasActiveExtension() {
		if err := s.extend(ctx, ds, rest.ReadFilter{NeedsExtending: true, ID: id}); err != nil {
			return err
		}
	}
	return s.index(ctx, ds, rest.ReadFilter{NeedsIndexing: true, ID: id})
}

func (s *Service) extend(ctx context.Context, ds *dataset.Dataset, f rest.ReadFilter) error {
	return s.chunks(ctx, ds, f, func(rows []docstore.Document) error {
		done := rows
		if s.extender != nil {
			var err error
			if done, err = s.extender.Extend(ctx, ds, rows); err != nil {
				return fmt.Errorf("failed to extend lines of %s: %w", ds.ID, err)
			}
		}
		if err := s.engine.WriteExtended(ctx, ds, done); err != nil {
			return err
		}
		counterSyncRows.WithLabelValues("extend").Add(float64(len(done)))
		if len(done) < len(rows) {
			return fmt.Errorf("extension of %s: %w: %d", ds.ID, errIncomplete, len(rows)-len(done))
		}
		return nil
	})
}

func (s *Service) index(ctx context.Context, ds *dataset.Dataset, f rest.ReadFilter) error {
	w := s.engine.MarkIndexed(ds)
	err := s.chunks(ctx, ds, f, func(rows []docstore.Document) error {
		done, err := s.indexer.Index(ctx, ds, rows)
		if err != nil {
			return fmt.Errorf("failed to index lines of %s: %w", ds.ID, err)
		}
		for _, row := range done {
			if err := w.Write(ctx, row); err != nil {
				return err
			}
		}
		counterSyncRows.WithLabelValues("index").Add(float64(len(done)))
		if len(done) < len(rows) {
			return fmt.Errorf("indexing of %s: %w: %d", ds.ID, errIncomplete, len(rows)-len(done))
		}
		return nil
	})
	if cerr := w.Close(ctx); err == nil {
		err = cerr
	}
	if n := w.LostUpdates(); n > 0 {
		slog.InfoContext(ctx, "Lines changed while indexing", "dataset", ds.ID, "count", n)
	}
	return err
}

// chunks feeds the lines matching f to fn in slices of at most MaxBulkOps.
func (s *Service) chunks(ctx context.Context, ds *dataset.Dataset, f rest.ReadFilter, fn func([]docstore.Document) error) error {
	size := s.engine.MaxBulkOps()
	var buf []docstore.Document
	for row, err := range s.engine.ReadStream(ctx, ds, f) {
		if err != nil {
			return err
		}
		buf = append(buf, row)
		if len(buf) >= size {
			if err := fn(buf); err != nil {
				return err
			}
			buf = nil
		}
	}
	if len(buf) == 0 {
		return nil
	}
	return fn(buf)
}

// ProcessPending runs a pass on every dataset with pending writes or waiting
// for a full reindex. Failures are logged and do not stop the other datasets.
func (s *Service) ProcessPending(ctx context.Context) error {
	pending, err := s.datasets.ListPending(ctx)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.Concurrency)
	for _, ds := range pending {
		eg.Go(func() error {
			if err := s.Process(ctx, ds.ID); err != nil {
				slog.ErrorContext(ctx, "Sync failed", "dataset", ds.ID, "err", err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Sweep expires documents through TTL indexes and deletes lines past their
// dataset line TTL.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.opts.Now()
	n, err := s.store.Sweep(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to sweep store: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "Expired documents", "count", n)
	}
	all, err := s.datasets.List(ctx)
	if err != nil {
		return err
	}
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.opts.Concurrency)
	for _, ds := range all {
		if !ds.Rest.TTL.Active {
			continue
		}
		eg.Go(func() error {
			var sum *rest.Summary
			err := s.retry(ctx, "ttl", ds.ID, func() error {
				var err error
				sum, err = s.engine.ApplyLineTTL(ctx, ds, now)
				return err
			})
			if err != nil {
				slog.ErrorContext(ctx, "Line TTL failed", "dataset", ds.ID, "err", err)
				return nil
			}
			if sum.NbOk > 0 {
				s.Trigger(ds.ID)
			}
			return nil
		})
	}
	return eg.Wait()
}

// Run processes pending datasets and sweeps expired lines until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(s.opts.Interval)
	defer tick.Stop()
	ttl := time.NewTicker(s.opts.TTLInterval)
	defer ttl.Stop()
	defer s.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := s.ProcessPending(ctx); err != nil {
				slog.ErrorContext(ctx, "Failed to list pending datasets", "err", err)
			}
		case <-ttl.C:
			if err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "Sweep failed", "err", err)
			}
		}
	}
}

func (s *Service) tryAcquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return false
	}
	s.active[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}
