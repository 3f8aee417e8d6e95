package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/maruel/ksid"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
)

var errNotObject = errors.New("a line must be a JSON object")

// missingChunk is the number of live ids compared per query when looking for
// lines removed by a drop.
const missingChunk = 1000

// Line is one parsed row of a bulk upload, or the parse error that ended
// the upload.
type Line struct {
	Doc docstore.Document
	Err error
}

// BulkOptions configures BulkApply.
type BulkOptions struct {
	// Drop replaces the whole content of the dataset with the uploaded lines.
	Drop      bool
	Validator Validator
	Owner     *Owner
	// OnBatch is called with the running summary after each flushed batch.
	OnBatch func(s *Summary)
}

// LineError describes a rejected line of a bulk upload. Line is the position
// in the upload, -1 when the upload itself failed.
type LineError struct {
	Line   int    `json:"line" jsonschema:"description=Position of the line in the upload or -1"`
	Error  string `json:"error" jsonschema:"description=Error message"`
	Status int    `json:"status,omitempty" jsonschema:"description=HTTP status of the line"`
}

// Summary counts the outcome of a bulk upload.
type Summary struct {
	NbOk          int         `json:"nbOk" jsonschema:"description=Lines accepted"`
	NbNotModified int         `json:"nbNotModified" jsonschema:"description=Lines whose content did not change"`
	NbErrors      int         `json:"nbErrors" jsonschema:"description=Lines rejected"`
	NbCreated     int         `json:"nbCreated" jsonschema:"description=Lines inserted"`
	NbModified    int         `json:"nbModified" jsonschema:"description=Lines replaced"`
	NbDeleted     int         `json:"nbDeleted" jsonschema:"description=Lines deleted"`
	Errors        []LineError `json:"errors" jsonschema:"description=First rejected lines"`
	Dropped       bool        `json:"dropped,omitempty" jsonschema:"description=The previous content was replaced"`
	Cancelled     bool        `json:"cancelled,omitempty" jsonschema:"description=The drop was abandoned because of errors"`
}

// BulkApply consumes rows in batches until the channel is closed.
//
// The returned error is set when the upload could not be read to the end or
// a batch could not be written; the summary then lists the failure at line
// -1 and holds the outcome of the batches already written.
func (e *Engine) BulkApply(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, rows <-chan Line, opts BulkOptions) (*Summary, error) {
	if opts.Drop {
		return e.bulkDrop(ctx, ds, actor, rows, &opts)
	}
	s, batches, err := e.consume(ctx, ds, actor, rows, &opts, "")
	if batches > 0 {
		// Written batches must reach the index even when a later one failed.
		if err2 := e.datasets.SetPartialRestStatus(ctx, ds.ID, dataset.PartialUpdated); err2 != nil && err == nil {
			err = err2
		}
	}
	return s, err
}

func (e *Engine) bulkDrop(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, rows <-chan Line, opts *BulkOptions) (*Summary, error) {
	live := dataset.CollectionName(ds.ID)
	tmp := dataset.CollectionName(ds.ID + "-" + ksid.NewID().String() + "-tmp-bulk")
	if err := e.initCollection(ctx, tmp); err != nil {
		return nil, err
	}
	// Revisions of the upload are staged next to tmp and only merged once
	// the drop is known to succeed.
	staged := e.revisionsFor(ds, tmp)
	defer e.dropTemp(ctx, staged.Name())
	s, _, err := e.consume(ctx, ds, actor, rows, opts, tmp)
	defer func() {
		if !s.Dropped {
			e.dropTemp(ctx, tmp)
		}
	}()
	if err != nil || s.NbErrors != 0 {
		s.Cancelled = true
		return s, err
	}
	if ds.Rest.History {
		if err := e.insertMissingRevisions(ctx, ds, actor, tmp, staged); err != nil {
			return s, err
		}
		if err := e.mergeRevisions(ctx, ds, staged); err != nil {
			return s, err
		}
	}
	if err := e.store.RenameCollection(ctx, tmp, live); err != nil {
		return s, fmt.Errorf("failed to replace lines of %s: %w", ds.ID, err)
	}
	s.Dropped = true
	if err := e.datasets.MarkDataUpdated(ctx, ds.ID, e.batchTime(), actor); err != nil {
		return s, err
	}
	if err := e.datasets.SetStatus(ctx, ds.ID, dataset.StatusAnalyzed); err != nil {
		return s, err
	}
	return s, nil
}

func (e *Engine) dropTemp(ctx context.Context, name string) {
	if err := e.store.DropCollection(context.WithoutCancel(ctx), name); err != nil {
		slog.ErrorContext(ctx, "Failed to drop temporary collection", "collection", name, "err", err)
	}
}

// mergeRevisions copies the revisions staged during a drop to the revision
// collection of ds.
func (e *Engine) mergeRevisions(ctx context.Context, ds *dataset.Dataset, staged docstore.Collection) error {
	rc := e.revisions(ds)
	b := rc.NewBatch()
	flush := func() error {
		if b.Len() == 0 {
			return nil
		}
		if _, err := b.Execute(ctx); err != nil {
			return fmt.Errorf("failed to insert revisions of %s: %w", ds.ID, err)
		}
		b = rc.NewBatch()
		return nil
	}
	for rev, err := range staged.Find(ctx, docstore.Query{}) {
		if err != nil {
			return fmt.Errorf("failed to read staged revisions: %w", err)
		}
		b.Insert(rev)
		if b.Len() >= e.opts.MaxBulkOps {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// insertMissingRevisions records in staged a delete revision for every live
// line that the drop does not carry over.
func (e *Engine) insertMissingRevisions(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, tmp string, staged docstore.Collection) error {
	var ids []string
	for line, err := range e.lines(ds).Find(ctx, docstore.Query{Fields: []string{docstore.IDField}}) {
		if err != nil {
			return fmt.Errorf("failed to read lines: %w", err)
		}
		ids = append(ids, line.ID())
	}
	// Positions in a chunk must fit the _i padding of a batch.
	for chunk := range slices.Chunk(ids, min(missingChunk, e.opts.MaxBulkOps)) {
		if err := e.insertMissingChunk(ctx, ds, actor, tmp, staged, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) insertMissingChunk(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, tmp string, staged docstore.Collection, ids []string) error {
	missing := make(map[string]bool, len(ids))
	for _, id := range ids {
		missing[id] = true
	}
	q := docstore.Query{Filter: docstore.Filter{IDs: ids}, Fields: []string{docstore.IDField}}
	for line, err := range e.store.Collection(tmp).Find(ctx, q) {
		if err != nil {
			return fmt.Errorf("failed to read lines: %w", err)
		}
		delete(missing, line.ID())
	}
	if len(missing) == 0 {
		return nil
	}
	var missingIDs []string
	for _, id := range ids {
		if missing[id] {
			missingIDs = append(missingIDs, id)
		}
	}
	updatedAt := e.batchTime()
	fields := append([]string{fieldDeleted}, ds.PrimaryKey...)
	b := staged.NewBatch()
	i := 0
	q = docstore.Query{Filter: docstore.Filter{IDs: missingIDs}, Fields: fields}
	for line, err := range e.lines(ds).Find(ctx, q) {
		if err != nil {
			return fmt.Errorf("failed to read lines: %w", err)
		}
		n := i
		i++
		if line[fieldDeleted] == true {
			continue
		}
		id := line.ID()
		tomb := line.Clone()
		tomb[fieldUpdatedAt] = docstore.FormatTime(updatedAt)
		tomb[fieldI] = e.lineOrder(updatedAt, ds.CreatedAt, n)
		tomb[fieldDeleted] = true
		tomb[fieldHash] = nil
		if ds.Rest.StoreUpdatedBy && actor != nil {
			tomb[fieldUpdatedBy] = actor.ID
			tomb[fieldUpdatedByName] = actor.Name
		}
		b.Insert(revisionOf(tomb, id, ActionDelete))
	}
	if b.Len() == 0 {
		return nil
	}
	if _, err := b.Execute(ctx); err != nil {
		return fmt.Errorf("failed to stage revisions of %s: %w", ds.ID, err)
	}
	return nil
}

// bulkApplier accumulates rows into batches.
type bulkApplier struct {
	e       *Engine
	ds      *dataset.Dataset
	actor   *dataset.Actor
	opts    *BulkOptions
	target  string
	summary *Summary

	pending []docstore.Document
	ids     map[string]bool
	// line is the position in the upload of the first pending row.
	line    int
	batches int
}

// consume applies rows to target and returns the summary and the number of
// batches written.
func (e *Engine) consume(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, rows <-chan Line, opts *BulkOptions, target string) (*Summary, int, error) {
	a := &bulkApplier{
		e:       e,
		ds:      ds,
		actor:   actor,
		opts:    opts,
		target:  target,
		summary: &Summary{Errors: []LineError{}},
		ids:     map[string]bool{},
	}
	err := a.run(ctx, rows)
	if err != nil {
		a.summary.NbErrors++
		a.summary.Errors = append(a.summary.Errors, LineError{Line: -1, Error: err.Error()})
	}
	return a.summary, a.batches, err
}

func (a *bulkApplier) run(ctx context.Context, rows <-chan Line) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-rows:
			if !ok {
				return a.flush(ctx)
			}
			if line.Err != nil {
				return Permanent(line.Err)
			}
			if err := a.add(ctx, line.Doc); err != nil {
				return err
			}
		}
	}
}

func (a *bulkApplier) add(ctx context.Context, doc docstore.Document) error {
	if doc == nil {
		return Permanent(errNotObject)
	}
	doc = doc.Clone()
	action, _ := doc[fieldAction].(string)
	if action == "" {
		action = string(ActionCreateOrUpdate)
		doc[fieldAction] = action
	}
	delete(doc, fieldI)
	id := doc.ID()
	if id == "" {
		switch Action(action) {
		case ActionCreate, ActionCreateOrUpdate:
			var ok bool
			if id, ok = DeriveID(doc, a.ds.PrimaryKey, a.ds.KeyMode()); !ok {
				id = NewLineID()
			}
			doc[docstore.IDField] = id
		case ActionDelete:
			if derived, ok := DeriveID(doc, a.ds.PrimaryKey, a.ds.KeyMode()); ok {
				id = derived
				doc[docstore.IDField] = id
			}
		}
	}
	// Two writes of a line in one batch would race in the unordered write.
	if id != "" && a.ids[id] {
		if err := a.flush(ctx); err != nil {
			return err
		}
	}
	a.pending = append(a.pending, doc)
	if id != "" {
		a.ids[id] = true
	}
	if len(a.pending) >= a.e.opts.MaxBulkOps {
		return a.flush(ctx)
	}
	return nil
}

func (a *bulkApplier) flush(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}
	pending := a.pending
	a.pending = nil
	clear(a.ids)
	res, err := a.e.ApplyTransactions(ctx, a.ds, a.actor, pending, a.opts.Validator, a.opts.Owner, a.target)
	if err != nil {
		return err
	}
	s := a.summary
	s.NbCreated += res.BulkResult.Upserted + res.BulkResult.Inserted
	s.NbModified += res.BulkResult.Modified
	for i := range res.Operations {
		op := &res.Operations[i]
		if op.Failed() {
			s.NbErrors++
			if len(s.Errors) < a.e.opts.MaxErrorsInSummary {
				s.Errors = append(s.Errors, LineError{Line: a.line, Error: op.Error, Status: op.Status})
			}
		} else {
			s.NbOk++
			if op.Status == http.StatusNotModified {
				s.NbNotModified++
			}
			if op.Action == ActionDelete {
				s.NbDeleted++
				s.NbModified--
			}
		}
		a.line++
	}
	a.batches++
	counterBulkBatches.Inc()
	if a.opts.OnBatch != nil {
		a.opts.OnBatch(s)
	}
	return nil
}
