package rest

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
)

// historyTTLIndex is the TTL index expiring old revisions.
const historyTTLIndex = "history-ttl"

// Revision page sizes.
const (
	defaultRevisionsSize = 12
	maxRevisionsSize     = 10000
)

// lineIndexes are the indexes of a line collection.
var lineIndexes = []docstore.IndexSpec{
	{Name: "_needsIndexing_1", Field: fieldNeedsIndexing, Sparse: true},
	{Name: "_needsExtending_1", Field: fieldNeedsExtending, Sparse: true},
	{Name: "_i_-1", Field: fieldI, Unique: true},
}

// revisionIndexes are the indexes of a revision collection.
var revisionIndexes = []docstore.IndexSpec{
	{Name: "_lineId_1", Field: fieldLineID},
	{Name: "_i_-1", Field: fieldI},
}

// initCollection recreates an empty line collection.
func (e *Engine) initCollection(ctx context.Context, name string) error {
	if err := e.store.DropCollection(ctx, name); err != nil {
		return err
	}
	c := e.store.Collection(name)
	for _, spec := range lineIndexes {
		if err := c.CreateIndex(ctx, spec); err != nil {
			return fmt.Errorf("failed to create index %s on %s: %w", spec.Name, name, err)
		}
	}
	return nil
}

// InitDataset creates the empty collections of a new dataset.
func (e *Engine) InitDataset(ctx context.Context, ds *dataset.Dataset) error {
	if err := e.DeleteDataset(ctx, ds); err != nil {
		return err
	}
	if err := e.initCollection(ctx, dataset.CollectionName(ds.ID)); err != nil {
		return err
	}
	return e.ConfigureHistory(ctx, ds)
}

// DeleteDataset removes the collections and the attachments of a dataset.
func (e *Engine) DeleteDataset(ctx context.Context, ds *dataset.Dataset) error {
	if err := e.store.DropCollection(ctx, dataset.CollectionName(ds.ID)); err != nil {
		return err
	}
	if err := e.store.DropCollection(ctx, dataset.RevisionsCollectionName(ds.ID)); err != nil {
		return err
	}
	if e.opts.AttachmentsDir == "" {
		return nil
	}
	dir, err := e.AttachmentsDir(ds)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove attachments of %s: %w", ds.ID, err)
	}
	return nil
}

// ConfigureHistory brings the revision collection in line with the history
// options of ds.
//
// Enabling history seeds a create revision for every existing line. The TTL
// index on _updatedAt follows historyTTL. Disabling history drops the
// revisions.
func (e *Engine) ConfigureHistory(ctx context.Context, ds *dataset.Dataset) error {
	name := dataset.RevisionsCollectionName(ds.ID)
	exists, err := e.store.HasCollection(ctx, name)
	if err != nil {
		return err
	}
	if !ds.Rest.History {
		if exists {
			return e.store.DropCollection(ctx, name)
		}
		return nil
	}
	rc := e.store.Collection(name)
	if !exists {
		for _, spec := range revisionIndexes {
			if err := rc.CreateIndex(ctx, spec); err != nil {
				return fmt.Errorf("failed to create index %s on %s: %w", spec.Name, name, err)
			}
		}
		if err := e.seedRevisions(ctx, ds, rc); err != nil {
			return err
		}
	}
	delay, err := ds.Rest.HistoryTTL.Delay.Duration()
	if err != nil {
		return apierrors.BadRequest(err.Error())
	}
	if ds.Rest.HistoryTTL.Active && delay > 0 {
		spec := docstore.IndexSpec{Name: historyTTLIndex, Field: fieldUpdatedAt, ExpireAfter: delay}
		if err := rc.CreateIndex(ctx, spec); err != nil {
			return fmt.Errorf("failed to create index %s on %s: %w", spec.Name, name, err)
		}
		return nil
	}
	if err := rc.DropIndex(ctx, historyTTLIndex); err != nil && !errors.Is(err, docstore.ErrIndexNotFound) {
		return err
	}
	return nil
}

func (e *Engine) seedRevisions(ctx context.Context, ds *dataset.Dataset, rc docstore.Collection) error {
	b := rc.NewBatch()
	for line, err := range e.lines(ds).Find(ctx, docstore.Query{}) {
		if err != nil {
			return fmt.Errorf("failed to read lines: %w", err)
		}
		if line[fieldDeleted] == false {
			delete(line, fieldDeleted)
		}
		b.Insert(revisionOf(line, line.ID(), ActionCreate))
		if b.Len() >= e.opts.MaxBulkOps {
			if _, err := b.Execute(ctx); err != nil {
				return fmt.Errorf("failed to seed revisions of %s: %w", ds.ID, err)
			}
			b = rc.NewBatch()
		}
	}
	if b.Len() == 0 {
		return nil
	}
	if _, err := b.Execute(ctx); err != nil {
		return fmt.Errorf("failed to seed revisions of %s: %w", ds.ID, err)
	}
	return nil
}

// RevisionPage is a page of revisions, newest first.
type RevisionPage struct {
	Total   int                 `json:"total" jsonschema:"description=Number of revisions"`
	Results []docstore.Document `json:"results" jsonschema:"description=Revisions with _id set to the line id"`
	Next    string              `json:"next,omitempty" jsonschema:"description=URL of the next page"`
	// Before is the cursor of the next page, 0 when this is the last one.
	Before int64 `json:"-"`
}

// ReadRevisions returns the revisions of ds, or of one line when lineID is
// set. before is an exclusive _i cursor, 0 for the first page.
func (e *Engine) ReadRevisions(ctx context.Context, ds *dataset.Dataset, lineID string, owner *Owner, before int64, size int) (*RevisionPage, error) {
	if !ds.Rest.History {
		return nil, apierrors.HistoryDisabled()
	}
	if size <= 0 {
		size = defaultRevisionsSize
	}
	size = min(size, maxRevisionsSize)
	f := owner.Filter()
	if lineID != "" {
		f = f.And(docstore.Filter{Equal: map[string]any{fieldLineID: lineID}})
	}
	rc := e.revisions(ds)
	total, err := rc.Count(ctx, f)
	if err != nil {
		return nil, err
	}
	if before != 0 {
		f = f.And(docstore.Filter{LessThan: map[string]any{fieldI: float64(before)}})
	}
	page := &RevisionPage{Total: total, Results: []docstore.Document{}}
	for rev, err := range rc.Find(ctx, docstore.Query{Filter: f, SortBy: fieldI, Desc: true, Limit: size}) {
		if err != nil {
			return nil, err
		}
		rev[docstore.IDField] = rev[fieldLineID]
		delete(rev, fieldLineID)
		page.Results = append(page.Results, rev)
	}
	if len(page.Results) == size {
		if i, ok := page.Results[size-1][fieldI].(float64); ok {
			page.Before = int64(i)
		}
	}
	return page, nil
}
