package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
)

// privateFields are stripped from lines returned to clients.
var privateFields = []string{fieldNeedsIndexing, fieldNeedsExtending, fieldDeleted, fieldAction, fieldError, fieldHash, fieldStatus}

// CleanLine removes the bookkeeping fields of a line.
func CleanLine(line docstore.Document) docstore.Document {
	for _, k := range privateFields {
		delete(line, k)
	}
	return line
}

// ReadLine returns a line of ds. Deleted lines and lines of other owners are
// not found.
func (e *Engine) ReadLine(ctx context.Context, ds *dataset.Dataset, id string, owner *Owner) (docstore.Document, error) {
	line, err := e.lines(ds).FindOne(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, apierrors.FromStatus(http.StatusNotFound, "line not found")
	}
	if err != nil {
		return nil, err
	}
	f := owner.Filter()
	if line[fieldDeleted] == true || !f.Match(line) {
		return nil, apierrors.FromStatus(http.StatusNotFound, "line not found")
	}
	return CleanLine(line), nil
}

// applyOne runs a transaction of a single line and converts a rejected
// operation into an API error.
func (e *Engine) applyOne(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, owner *Owner, body docstore.Document) (*Operation, error) {
	var validator Validator
	if a, _ := body[fieldAction].(string); Action(a) != ActionDelete {
		validator = dataset.CompileValidator(ds, actor != nil && actor.AdminMode)
	}
	res, err := e.ApplyTransactions(ctx, ds, actor, []docstore.Document{body}, validator, owner, "")
	if err != nil {
		return nil, err
	}
	op := &res.Operations[0]
	if op.Failed() {
		return nil, apierrors.FromStatus(op.Status, op.Error)
	}
	if op.Status != http.StatusNotModified {
		if err := e.datasets.SetPartialRestStatus(ctx, ds.ID, dataset.PartialUpdated); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// CreateOrUpdateLine writes a whole line. The id comes from lineID, the body
// or the primary key, in that order, and is generated when none applies.
//
// The returned status is 201 when the line was created, 304 when its
// content did not change and 200 otherwise.
func (e *Engine) CreateOrUpdateLine(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, owner *Owner, lineID string, body docstore.Document) (docstore.Document, int, error) {
	body = body.Clone()
	if body == nil {
		body = docstore.Document{}
	}
	if _, ok := body[fieldAction]; !ok {
		body[fieldAction] = string(ActionCreateOrUpdate)
	}
	id := lineID
	if id == "" {
		id = body.ID()
	}
	if id == "" {
		var ok bool
		if id, ok = DeriveID(body, ds.PrimaryKey, ds.KeyMode()); !ok {
			id = NewLineID()
		}
	}
	body[docstore.IDField] = id
	op, err := e.applyOne(ctx, ds, actor, owner, body)
	if err != nil {
		return nil, 0, err
	}
	return CleanLine(op.Line()), op.Status, nil
}

// PatchLine merges body into an existing line. Keys set to null are removed.
func (e *Engine) PatchLine(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, owner *Owner, lineID string, body docstore.Document) (docstore.Document, int, error) {
	body = body.Clone()
	if body == nil {
		body = docstore.Document{}
	}
	body[fieldAction] = string(ActionPatch)
	body[docstore.IDField] = lineID
	op, err := e.applyOne(ctx, ds, actor, owner, body)
	if err != nil {
		return nil, 0, err
	}
	return CleanLine(op.Line()), op.Status, nil
}

// DeleteLine replaces a line by a tombstone.
func (e *Engine) DeleteLine(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, owner *Owner, lineID string) error {
	body := docstore.Document{fieldAction: string(ActionDelete), docstore.IDField: lineID}
	_, err := e.applyOne(ctx, ds, actor, owner, body)
	return err
}

// DeleteAllLines empties the line collection. Revisions are kept; the search
// index must be rebuilt from scratch.
func (e *Engine) DeleteAllLines(ctx context.Context, ds *dataset.Dataset) error {
	if err := e.initCollection(ctx, dataset.CollectionName(ds.ID)); err != nil {
		return err
	}
	if err := e.datasets.SetStatus(ctx, ds.ID, dataset.StatusAnalyzed); err != nil {
		return err
	}
	return e.datasets.SetPartialRestStatus(ctx, ds.ID, dataset.PartialUpdated)
}

// Count returns the number of live lines of ds.
func (e *Engine) Count(ctx context.Context, ds *dataset.Dataset) (int, error) {
	return e.lines(ds).Count(ctx, docstore.Filter{NotEqual: map[string]any{fieldDeleted: true}})
}
