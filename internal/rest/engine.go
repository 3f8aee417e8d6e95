// Package rest applies line writes to REST datasets.
//
// An [Engine] turns batches of transactions into validated, hashed and
// owner-scoped writes on the line collection of a dataset, keeps the revision
// collection in sync and exposes the streams consumed by the synchronization
// worker.
//
// # Transactions
//
// [Engine.ApplyTransactions] runs a fixed sequence of passes over a batch:
// build, patch resolution, delete resolution, validation and hashing,
// existence checks, the bulk write, revisions and the dataset timestamp. Each
// pass receives the operation slice and returns it updated; an operation
// leaves the pipeline as soon as it is resolved or fails, so one bad line
// never aborts its neighbours. Only malformed transactions (unknown action,
// missing id) abort the whole call.
//
// # Ordering
//
// Every line carries _i, a number derived from the batch timestamp and the
// position in the batch. Batch timestamps are strictly increasing per engine,
// so _i orders writes even when two batches land in the same millisecond.
package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
)

// hashChunk is the number of operations hashed per goroutine.
const hashChunk = 100

// Validator checks a line body.
type Validator interface {
	Validate(body docstore.Document) error
}

// Options configures an Engine.
type Options struct {
	// MaxBulkOps is the largest batch written at once.
	MaxBulkOps int
	// MaxErrorsInSummary caps the errors listed in a bulk summary.
	MaxErrorsInSummary int
	// YieldEvery is the number of rows processed between scheduler yields.
	YieldEvery int
	// AttachmentsDir holds one directory per dataset, then per line.
	AttachmentsDir string
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine applies transactions to the datasets of a store.
type Engine struct {
	store    docstore.Store
	datasets *dataset.Service
	opts     Options
	iWidth   int

	mu   sync.Mutex
	last time.Time
}

// NewEngine returns an engine writing to store and recording data updates in
// datasets.
func NewEngine(store docstore.Store, datasets *dataset.Service, opts Options) *Engine {
	if opts.MaxBulkOps <= 0 {
		opts.MaxBulkOps = 1000
	}
	if opts.MaxErrorsInSummary <= 0 {
		opts.MaxErrorsInSummary = 10
	}
	if opts.YieldEvery <= 0 {
		opts.YieldEvery = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    store,
		datasets: datasets,
		opts:     opts,
		iWidth:   len(strconv.Itoa(opts.MaxBulkOps - 1)),
	}
}

// MaxBulkOps returns the batch size limit.
func (e *Engine) MaxBulkOps() int {
	return e.opts.MaxBulkOps
}

// Result is the outcome of a transaction.
type Result struct {
	Operations []Operation
	BulkResult docstore.BulkResult
}

// batchTime returns the timestamp of a new batch, strictly after the
// previous one.
func (e *Engine) batchTime() time.Time {
	t := e.opts.Now().UTC().Truncate(time.Millisecond)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !t.After(e.last) {
		t = e.last.Add(time.Millisecond)
	}
	e.last = t
	return t
}

// lineOrder computes _i: the milliseconds since the dataset creation
// followed by the zero padded position in the batch.
func (e *Engine) lineOrder(updatedAt, createdAt time.Time, i int) float64 {
	s := strconv.FormatInt(updatedAt.UnixMilli()-createdAt.UnixMilli(), 10) + fmt.Sprintf("%0*d", e.iWidth, i)
	n, _ := strconv.ParseFloat(s, 64)
	return n
}

func (e *Engine) yield(ctx context.Context, i int) error {
	if i == 0 || i%e.opts.YieldEvery != 0 {
		return nil
	}
	runtime.Gosched()
	return ctx.Err()
}

func (e *Engine) lines(ds *dataset.Dataset) docstore.Collection {
	return e.store.Collection(dataset.CollectionName(ds.ID))
}

func (e *Engine) revisions(ds *dataset.Dataset) docstore.Collection {
	return e.store.Collection(dataset.RevisionsCollectionName(ds.ID))
}

// revisionsFor returns the revision collection paired with the line
// collection target: the live one, or a staging collection sharing the
// suffix of target.
func (e *Engine) revisionsFor(ds *dataset.Dataset, target string) docstore.Collection {
	if target == "" {
		return e.revisions(ds)
	}
	suffix := strings.TrimPrefix(target, dataset.CollectionName(ds.ID))
	return e.store.Collection(dataset.RevisionsCollectionName(ds.ID) + suffix)
}

// ApplyTransactions writes a batch of transactions to the lines of ds, or to
// the staging collection named target when it is not empty. Writes to a
// staging collection keep their revisions in a paired staging collection
// and leave the dataset metadata untouched.
//
// Each transaction is a line body with an _action and an _id. Per line
// outcomes are reported in the returned operations; the error is only set
// for malformed transactions and storage failures.
func (e *Engine) ApplyTransactions(ctx context.Context, ds *dataset.Dataset, actor *dataset.Actor, transacs []docstore.Document, validator Validator, owner *Owner, target string) (*Result, error) {
	if len(transacs) > e.opts.MaxBulkOps {
		return nil, Permanent(apierrors.BadRequest(fmt.Sprintf("at most %d transactions per batch", e.opts.MaxBulkOps)))
	}
	c := e.lines(ds)
	if target != "" {
		c = e.store.Collection(target)
	}
	updatedAt := e.batchTime()
	ops, err := e.build(ds, actor, transacs, owner, updatedAt)
	if err != nil {
		return nil, err
	}
	if ops, err = e.resolvePatches(ctx, c, ds, owner, ops); err != nil {
		return nil, err
	}
	if ops, err = e.resolveDeletes(ctx, c, ds, owner, ops); err != nil {
		return nil, err
	}
	if ops, err = e.validate(ctx, ds, ops, validator); err != nil {
		return nil, err
	}
	if ops, err = e.checkExisting(ctx, c, owner, ops); err != nil {
		return nil, err
	}
	ops, res, queued, err := e.write(ctx, c, ops)
	if err != nil {
		return nil, err
	}
	if ds.Rest.History {
		if err := e.insertRevisions(ctx, e.revisionsFor(ds, target), ds, ops); err != nil {
			return nil, err
		}
	} else if target == "" {
		e.removeAttachments(ctx, ds, ops)
	}
	// Writes to a staging collection are only recorded once it goes live.
	if queued > 0 && target == "" {
		if err := e.datasets.MarkDataUpdated(ctx, ds.ID, updatedAt, actor); err != nil {
			return nil, err
		}
	}
	countOperations(ops)
	return &Result{Operations: ops, BulkResult: res}, nil
}

// build turns transactions into operations.
func (e *Engine) build(ds *dataset.Dataset, actor *dataset.Actor, transacs []docstore.Document, owner *Owner, updatedAt time.Time) ([]Operation, error) {
	ops := make([]Operation, len(transacs))
	for i, t := range transacs {
		body := t.Clone()
		if owner != nil {
			maps.Copy(body, owner.Columns())
		}
		name, _ := body[fieldAction].(string)
		delete(body, fieldAction)
		action := Action(name)
		if !action.Valid() {
			return nil, Permanent(apierrors.BadRequest(fmt.Sprintf("unknown action %q", name)))
		}
		id := body.ID()
		if id == "" {
			return nil, Permanent(apierrors.MissingField(docstore.IDField))
		}
		lineUpdatedAt := updatedAt
		if actor != nil && actor.AdminMode {
			if ts, ok := body.Timestamp(fieldUpdatedAt); ok {
				lineUpdatedAt = ts
			}
		}
		full := body.Clone()
		if ds.HasActiveExtension() {
			full[fieldNeedsExtending] = true
		} else {
			full[fieldNeedsIndexing] = true
		}
		full[fieldUpdatedAt] = docstore.FormatTime(lineUpdatedAt)
		full[fieldI] = e.lineOrder(lineUpdatedAt, ds.CreatedAt, i)
		if ds.Rest.StoreUpdatedBy && actor != nil {
			full[fieldUpdatedBy] = actor.ID
			full[fieldUpdatedByName] = actor.Name
		}
		if action == ActionDelete {
			full[fieldDeleted] = true
			full[fieldHash] = nil
		} else {
			full[fieldDeleted] = false
		}
		ops[i] = Operation{
			ID:       id,
			Action:   action,
			Body:     body,
			FullBody: full,
			Filter:   docstore.ByID(id).And(owner.Filter()),
		}
	}
	return ops, nil
}

// pendingByID groups the pending operations of one action by line id.
func pendingByID(ops []Operation, actions ...Action) (map[string][]int, []string) {
	byID := map[string][]int{}
	var ids []string
	for i := range ops {
		op := &ops[i]
		if op.State != Pending {
			continue
		}
		for _, a := range actions {
			if op.Action == a {
				if _, ok := byID[op.ID]; !ok {
					ids = append(ids, op.ID)
				}
				byID[op.ID] = append(byID[op.ID], i)
				break
			}
		}
	}
	return byID, ids
}

// findLive iterates over the non-deleted stored lines among ids.
func findLive(ctx context.Context, c docstore.Collection, ids []string, owner *Owner, fields []string, fn func(prev docstore.Document) error) error {
	q := docstore.Query{
		Filter: docstore.Filter{IDs: ids}.And(owner.Filter()),
		Fields: fields,
	}
	for prev, err := range c.Find(ctx, q) {
		if err != nil {
			return fmt.Errorf("failed to read lines: %w", err)
		}
		if prev[fieldDeleted] == true {
			continue
		}
		if err := fn(prev); err != nil {
			return err
		}
	}
	return nil
}

// resolvePatches merges each patch with the stored line.
func (e *Engine) resolvePatches(ctx context.Context, c docstore.Collection, ds *dataset.Dataset, owner *Owner, ops []Operation) ([]Operation, error) {
	byID, ids := pendingByID(ops, ActionPatch)
	if len(ids) == 0 {
		return ops, nil
	}
	fields := []string{fieldHash, fieldDeleted}
	for _, f := range ds.WritableFields() {
		fields = append(fields, f.Key)
	}
	found := map[string]bool{}
	err := findLive(ctx, c, ids, owner, fields, func(prev docstore.Document) error {
		id := prev.ID()
		found[id] = true
		prevHash := prev[fieldHash]
		delete(prev, docstore.IDField)
		delete(prev, fieldHash)
		delete(prev, fieldDeleted)
		for _, i := range byID[id] {
			op, err := mergePatch(ops[i], prev, prevHash)
			if err != nil {
				return err
			}
			ops[i] = op
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if found[id] {
			continue
		}
		for _, i := range byID[id] {
			ops[i] = ops[i].fail(http.StatusNotFound, "line not found")
		}
	}
	return ops, nil
}

// mergePatch applies the patch over the previous content. Keys patched to
// null are removed.
func mergePatch(op Operation, prev docstore.Document, prevHash any) (Operation, error) {
	body := prev.Clone()
	maps.Copy(body, op.Body)
	full := op.FullBody.Clone()
	updatedAt := full[fieldUpdatedAt]
	maps.Copy(full, body)
	full[fieldUpdatedAt] = updatedAt
	for k, v := range body {
		if v != nil {
			continue
		}
		delete(body, k)
		if k != fieldUpdatedAt {
			delete(full, k)
		}
	}
	hash, err := ContentHash(body)
	if err != nil {
		return op, err
	}
	full[fieldHash] = hash
	op.Body = body
	op.FullBody = full
	if prevHash == hash {
		return op.resolve(http.StatusNotModified), nil
	}
	return op, nil
}

// resolveDeletes copies the primary key of the stored line into the
// tombstone.
func (e *Engine) resolveDeletes(ctx context.Context, c docstore.Collection, ds *dataset.Dataset, owner *Owner, ops []Operation) ([]Operation, error) {
	byID, ids := pendingByID(ops, ActionDelete)
	if len(ids) == 0 {
		return ops, nil
	}
	fields := append([]string{fieldHash, fieldDeleted}, ds.PrimaryKey...)
	found := map[string]bool{}
	err := findLive(ctx, c, ids, owner, fields, func(prev docstore.Document) error {
		id := prev.ID()
		found[id] = true
		for _, i := range byID[id] {
			for _, k := range ds.PrimaryKey {
				if v, ok := prev[k]; ok {
					ops[i].FullBody[k] = v
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if found[id] {
			continue
		}
		for _, i := range byID[id] {
			ops[i] = ops[i].fail(http.StatusNotFound, "line not found")
		}
	}
	return ops, nil
}

type derived struct {
	id    string
	hasID bool
	hash  string
	err   error
}

// validate checks the primary key and the schema of every pending write and
// computes its hash. Patches were hashed when merged.
func (e *Engine) validate(ctx context.Context, ds *dataset.Dataset, ops []Operation, validator Validator) ([]Operation, error) {
	res := make([]derived, len(ops))
	mode := ds.KeyMode()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(ops); start += hashChunk {
		end := min(start+hashChunk, len(ops))
		g.Go(func() error {
			for i := start; i < end; i++ {
				op := &ops[i]
				if op.Action == ActionDelete || op.State != Pending {
					continue
				}
				res[i].id, res[i].hasID = DeriveID(op.Body, ds.PrimaryKey, mode)
				if op.Action != ActionPatch {
					res[i].hash, res[i].err = ContentHash(op.Body)
				}
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i := range ops {
		if err := e.yield(ctx, i); err != nil {
			return nil, err
		}
		op := ops[i]
		if op.Action == ActionDelete || op.State != Pending {
			continue
		}
		d := &res[i]
		if d.hasID && d.id != op.ID {
			ops[i] = op.fail(http.StatusBadRequest, "the line id does not match the primary key")
			continue
		}
		if validator != nil {
			if err := validator.Validate(op.Body); err != nil {
				ops[i] = op.fail(http.StatusBadRequest, err.Error())
				continue
			}
		}
		if d.err != nil {
			ops[i] = op.fail(http.StatusBadRequest, d.err.Error())
			continue
		}
		if op.Action != ActionPatch {
			op.FullBody[fieldHash] = d.hash
		}
	}
	return ops, nil
}

// checkExisting resolves creates and updates against the stored lines.
func (e *Engine) checkExisting(ctx context.Context, c docstore.Collection, owner *Owner, ops []Operation) ([]Operation, error) {
	byID, ids := pendingByID(ops, ActionCreate, ActionUpdate)
	if len(ids) == 0 {
		return ops, nil
	}
	found := map[string]bool{}
	err := findLive(ctx, c, ids, owner, []string{fieldHash, fieldDeleted}, func(prev docstore.Document) error {
		id := prev.ID()
		found[id] = true
		for _, i := range byID[id] {
			op := ops[i]
			switch {
			case op.Action == ActionCreate:
				ops[i] = op.fail(http.StatusConflict, "line already exists")
			case prev[fieldHash] == op.FullBody[fieldHash]:
				ops[i] = op.resolve(http.StatusNotModified)
			default:
				ops[i] = op.resolve(http.StatusOK)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if found[id] {
			continue
		}
		for _, i := range byID[id] {
			if ops[i].Action == ActionCreate {
				ops[i] = ops[i].resolve(http.StatusCreated)
			} else {
				ops[i] = ops[i].fail(http.StatusNotFound, "line not found")
			}
		}
	}
	return ops, nil
}

// write executes the bulk write and settles the operations. It returns the
// number of queued writes.
func (e *Engine) write(ctx context.Context, c docstore.Collection, ops []Operation) ([]Operation, docstore.BulkResult, int, error) {
	b := c.NewBatch()
	var queued []int
	for i := range ops {
		op := &ops[i]
		if !op.writable() {
			continue
		}
		switch op.Action {
		case ActionDelete, ActionUpdate, ActionPatch:
			b.Replace(op.Filter, op.FullBody)
		case ActionCreate:
			b.Insert(op.FullBody)
		case ActionCreateOrUpdate:
			f := op.Filter.And(docstore.Filter{NotEqual: map[string]any{fieldHash: op.FullBody[fieldHash]}})
			b.Upsert(f, op.FullBody)
		}
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return ops, docstore.BulkResult{}, 0, nil
	}
	res, err := b.Execute(ctx)
	if err != nil {
		var bwe *docstore.BulkWriteError
		if !errors.As(err, &bwe) {
			return nil, res, 0, fmt.Errorf("failed to write lines: %w", err)
		}
		for _, we := range bwe.WriteErrors {
			i := queued[we.Index]
			op := ops[i]
			dup := we.Code == docstore.CodeDuplicateKey
			switch {
			case dup && op.Action == ActionCreate:
				ops[i] = op.fail(http.StatusConflict, "line already exists")
			case dup && op.Action == ActionCreateOrUpdate:
				// The line exists with the same hash.
				ops[i] = op.resolve(http.StatusNotModified)
			default:
				slog.ErrorContext(ctx, "Failed to write line", "collection", c.Name(), "id", op.ID, "err", we.Message)
				ops[i] = op.fail(http.StatusInternalServerError, we.Message)
			}
		}
	}
	upserted := make(map[int]bool, len(res.UpsertedIndexes))
	for _, j := range res.UpsertedIndexes {
		upserted[queued[j]] = true
	}
	for _, i := range queued {
		op := ops[i]
		if op.State != Pending {
			continue
		}
		if op.Action == ActionCreateOrUpdate && upserted[i] {
			ops[i] = op.resolve(http.StatusCreated)
		} else {
			ops[i] = op.resolve(http.StatusOK)
		}
	}
	return ops, res, len(queued), nil
}

// insertRevisions records a revision for each written line in rc.
func (e *Engine) insertRevisions(ctx context.Context, rc docstore.Collection, ds *dataset.Dataset, ops []Operation) error {
	b := rc.NewBatch()
	for i := range ops {
		op := &ops[i]
		if !op.writable() {
			continue
		}
		b.Insert(revisionOf(op.FullBody, op.ID, op.Action))
	}
	if b.Len() == 0 {
		return nil
	}
	if _, err := b.Execute(ctx); err != nil {
		return fmt.Errorf("failed to insert revisions of %s: %w", ds.ID, err)
	}
	return nil
}

// revisionOf builds the revision of a line.
func revisionOf(line docstore.Document, lineID string, action Action) docstore.Document {
	rev := line.Clone()
	delete(rev, fieldNeedsIndexing)
	delete(rev, fieldNeedsExtending)
	rev[docstore.IDField] = NewLineID()
	rev[fieldLineID] = lineID
	rev[fieldAction] = string(action)
	return rev
}
