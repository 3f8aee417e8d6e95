package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maruel/datarest/internal/docstore"
)

// RegistryCollection holds one document per dataset.
const RegistryCollection = "datasets"

// ErrNotFound is returned for unknown datasets.
var ErrNotFound = errors.New("dataset not found")

// ErrExists is returned when creating a dataset whose id is taken.
var ErrExists = errors.New("dataset already exists")

// Service is the dataset registry.
//
// Updates are serialized per process so that read-modify-write cycles on the
// same dataset do not interleave.
type Service struct {
	c     docstore.Collection
	mu    sync.Mutex
	cache *cache
}

// maxCached is the number of dataset documents kept in memory.
const maxCached = 1000

// NewService returns a registry stored in s.
func NewService(s docstore.Store) *Service {
	return &Service{c: s.Collection(RegistryCollection), cache: newCache(maxCached)}
}

// Create stores a new dataset.
func (s *Service) Create(ctx context.Context, ds *Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}
	if ds.Status == "" {
		ds.Status = StatusCreated
	}
	doc, err := toDocument(ds)
	if err != nil {
		return err
	}
	b := s.c.NewBatch()
	b.Insert(doc)
	if _, err := b.Execute(ctx); err != nil {
		if errors.Is(err, docstore.ErrDuplicateKey) || isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrExists, ds.ID)
		}
		return fmt.Errorf("failed to create dataset %s: %w", ds.ID, err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var bwe *docstore.BulkWriteError
	return errors.As(err, &bwe) && len(bwe.WriteErrors) == 1 && bwe.WriteErrors[0].Code == docstore.CodeDuplicateKey
}

// Get returns a dataset.
func (s *Service) Get(ctx context.Context, id string) (*Dataset, error) {
	if id == "" {
		return nil, fmt.Errorf("dataset id cannot be empty")
	}
	doc, gen, ok := s.cache.get(id)
	if !ok {
		var err error
		doc, err = s.c.FindOne(ctx, id)
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, err
		}
		s.cache.set(id, doc.Clone(), gen)
	}
	return fromDocument(doc)
}

// List returns all datasets sorted by id.
func (s *Service) List(ctx context.Context) ([]*Dataset, error) {
	return s.list(ctx, docstore.Filter{})
}

// ListPending returns the datasets with writes not yet propagated to the
// search index, including the ones waiting for a full reindex.
func (s *Service) ListPending(ctx context.Context) ([]*Dataset, error) {
	updated, err := s.list(ctx, docstore.Filter{Equal: map[string]any{"partialRestStatus": PartialUpdated}})
	if err != nil {
		return nil, err
	}
	analyzed, err := s.list(ctx, docstore.Filter{Equal: map[string]any{"status": StatusAnalyzed}})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(updated))
	for _, ds := range updated {
		seen[ds.ID] = true
	}
	for _, ds := range analyzed {
		if !seen[ds.ID] {
			updated = append(updated, ds)
		}
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].ID < updated[j].ID })
	return updated, nil
}

func (s *Service) list(ctx context.Context, f docstore.Filter) ([]*Dataset, error) {
	var out []*Dataset
	for doc, err := range s.c.Find(ctx, docstore.Query{Filter: f}) {
		if err != nil {
			return nil, err
		}
		ds, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update applies fn to the stored dataset and persists the result.
func (s *Service) Update(ctx context.Context, id string, fn func(ds *Dataset) error) (*Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(ds); err != nil {
		return nil, err
	}
	if ds.ID != id {
		return nil, fmt.Errorf("dataset id cannot change")
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	doc, err := toDocument(ds)
	if err != nil {
		return nil, err
	}
	defer s.cache.invalidate(id)
	b := s.c.NewBatch()
	b.Replace(docstore.ByID(id), doc)
	if _, err := b.Execute(ctx); err != nil {
		return nil, fmt.Errorf("failed to update dataset %s: %w", id, err)
	}
	return ds, nil
}

// Delete removes a dataset from the registry.
func (s *Service) Delete(ctx context.Context, id string) error {
	defer s.cache.invalidate(id)
	b := s.c.NewBatch()
	b.Delete(docstore.ByID(id))
	res, err := b.Execute(ctx)
	if err != nil {
		return err
	}
	if res.Deleted == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// MarkDataUpdated records the last write on the dataset lines.
func (s *Service) MarkDataUpdated(ctx context.Context, id string, at time.Time, by *Actor) error {
	set := docstore.Document{"dataUpdatedAt": docstore.FormatTime(at)}
	if by != nil {
		set["dataUpdatedBy"] = map[string]any{"id": by.ID, "name": by.Name}
	}
	return s.set(ctx, id, set, nil)
}

// SetPartialRestStatus sets the propagation status.
func (s *Service) SetPartialRestStatus(ctx context.Context, id, status string) error {
	return s.set(ctx, id, docstore.Document{"partialRestStatus": status}, nil)
}

// SetStatus sets the dataset status.
func (s *Service) SetStatus(ctx context.Context, id, status string) error {
	return s.set(ctx, id, docstore.Document{"status": status}, nil)
}

// MarkIndexed records the line count and clears the pending status, unless
// lines were written again after dataUpdatedAt.
func (s *Service) MarkIndexed(ctx context.Context, id string, count int, dataUpdatedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cache.invalidate(id)
	f := docstore.ByID(id)
	f.Equal = map[string]any{"dataUpdatedAt": nil}
	if dataUpdatedAt != nil {
		f.Equal["dataUpdatedAt"] = docstore.FormatTime(*dataUpdatedAt)
	}
	ok, err := s.c.Update(ctx, f, docstore.Document{"partialRestStatus": PartialIndexed, "count": count}, nil)
	if err != nil {
		return fmt.Errorf("failed to update dataset %s: %w", id, err)
	}
	if ok {
		return nil
	}
	if _, err := s.c.Update(ctx, docstore.ByID(id), docstore.Document{"count": count}, nil); err != nil {
		return fmt.Errorf("failed to update dataset %s: %w", id, err)
	}
	return nil
}

// SetTTLCheckedAt records the last line TTL pass.
func (s *Service) SetTTLCheckedAt(ctx context.Context, id string, at time.Time) error {
	_, err := s.Update(ctx, id, func(ds *Dataset) error {
		at := at.UTC()
		ds.Rest.TTL.CheckedAt = &at
		return nil
	})
	return err
}

func (s *Service) set(ctx context.Context, id string, set docstore.Document, unset []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cache.invalidate(id)
	ok, err := s.c.Update(ctx, docstore.ByID(id), set, unset)
	if err != nil {
		return fmt.Errorf("failed to update dataset %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func toDocument(ds *Dataset) (docstore.Document, error) {
	raw, err := json.Marshal(ds)
	if err != nil {
		return nil, err
	}
	doc, err := docstore.Decode(raw)
	if err != nil {
		return nil, err
	}
	doc[docstore.IDField] = ds.ID
	doc["createdAt"] = docstore.FormatTime(ds.CreatedAt)
	if ds.DataUpdatedAt != nil {
		doc["dataUpdatedAt"] = docstore.FormatTime(*ds.DataUpdatedAt)
	}
	return doc, nil
}

func fromDocument(doc docstore.Document) (*Dataset, error) {
	doc = doc.Clone()
	delete(doc, docstore.IDField)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{}
	if err := json.Unmarshal(raw, ds); err != nil {
		return nil, fmt.Errorf("corrupted dataset document: %w", err)
	}
	return ds, nil
}
