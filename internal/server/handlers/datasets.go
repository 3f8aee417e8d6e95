package handlers

import (
	"context"
	"time"

	"github.com/maruel/datarest/internal/dataset"
	apierrors "github.com/maruel/datarest/internal/errors"
	"github.com/maruel/datarest/internal/rest"
)

// DatasetHandler handles dataset-related HTTP requests.
type DatasetHandler struct {
	svc    *dataset.Service
	engine *rest.Engine
	sync   Syncer
}

// NewDatasetHandler creates a new dataset handler.
func NewDatasetHandler(svc *dataset.Service, engine *rest.Engine, sync Syncer) *DatasetHandler {
	return &DatasetHandler{svc: svc, engine: engine, sync: sync}
}

// DatasetRequest identifies a dataset.
type DatasetRequest struct {
	ID string `path:"id"`
}

// CreateDatasetRequest is the definition of a new dataset.
type CreateDatasetRequest struct {
	dataset.Dataset
}

// CreatedDataset is returned with 201.
type CreatedDataset struct {
	*dataset.Dataset
}

// Status implements the status override of the handler wrapper.
func (CreatedDataset) Status() int {
	return 201
}

// CreateDataset registers a dataset and creates its collections.
func (h *DatasetHandler) CreateDataset(ctx context.Context, req CreateDatasetRequest) (*CreatedDataset, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	ds := req.Dataset
	if ds.ID == "" {
		return nil, apierrors.MissingField("id")
	}
	ds.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	ds.Status = dataset.StatusCreated
	ds.PartialRestStatus = ""
	ds.DataUpdatedAt = nil
	ds.DataUpdatedBy = nil
	ds.Count = 0
	ds.Rest.TTL.CheckedAt = nil
	if err := ds.Validate(); err != nil {
		return nil, apierrors.BadRequest(err.Error())
	}
	if err := h.svc.Create(ctx, &ds); err != nil {
		return nil, err
	}
	if err := h.engine.InitDataset(ctx, &ds); err != nil {
		return nil, err
	}
	return &CreatedDataset{Dataset: &ds}, nil
}

// GetDataset returns the metadata of a dataset.
func (h *DatasetHandler) GetDataset(ctx context.Context, req DatasetRequest) (*dataset.Dataset, error) {
	return loadDataset(ctx, h.svc, req.ID)
}

// UpdateRestRequest replaces the rest options of a dataset.
type UpdateRestRequest struct {
	ID string `path:"id" json:"-"`
	dataset.RestOptions
}

// UpdateRest changes the rest options and reconfigures the revision history.
func (h *DatasetHandler) UpdateRest(ctx context.Context, req UpdateRestRequest) (*dataset.Dataset, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	if _, err := loadDataset(ctx, h.svc, req.ID); err != nil {
		return nil, err
	}
	ds, err := h.svc.Update(ctx, req.ID, func(ds *dataset.Dataset) error {
		if ds.KeyMode() != keyMode(req.PrimaryKeyMode) {
			return apierrors.BadRequest("primaryKeyMode cannot change")
		}
		checked := ds.Rest.TTL.CheckedAt
		ds.Rest = req.RestOptions
		ds.Rest.TTL.CheckedAt = checked
		if err := ds.Validate(); err != nil {
			return apierrors.BadRequest(err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := h.engine.ConfigureHistory(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

func keyMode(m string) string {
	if m == "" {
		return dataset.KeyModeSHA256
	}
	return m
}

// DeleteDataset removes a dataset, its lines, revisions and attachments.
func (h *DatasetHandler) DeleteDataset(ctx context.Context, req DatasetRequest) (*NoContent, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	ds, err := loadDataset(ctx, h.svc, req.ID)
	if err != nil {
		return nil, err
	}
	if err := h.engine.DeleteDataset(ctx, ds); err != nil {
		return nil, err
	}
	if err := h.svc.Delete(ctx, ds.ID); err != nil {
		return nil, err
	}
	return &NoContent{}, nil
}

// DeleteAllLines empties a dataset.
func (h *DatasetHandler) DeleteAllLines(ctx context.Context, req DatasetRequest) (*NoContent, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	ds, err := loadDataset(ctx, h.svc, req.ID)
	if err != nil {
		return nil, err
	}
	if err := h.engine.DeleteAllLines(ctx, ds); err != nil {
		return nil, err
	}
	h.sync.Trigger(ds.ID)
	return &NoContent{}, nil
}

// SyncAttachments creates a line per attachment file and deletes the lines
// of removed files.
func (h *DatasetHandler) SyncAttachments(ctx context.Context, req DatasetRequest) (*rest.Summary, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	ds, err := loadDataset(ctx, h.svc, req.ID)
	if err != nil {
		return nil, err
	}
	s, err := h.engine.SyncAttachmentLines(ctx, ds, actor)
	if err != nil {
		return nil, err
	}
	h.sync.Trigger(ds.ID)
	return s, nil
}
