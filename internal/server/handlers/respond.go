// Package handlers implements the HTTP handlers of the REST dataset API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
	apierrors "github.com/maruel/datarest/internal/errors"
	"github.com/maruel/datarest/internal/rest"
	"github.com/maruel/datarest/internal/server/reqctx"
)

// Syncer propagates line writes to the search index.
type Syncer interface {
	Trigger(datasetID string)
	CommitLine(ctx context.Context, ds *dataset.Dataset, id string) error
}

// NoContent is returned by handlers answering 204.
type NoContent struct{}

// Status implements the status override of the handler wrapper.
func (NoContent) Status() int {
	return http.StatusNoContent
}

// WriteJSON writes v as the JSON response body.
func WriteJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", "err", err)
	}
}

// WriteError converts err into a JSON error response.
func WriteError(ctx context.Context, w http.ResponseWriter, err error) {
	apiErr := toAPIError(err)
	if apiErr.StatusCode() >= 500 {
		slog.ErrorContext(ctx, "Handler error", "err", err, "statusCode", apiErr.StatusCode(), "code", apiErr.Code())
	} else {
		slog.DebugContext(ctx, "Request rejected", "err", err, "statusCode", apiErr.StatusCode(), "code", apiErr.Code())
	}
	WriteErrorResponse(w, apiErr.StatusCode(), apiErr.Code(), apiErr.Error(), apiErr.Details())
}

// WriteErrorResponse writes an error response with code and details.
func WriteErrorResponse(w http.ResponseWriter, statusCode int, code apierrors.ErrorCode, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if len(details) > 0 {
		response["details"] = details
	}
	_ = json.NewEncoder(w).Encode(response)
}

func toAPIError(err error) apierrors.ErrorWithStatus {
	var ews apierrors.ErrorWithStatus
	if errors.As(err, &ews) {
		return ews
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return apierrors.PayloadTooLarge(tooLarge.Limit)
	case errors.Is(err, dataset.ErrNotFound):
		return apierrors.NewAPIError(http.StatusNotFound, apierrors.ErrDatasetNotFound, err.Error())
	case errors.Is(err, dataset.ErrExists):
		return apierrors.Conflict(err.Error())
	case errors.Is(err, docstore.ErrNotFound):
		return apierrors.NewAPIError(http.StatusNotFound, apierrors.ErrNotFound, err.Error())
	case errors.Is(err, context.Canceled):
		// The client went away.
		return apierrors.NewAPIError(499, apierrors.ErrInternal, err.Error())
	default:
		return apierrors.InternalWithError("internal error", err)
	}
}

// requireActor returns the authenticated actor or a 401.
func requireActor(ctx context.Context) (*dataset.Actor, error) {
	a := reqctx.Actor(ctx)
	if a == nil {
		return nil, apierrors.Unauthorized()
	}
	return a, nil
}

// ownerOf returns the owner scope of the requests of actor on ds.
func ownerOf(ds *dataset.Dataset, actor *dataset.Actor) *rest.Owner {
	if !ds.Rest.LineOwnership || actor == nil || actor.AdminMode {
		return nil
	}
	return &rest.Owner{Type: "user", ID: actor.ID, Name: actor.Name}
}

// loadDataset fetches a dataset, mapping a missing one to a 404.
func loadDataset(ctx context.Context, svc *dataset.Service, id string) (*dataset.Dataset, error) {
	ds, err := svc.Get(ctx, id)
	if errors.Is(err, dataset.ErrNotFound) {
		return nil, apierrors.NewAPIError(http.StatusNotFound, apierrors.ErrDatasetNotFound, "dataset not found").WithDetail("id", id)
	}
	return ds, err
}
