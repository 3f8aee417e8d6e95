// Package server wires the HTTP API of the REST datasets.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/rest"
	"github.com/maruel/datarest/internal/server/handlers"
	"github.com/maruel/datarest/internal/server/ratelimit"
)

// Config holds the server settings.
type Config struct {
	Version   string
	JWTSecret []byte
	// MaxRequestBodyBytes caps single line and dataset requests.
	MaxRequestBodyBytes int64
	// MaxBulkBodyBytes caps bulk uploads.
	MaxBulkBodyBytes int64
	// RateLimits is optional.
	RateLimits *ratelimit.Config
}

// NewRouter creates and configures the HTTP router.
func NewRouter(datasets *dataset.Service, engine *rest.Engine, sync handlers.Syncer, cfg *Config) http.Handler {
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(cfg.Version)
	schemaHandler := handlers.NewSchemaHandler()
	datasetHandler := handlers.NewDatasetHandler(datasets, engine, sync)
	lineHandler := handlers.NewLineHandler(datasets, engine, sync)
	bulkHandler := handlers.NewBulkHandler(datasets, engine, sync)

	limits := cfg.RateLimits
	if limits == nil {
		limits = &ratelimit.Config{}
	}
	body := BodyLimit(cfg.MaxRequestBodyBytes)
	write := func(h http.Handler) http.Handler {
		return chain(h, limits.Write.Middleware(rateLimitIdentity, onRateLimited), body)
	}
	bulk := func(h http.Handler) http.Handler {
		return chain(h, limits.Bulk.Middleware(rateLimitIdentity, onRateLimited), BodyLimit(cfg.MaxBulkBodyBytes))
	}

	// Public
	mux.Handle("GET /api/v1/health", Wrap(healthHandler.Health))
	mux.Handle("GET /api/v1/schemas/{name}", Wrap(schemaHandler.GetSchema))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Datasets
	mux.Handle("POST /api/v1/datasets", write(Wrap(datasetHandler.CreateDataset)))
	mux.Handle("GET /api/v1/datasets/{id}", Wrap(datasetHandler.GetDataset))
	mux.Handle("PATCH /api/v1/datasets/{id}/rest", write(Wrap(datasetHandler.UpdateRest)))
	mux.Handle("DELETE /api/v1/datasets/{id}", write(Wrap(datasetHandler.DeleteDataset)))
	mux.Handle("POST /api/v1/datasets/{id}/_sync_attachments_lines", bulk(Wrap(datasetHandler.SyncAttachments)))

	// Lines
	mux.Handle("POST /api/v1/datasets/{id}/lines", write(http.HandlerFunc(lineHandler.CreateLine)))
	mux.Handle("DELETE /api/v1/datasets/{id}/lines", write(Wrap(datasetHandler.DeleteAllLines)))
	mux.Handle("GET /api/v1/datasets/{id}/lines/{lineId}", http.HandlerFunc(lineHandler.ReadLine))
	mux.Handle("PUT /api/v1/datasets/{id}/lines/{lineId}", write(http.HandlerFunc(lineHandler.PutLine)))
	mux.Handle("PATCH /api/v1/datasets/{id}/lines/{lineId}", write(http.HandlerFunc(lineHandler.PatchLine)))
	mux.Handle("DELETE /api/v1/datasets/{id}/lines/{lineId}", write(http.HandlerFunc(lineHandler.DeleteLine)))
	mux.Handle("POST /api/v1/datasets/{id}/_bulk_lines", bulk(http.HandlerFunc(bulkHandler.BulkLines)))

	// Revisions
	mux.Handle("GET /api/v1/datasets/{id}/revisions", http.HandlerFunc(lineHandler.ListRevisions))
	mux.Handle("GET /api/v1/datasets/{id}/lines/{lineId}/revisions", http.HandlerFunc(lineHandler.ListRevisions))

	return ActorMiddleware(cfg.JWTSecret)(mux)
}
