package handlers

import (
	"context"
	"reflect"
	"sort"

	"github.com/invopop/jsonschema"

	"github.com/maruel/datarest/internal/dataset"
	apierrors "github.com/maruel/datarest/internal/errors"
	"github.com/maruel/datarest/internal/rest"
)

// schemaTypes lists the payloads whose JSON schema is published.
var schemaTypes = map[string]reflect.Type{
	"summary":  reflect.TypeFor[rest.Summary](),
	"revision": reflect.TypeFor[rest.RevisionPage](),
	"dataset":  reflect.TypeFor[dataset.Dataset](),
}

// SchemaHandler publishes the JSON schema of the API payloads.
type SchemaHandler struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaHandler reflects the schemas once.
func NewSchemaHandler() *SchemaHandler {
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	h := &SchemaHandler{schemas: make(map[string]*jsonschema.Schema, len(schemaTypes))}
	for name, t := range schemaTypes {
		h.schemas[name] = r.ReflectFromType(t)
	}
	return h
}

// GetSchemaRequest names the schema to return.
type GetSchemaRequest struct {
	Name string `path:"name"`
}

// GetSchema returns one schema.
func (h *SchemaHandler) GetSchema(ctx context.Context, req GetSchemaRequest) (*jsonschema.Schema, error) {
	s, ok := h.schemas[req.Name]
	if !ok {
		names := make([]string, 0, len(h.schemas))
		for n := range h.schemas {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, apierrors.NotFound("schema").WithDetail("available", names)
	}
	return s, nil
}
