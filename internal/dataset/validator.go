package dataset

import (
	"errors"

	"github.com/go-openapi/spec"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/validate"

	"github.com/maruel/datarest/internal/docstore"
)

// Validator checks line bodies against the dataset schema.
type Validator struct {
	schema *spec.Schema
	v      *validate.SchemaValidator
}

// JSONSchema builds the JSON schema accepted for line bodies.
//
// Calculated and extension fields are read-only and rejected. Owner fields
// are injected by the engine and always accepted. Only admins may provide
// _updatedAt to rewrite history.
func JSONSchema(ds *Dataset, adminMode bool) *spec.Schema {
	props := spec.SchemaProperties{}
	var required []string
	for _, f := range ds.WritableFields() {
		props[f.Key] = fieldSchema(&f)
		if f.Required {
			required = append(required, f.Key)
		}
	}
	props[docstore.IDField] = *spec.StringProperty()
	props["_owner"] = *spec.StringProperty()
	props["_ownerName"] = *spec.StringProperty()
	if adminMode {
		props["_updatedAt"] = *spec.DateTimeProperty()
	}
	return &spec.Schema{
		SchemaProps: spec.SchemaProps{
			Type:                 spec.StringOrArray{"object"},
			Properties:           props,
			Required:             required,
			AdditionalProperties: &spec.SchemaOrBool{Allows: false},
		},
	}
}

// fieldSchema maps a field to a property schema. Values may be null: a null
// in a patch removes the key and parsers emit null for empty cells.
func fieldSchema(f *Field) spec.Schema {
	s := spec.Schema{
		SchemaProps: spec.SchemaProps{
			Type:  spec.StringOrArray{f.Type, "null"},
			Title: f.Title,
		},
	}
	if f.Type == "string" && f.Format != "" {
		s.Format = f.Format
	}
	return s
}

// CompileValidator returns the validator for line bodies of ds.
func CompileValidator(ds *Dataset, adminMode bool) *Validator {
	schema := JSONSchema(ds, adminMode)
	return &Validator{
		schema: schema,
		v:      validate.NewSchemaValidator(schema, nil, "", strfmt.Default),
	}
}

// Validate reports every violation of body, joined.
func (v *Validator) Validate(body docstore.Document) error {
	res := v.v.Validate(map[string]any(body))
	if res == nil || res.IsValid() {
		return nil
	}
	return errors.Join(res.Errors...)
}
