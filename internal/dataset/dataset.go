// Package dataset holds the metadata of REST datasets and the registry
// persisting it.
package dataset

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Status values of a dataset.
const (
	StatusCreated  = "created"
	StatusAnalyzed = "analyzed"
	StatusIndexed  = "indexed"
	StatusError    = "error"
)

// Partial status values tracking writes not yet propagated to the search
// index.
const (
	PartialUpdated = "updated"
	PartialIndexed = "indexed"
)

// Primary key modes.
const (
	KeyModeSHA256 = "sha256"
	// KeyModeLegacy hex-encodes the inner characters of the JSON array of
	// key values. Only kept for datasets created with it.
	KeyModeLegacy = "base64"
)

// Extension types.
const (
	ExtensionRemoteService = "remoteService"
	ExtensionExprEval      = "exprEval"
)

// DigitalDocument is the concept marking the field that holds the path of a
// line attachment.
const DigitalDocument = "http://schema.org/DigitalDocument"

// Dataset is the metadata of a REST dataset.
type Dataset struct {
	ID                string      `json:"id"`
	Slug              string      `json:"slug,omitempty"`
	Title             string      `json:"title,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	Schema            []Field     `json:"schema"`
	PrimaryKey        []string    `json:"primaryKey,omitempty"`
	Rest              RestOptions `json:"rest"`
	Extensions        []Extension `json:"extensions,omitempty"`
	Status            string      `json:"status,omitempty"`
	PartialRestStatus string      `json:"partialRestStatus,omitempty"`
	DataUpdatedAt     *time.Time  `json:"dataUpdatedAt,omitempty"`
	DataUpdatedBy     *Actor      `json:"dataUpdatedBy,omitempty"`
	Count             int         `json:"count"`
}

// Field is a column of the dataset schema.
type Field struct {
	Key        string `json:"key"`
	Type       string `json:"type"`
	Format     string `json:"format,omitempty"`
	Title      string `json:"title,omitempty"`
	Required   bool   `json:"x-required,omitempty"`
	Calculated bool   `json:"x-calculated,omitempty"`
	// Extension is the key of the extension producing this field.
	Extension string `json:"x-extension,omitempty"`
	RefersTo  string `json:"x-refersTo,omitempty"`
	// Enum lists suggested values. It is not a restriction.
	Enum []any `json:"enum,omitempty"`
}

// RestOptions configures the behavior of the line store.
type RestOptions struct {
	History        bool       `json:"history,omitempty"`
	HistoryTTL     HistoryTTL `json:"historyTTL"`
	StoreUpdatedBy bool       `json:"storeUpdatedBy,omitempty"`
	PrimaryKeyMode string     `json:"primaryKeyMode,omitempty"`
	LineOwnership  bool       `json:"lineOwnership,omitempty"`
	TTL            LineTTL    `json:"ttl"`
}

// HistoryTTL expires old revisions.
type HistoryTTL struct {
	Active bool  `json:"active,omitempty"`
	Delay  Delay `json:"delay"`
}

// LineTTL deletes lines whose date property is older than the delay.
type LineTTL struct {
	Active    bool       `json:"active,omitempty"`
	Prop      string     `json:"prop,omitempty"`
	Delay     Delay      `json:"delay"`
	CheckedAt *time.Time `json:"checkedAt,omitempty"`
}

// Delay is a duration expressed in calendar units.
type Delay struct {
	Value int    `json:"value,omitempty"`
	Unit  string `json:"unit,omitempty"`
}

// Duration converts the delay. The unit defaults to days; months count 30
// days and years 365.
func (d Delay) Duration() (time.Duration, error) {
	const day = 24 * time.Hour
	var unit time.Duration
	switch strings.TrimSuffix(d.Unit, "s") {
	case "second":
		unit = time.Second
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "", "day":
		unit = day
	case "week":
		unit = 7 * day
	case "month":
		unit = 30 * day
	case "year":
		unit = 365 * day
	default:
		return 0, fmt.Errorf("unknown delay unit %q", d.Unit)
	}
	return time.Duration(d.Value) * unit, nil
}

// Extension is an enrichment stage writing fields on lines.
type Extension struct {
	Active bool   `json:"active,omitempty"`
	Type   string `json:"type"`
	// PropertyPrefix is the object key written by a remoteService extension.
	PropertyPrefix string `json:"propertyPrefix,omitempty"`
	// Property is the field written by an exprEval extension.
	Property *Field `json:"property,omitempty"`
}

// Key returns the line key written by the extension.
func (e *Extension) Key() string {
	switch e.Type {
	case ExtensionRemoteService:
		return e.PropertyPrefix
	case ExtensionExprEval:
		if e.Property != nil {
			return e.Property.Key
		}
	}
	return ""
}

// Actor identifies who performs a write.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// AdminMode allows rewriting _updatedAt.
	AdminMode bool `json:"-"`
}

// HasActiveExtension reports whether lines must go through enrichment
// before indexing.
func (d *Dataset) HasActiveExtension() bool {
	return slices.ContainsFunc(d.Extensions, func(e Extension) bool { return e.Active })
}

// ExtensionKeys returns the line keys owned by the extensions.
func (d *Dataset) ExtensionKeys() []string {
	var keys []string
	for i := range d.Extensions {
		if k := d.Extensions[i].Key(); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// WritableFields returns the schema fields that are neither calculated nor
// produced by an extension.
func (d *Dataset) WritableFields() []Field {
	var out []Field
	for _, f := range d.Schema {
		if !f.Calculated && f.Extension == "" {
			out = append(out, f)
		}
	}
	return out
}

// PathField returns the field holding attachment paths.
func (d *Dataset) PathField() (Field, bool) {
	for _, f := range d.Schema {
		if f.RefersTo == DigitalDocument {
			return f, true
		}
	}
	return Field{}, false
}

// KeyMode returns the effective primary key mode.
func (d *Dataset) KeyMode() string {
	if d.Rest.PrimaryKeyMode == "" {
		return KeyModeSHA256
	}
	return d.Rest.PrimaryKeyMode
}

// Validate checks the dataset definition.
func (d *Dataset) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("dataset id is required")
	}
	seen := map[string]bool{}
	for _, f := range d.Schema {
		if f.Key == "" {
			return fmt.Errorf("schema field without key")
		}
		if strings.HasPrefix(f.Key, "_") && !f.Calculated {
			return fmt.Errorf("field %q: keys starting with _ are reserved", f.Key)
		}
		if seen[f.Key] {
			return fmt.Errorf("field %q is declared twice", f.Key)
		}
		seen[f.Key] = true
		switch f.Type {
		case "string", "number", "integer", "boolean", "object", "array":
		default:
			return fmt.Errorf("field %q: unsupported type %q", f.Key, f.Type)
		}
	}
	for _, k := range d.PrimaryKey {
		if !seen[k] {
			return fmt.Errorf("primary key %q is not in the schema", k)
		}
	}
	switch d.Rest.PrimaryKeyMode {
	case "", KeyModeSHA256, KeyModeLegacy:
	default:
		return fmt.Errorf("unknown primary key mode %q", d.Rest.PrimaryKeyMode)
	}
	if _, err := d.Rest.HistoryTTL.Delay.Duration(); err != nil {
		return fmt.Errorf("historyTTL: %w", err)
	}
	if d.Rest.TTL.Active {
		if !seen[d.Rest.TTL.Prop] {
			return fmt.Errorf("ttl property %q is not in the schema", d.Rest.TTL.Prop)
		}
		if _, err := d.Rest.TTL.Delay.Duration(); err != nil {
			return fmt.Errorf("ttl: %w", err)
		}
	}
	return nil
}

// CollectionName returns the name of the line collection of a dataset.
func CollectionName(id string) string {
	return "dataset-data-" + id
}

// RevisionsCollectionName returns the name of the revision collection of a
// dataset.
func RevisionsCollectionName(id string) string {
	return "dataset-revisions-" + id
}
