package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// TimeLayout is the storage format of timestamps: UTC with millisecond
// precision, so that lexical and chronological order agree.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Document is a JSON object. Values use the encoding/json types: float64,
// string, bool, nil, []any and map[string]any.
type Document map[string]any

// ID returns the _id field or "".
func (d Document) ID() string {
	s, _ := d[IDField].(string)
	return s
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	c := make(Document, len(d))
	for k, v := range d {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		c := make(map[string]any, len(t))
		for k, v := range t {
			c[k] = cloneValue(v)
		}
		return c
	case Document:
		return t.Clone()
	case []any:
		c := make([]any, len(t))
		for i, v := range t {
			c[i] = cloneValue(v)
		}
		return c
	default:
		return v
	}
}

// Project returns a copy limited to fields plus _id. An empty fields list
// returns a full copy.
func (d Document) Project(fields []string) Document {
	if len(fields) == 0 {
		return d.Clone()
	}
	c := make(Document, len(fields)+1)
	if v, ok := d[IDField]; ok {
		c[IDField] = v
	}
	for _, f := range fields {
		if v, ok := d[f]; ok {
			c[f] = cloneValue(v)
		}
	}
	return c
}

// Normalize converts any Go value stored in the document to its JSON
// equivalent by encoding and decoding it, so that stored documents compare
// the same way regardless of the engine that persisted them.
func Normalize(d Document) (Document, error) {
	data, err := Encode(d)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Encode marshals d without escaping HTML characters.
func Encode(d Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Decode parses a JSON object.
func Decode(data []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if d == nil {
		return nil, fmt.Errorf("failed to decode document: not an object")
	}
	return d, nil
}

// Equal reports whether two normalized documents hold the same content.
func Equal(a, b Document) bool {
	return reflect.DeepEqual(map[string]any(a), map[string]any(b))
}

// FormatTime formats t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a timestamp value as stored in a document. It accepts any
// RFC 3339 string.
func ParseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Timestamp returns the timestamp held in field.
func (d Document) Timestamp(field string) (time.Time, bool) {
	return ParseTime(d[field])
}
