package docstore

import (
	"encoding/json"
	"time"
)

// IndexKey returns the key of d in an index on field. Documents lacking the
// field are not indexed.
func IndexKey(d Document, field string) (string, bool) {
	v, ok := d[field]
	if !ok {
		return "", false
	}
	if f, ok := toFloat(v); ok {
		v = f
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Expired reports whether d is past the TTL of spec at now.
func Expired(d Document, spec *IndexSpec, now time.Time) bool {
	if spec.ExpireAfter <= 0 {
		return false
	}
	t, ok := d.Timestamp(spec.Field)
	if !ok {
		return false
	}
	return !t.Add(spec.ExpireAfter).After(now)
}

// FindIndex returns the index named name.
func FindIndex(specs []IndexSpec, name string) (int, bool) {
	for i := range specs {
		if specs[i].Name == name {
			return i, true
		}
	}
	return -1, false
}
