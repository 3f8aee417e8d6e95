package docstore

import (
	"cmp"
	"reflect"
	"slices"
	"strings"
)

// Filter is a conjunction of simple predicates. The zero Filter matches
// every document.
type Filter struct {
	// IDs restricts to documents whose _id is in the list.
	IDs []string
	// Equal requires field == value. A nil value matches a missing field.
	Equal map[string]any
	// NotEqual requires field != value. A missing field is not equal.
	NotEqual map[string]any
	// Exists requires the fields to be present.
	Exists []string
	// NotExists requires the fields to be absent.
	NotExists []string
	// LessThan requires field < value. Numbers compare numerically,
	// timestamps chronologically and other strings lexically.
	LessThan map[string]any
}

// ByID returns a filter on a single id.
func ByID(id string) Filter {
	return Filter{IDs: []string{id}}
}

// And returns a filter requiring both f and o.
func (f Filter) And(o Filter) Filter {
	r := Filter{
		Exists:    append(slices.Clone(f.Exists), o.Exists...),
		NotExists: append(slices.Clone(f.NotExists), o.NotExists...),
		Equal:     mergeMaps(f.Equal, o.Equal),
		NotEqual:  mergeMaps(f.NotEqual, o.NotEqual),
		LessThan:  mergeMaps(f.LessThan, o.LessThan),
	}
	switch {
	case f.IDs == nil:
		r.IDs = slices.Clone(o.IDs)
	case o.IDs == nil:
		r.IDs = slices.Clone(f.IDs)
	default:
		r.IDs = []string{}
		for _, id := range f.IDs {
			if slices.Contains(o.IDs, id) {
				r.IDs = append(r.IDs, id)
			}
		}
	}
	return r
}

func mergeMaps(a, b map[string]any) map[string]any {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	m := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		m[k] = v
	}
	for k, v := range b {
		m[k] = v
	}
	return m
}

// SingleID returns the id when the filter targets exactly one document id.
func (f *Filter) SingleID() (string, bool) {
	if len(f.IDs) != 1 {
		return "", false
	}
	return f.IDs[0], true
}

// Match reports whether d satisfies every predicate.
func (f *Filter) Match(d Document) bool {
	if f.IDs != nil && !slices.Contains(f.IDs, d.ID()) {
		return false
	}
	for _, k := range f.Exists {
		if _, ok := d[k]; !ok {
			return false
		}
	}
	for _, k := range f.NotExists {
		if _, ok := d[k]; ok {
			return false
		}
	}
	for k, want := range f.Equal {
		got, ok := d[k]
		if want == nil {
			if ok && got != nil {
				return false
			}
			continue
		}
		if !ok || !equalValues(got, want) {
			return false
		}
	}
	for k, want := range f.NotEqual {
		if got, ok := d[k]; ok && equalValues(got, want) {
			return false
		}
	}
	for k, bound := range f.LessThan {
		got, ok := d[k]
		if !ok {
			return false
		}
		c, ok := compareValues(got, bound)
		if !ok || c >= 0 {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case uint32:
		return float64(t), true
	default:
		return 0, false
	}
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return false
		}
		if sa == sb {
			return true
		}
		// Timestamps written with different precisions.
		ta, oka := ParseTime(sa)
		tb, okb := ParseTime(sb)
		return oka && okb && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two scalar values of the same kind.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return cmp.Compare(fa, fb), true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	if ta, ok := ParseTime(sa); ok {
		if tb, ok := ParseTime(sb); ok {
			return ta.Compare(tb), true
		}
	}
	return strings.Compare(sa, sb), true
}

// SortDocs sorts docs by field. Documents lacking the field sort first in
// ascending order.
func SortDocs(docs []Document, field string, desc bool) {
	slices.SortStableFunc(docs, func(a, b Document) int {
		c := compareField(a, b, field)
		if desc {
			return -c
		}
		return c
	})
}

func compareField(a, b Document, field string) int {
	va, oka := a[field]
	vb, okb := b[field]
	switch {
	case !oka && !okb:
		return 0
	case !oka:
		return -1
	case !okb:
		return 1
	}
	c, _ := compareValues(va, vb)
	return c
}
