package rest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/crc32"
	"math"
	"strconv"
	"strings"

	"github.com/maruel/ksid"

	"github.com/maruel/datarest/internal/dataset"
	"github.com/maruel/datarest/internal/docstore"
)

// Reserved line fields.
const (
	fieldHash           = "_hash"
	fieldUpdatedAt      = "_updatedAt"
	fieldUpdatedBy      = "_updatedBy"
	fieldUpdatedByName  = "_updatedByName"
	fieldDeleted        = "_deleted"
	fieldNeedsIndexing  = "_needsIndexing"
	fieldNeedsExtending = "_needsExtending"
	fieldOwner          = "_owner"
	fieldOwnerName      = "_ownerName"
	fieldI              = "_i"
	fieldAction         = "_action"
	fieldLineID         = "_lineId"
	fieldError          = "_error"
	fieldStatus         = "_status"
)

// DeriveID computes the line id from the primary key values of row.
//
// It returns false when the dataset has no primary key.
func DeriveID(row docstore.Document, primaryKey []string, mode string) (string, bool) {
	if len(primaryKey) == 0 {
		return "", false
	}
	values := make([]string, len(primaryKey))
	for i, k := range primaryKey {
		v, ok := row[k]
		if !ok {
			values[i] = "undefined"
			continue
		}
		values[i] = jsString(v)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// A []string never fails to encode.
	_ = enc.Encode(values)
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	if mode == dataset.KeyModeLegacy {
		// Strip the leading `["` and trailing `"]`.
		return hex.EncodeToString(data[2 : len(data)-2]), true
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), true
}

// jsString converts a value the way string concatenation does in
// JavaScript, so ids stay stable across implementations.
func jsString(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return jsNumber(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return jsNumber(f)
		}
		return t.String()
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			if e != nil {
				parts[i] = jsString(e)
			}
		}
		return strings.Join(parts, ",")
	default:
		return "[object Object]"
	}
}

func jsNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs < 1e21 && abs >= 1e-6 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	// Go pads the exponent to two digits, JavaScript does not.
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	exp = strings.TrimLeft(exp[1:], "0")
	return mant + "e" + sign + exp
}

// NewLineID returns a random line id for lines without a primary key.
func NewLineID() string {
	return ksid.NewID().String()
}

// ContentHash returns the hash of a line body: the lowercase hexadecimal
// CRC32 of its canonical JSON encoding, without zero padding.
func ContentHash(body docstore.Document) (string, error) {
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := docstore.Encode(body)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE(data)), 16), nil
}

// Owner is the principal owning a line when line ownership is on.
type Owner struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Department     string `json:"department,omitempty"`
	DepartmentName string `json:"departmentName,omitempty"`
}

// Key is the value stored in _owner.
func (o *Owner) Key() string {
	k := o.Type + ":" + o.ID
	if o.Department != "" {
		k += ":" + o.Department
	}
	return k
}

// Columns returns the owner fields injected in every line body. _ownerName
// is only set for a named owner.
func (o *Owner) Columns() docstore.Document {
	cols := docstore.Document{fieldOwner: o.Key()}
	if o.Name != "" {
		name := o.Name
		if o.DepartmentName != "" {
			name += " (" + o.DepartmentName + ")"
		}
		cols[fieldOwnerName] = name
	}
	return cols
}

// Filter restricts reads and writes to the lines of o. A nil owner matches
// every line.
func (o *Owner) Filter() docstore.Filter {
	if o == nil {
		return docstore.Filter{}
	}
	return docstore.Filter{Equal: map[string]any{fieldOwner: o.Key()}}
}
