package dataset

import (
	"math"
	"strconv"
	"strings"
)

// Form and CSV input carries every value as a string. Coerce converts such
// values to the JSON type declared by the schema:
//
//	string   → unchanged; other scalars are formatted
//	integer  → float64 holding a whole number, "1 000,0" is accepted
//	number   → float64, a comma is accepted as decimal separator
//	boolean  → true for 1/true/yes/oui/vrai (any case), false otherwise
//
// Empty strings become null for non-string fields. Values that cannot be
// converted are kept so that validation reports them.

// Coerce converts string values of body in place according to fields.
// Unknown keys are left unchanged.
func Coerce(body map[string]any, fields []Field) {
	for i := range fields {
		f := &fields[i]
		if f.Calculated {
			continue
		}
		v, ok := body[f.Key]
		if !ok || v == nil {
			continue
		}
		body[f.Key] = CoerceValue(v, f.Type)
	}
}

// CoerceValue converts v to typ.
func CoerceValue(v any, typ string) any {
	switch typ {
	case "string":
		return coerceToString(v)
	case "integer":
		return coerceToNumber(v, true)
	case "number":
		return coerceToNumber(v, false)
	case "boolean":
		return coerceToBool(v)
	default:
		return v
	}
}

func coerceToString(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1<<53 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return v
	}
}

func coerceToNumber(v any, integer bool) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	clean := strings.Join(strings.Fields(s), "")
	if clean == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.Replace(clean, ",", ".", 1), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	if integer && f != math.Trunc(f) {
		return v
	}
	return f
}

func coerceToBool(v any) any {
	switch t := v.(type) {
	case string:
		clean := strings.ToLower(strings.TrimSpace(t))
		if clean == "" {
			return nil
		}
		switch clean {
		case "1", "true", "yes", "oui", "vrai":
			return true
		}
		return false
	case float64:
		return t != 0
	default:
		return v
	}
}
