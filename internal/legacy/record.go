package legacy

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Record is one opaque row read from the legacy schema: raw column values
// tagged with the table they came from. Values may be nil, stale references or
// duplicated business keys; interpreting them is the caller's problem.
type Record struct {
	Table  string
	Values map[string]any
}

// Has reports whether the column is present and non-nil.
func (r Record) Has(column string) bool {
	v, ok := r.Values[column]
	return ok && v != nil
}

// String returns the column as a trimmed string, empty when absent or null.
// Drivers hand back []byte for text columns more often than string, so both
// are accepted, as are numeric values (stringified).
func (r Record) String(column string) string {
	v, ok := r.Values[column]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format("2006-01-02")
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Int64 returns the column as an integer. The second return is false when the
// column is absent, null, or not parseable as an integer.
func (r Record) Int64(column string) (int64, bool) {
	v, ok := r.Values[column]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Float64 returns the column as a float. Second return mirrors Int64.
func (r Record) Float64(column string) (float64, bool) {
	v, ok := r.Values[column]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
