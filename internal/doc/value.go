package doc

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Record is the visible field set of one map entry.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stamp orders writes to the same field. Time comes from the writer's
// hybrid logical clock; Client breaks ties between concurrent writers.
type Stamp struct {
	Time   int64  `msgpack:"t"`
	Client string `msgpack:"c"`
}

// IsZero reports whether the stamp was never set.
func (s Stamp) IsZero() bool {
	return s.Time == 0 && s.Client == ""
}

// After reports whether s wins over o under last-writer-wins.
func (s Stamp) After(o Stamp) bool {
	if s.Time != o.Time {
		return s.Time > o.Time
	}
	return s.Client > o.Client
}

// Normalize converts a value into the shape every peer decodes it as:
// numbers become float64, maps become map[string]any, slices become []any.
// Local writes are normalized so they compare equal to their remote echo.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case string, bool, float64:
		return v, nil
	}

	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	var out any
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("normalize %T: %w", v, err)
	}
	return normalizeDecoded(out), nil
}

// normalizeDecoded walks a msgpack-decoded tree and folds numeric kinds.
func normalizeDecoded(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, elem := range val {
			val[k] = normalizeDecoded(elem)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = normalizeDecoded(elem)
		}
		return out
	case []any:
		for i, elem := range val {
			val[i] = normalizeDecoded(elem)
		}
		return val
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32:
		return rv.Float()
	}
	return v
}
