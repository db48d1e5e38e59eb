package result

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Missing replaces nil and NaN cells in normalized output.
const Missing = "N/A"

// Object is a JSON object that keeps its key order when encoded.
type Object struct {
	Keys   []string
	Values []any
}

func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range o.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		encodedValue, err := json.Marshal(o.Values[i])
		if err != nil {
			return nil, fmt.Errorf("encode %q: %w", key, err)
		}
		buf.Write(encodedValue)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	for i, k := range o.Keys {
		if k == key {
			return o.Values[i], true
		}
	}
	return nil, false
}

// Normalize converts v into values encoding/json can always encode.
//
// Cells of rows, tables, columns and list scalars map +Inf and -Inf to nil
// and nil or NaN to Missing. A plain scalar is returned as is, except that a
// non-finite float becomes nil.
func Normalize(v Value) any {
	switch value := v.(type) {
	case Rows:
		out := make([][]any, len(value.Rows))
		for r, row := range value.Rows {
			cells := make([]any, len(row))
			for i, cell := range row {
				cells[i] = normalizeCell(cell)
			}
			out[r] = cells
		}
		return out
	case Table:
		out := make([]Object, len(value.Rows))
		for r, row := range value.Rows {
			record := Object{Keys: value.Columns, Values: make([]any, len(value.Columns))}
			for i := range value.Columns {
				var cell any
				if i < len(row) {
					cell = row[i]
				}
				record.Values[i] = normalizeCell(cell)
			}
			out[r] = record
		}
		return out
	case Column:
		out := Object{Keys: make([]string, len(value.Labels)), Values: make([]any, len(value.Labels))}
		for i, label := range value.Labels {
			out.Keys[i] = labelKey(label)
			var cell any
			if i < len(value.Values) {
				cell = value.Values[i]
			}
			out.Values[i] = normalizeCell(cell)
		}
		return out
	case Scalar:
		return normalizeScalar(value.Value)
	case nil:
		return nil
	default:
		return fmt.Sprint(value)
	}
}

func normalizeScalar(value any) any {
	switch typed := value.(type) {
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return nil
		}
		return typed
	case float32:
		return normalizeScalar(float64(typed))
	case []any:
		out := make([]any, len(typed))
		for i, cell := range typed {
			out[i] = normalizeCell(cell)
		}
		return out
	case []byte:
		return string(typed)
	default:
		return typed
	}
}

func normalizeCell(cell any) any {
	switch typed := cell.(type) {
	case nil:
		return Missing
	case float64:
		switch {
		case math.IsNaN(typed):
			return Missing
		case math.IsInf(typed, 0):
			return nil
		}
		return typed
	case float32:
		return normalizeCell(float64(typed))
	case []byte:
		return string(typed)
	case time.Time:
		return typed.Format(time.RFC3339Nano)
	default:
		return typed
	}
}

func labelKey(label any) string {
	switch typed := label.(type) {
	case nil:
		return Missing
	case string:
		return typed
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		if math.IsNaN(typed) {
			return Missing
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	default:
		return fmt.Sprint(typed)
	}
}
