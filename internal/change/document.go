package change

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

const deleteFieldOp = "__op"

// DeleteField returns the patch sentinel that removes a field when merged.
func DeleteField() map[string]any {
	return map[string]any{deleteFieldOp: "delete"}
}

func IsDeleteField(value any) bool {
	m, ok := value.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	op, ok := m[deleteFieldOp].(string)
	return ok && op == "delete"
}

// Clone deep-copies a JSON-shaped document.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for key, value := range doc {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return Clone(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return typed
	}
}

// Merge deep-merges patch into dst and returns dst. Nested maps merge key by
// key, every other value replaces wholesale, and DeleteField removes the key.
// dst is modified in place; patch is never aliased.
func Merge(dst, patch Document) Document {
	if dst == nil {
		dst = Document{}
	}
	for key, value := range patch {
		if IsDeleteField(value) {
			delete(dst, key)
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			if current, ok := dst[key].(map[string]any); ok {
				dst[key] = Merge(current, nested)
				continue
			}
			dst[key] = Merge(Document{}, nested)
			continue
		}
		dst[key] = cloneValue(value)
	}
	return dst
}

// Normalize returns a deep copy of doc reduced to JSON-shaped values:
// integers and float32 become float64, time.Time becomes an RFC 3339 string
// and structs are passed through encoding/json. Values that cannot be
// represented (funcs, channels, NaN, non-string map keys) are dropped and
// their paths returned.
func Normalize(doc Document) (Document, []string) {
	var dropped []string
	out := make(Document, len(doc))
	for _, key := range sortedKeys(doc) {
		if value, ok := normalizeValue(doc[key], key, &dropped); ok {
			out[key] = value
		}
	}
	return out, dropped
}

// Unsupported lists the paths of values in the payload that Normalize
// would drop.
func Unsupported(payload []Payload) []string {
	var paths []string
	collect := func(prefix string, docs map[string]Document) {
		for id, doc := range docs {
			_, dropped := Normalize(doc)
			for _, path := range dropped {
				paths = append(paths, prefix+"."+id+"."+path)
			}
		}
	}
	for _, item := range payload {
		collect(string(item.Kind)+".sets", item.Sets)
		collect(string(item.Kind)+".updates", item.Updates)
	}
	sort.Strings(paths)
	return paths
}

func normalizeValue(value any, path string, dropped *[]string) (any, bool) {
	drop := func() (any, bool) {
		*dropped = append(*dropped, path)
		return nil, false
	}
	switch typed := value.(type) {
	case nil:
		return nil, true
	case bool, string:
		return typed, true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return drop()
		}
		return typed, true
	case float32:
		return normalizeValue(float64(typed), path, dropped)
	case int:
		return float64(typed), true
	case int8:
		return float64(typed), true
	case int16:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint:
		return float64(typed), true
	case uint8:
		return float64(typed), true
	case uint16:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return drop()
		}
		return parsed, true
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano), true
	case map[string]any:
		out := make(map[string]any, len(typed))
		for _, key := range sortedKeys(typed) {
			if item, ok := normalizeValue(typed[key], path+"."+key, dropped); ok {
				out[key] = item
			}
		}
		return out, true
	case map[any]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			name, ok := key.(string)
			if !ok {
				*dropped = append(*dropped, fmt.Sprintf("%s.%v", path, key))
				continue
			}
			if normalized, ok := normalizeValue(item, path+"."+name, dropped); ok {
				out[name] = normalized
			}
		}
		return out, true
	case []any:
		out := make([]any, 0, len(typed))
		for i, item := range typed {
			normalized, ok := normalizeValue(item, fmt.Sprintf("%s[%d]", path, i), dropped)
			if !ok {
				continue
			}
			out = append(out, normalized)
		}
		return out, true
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, true
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return normalizeValue(items, path, dropped)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return drop()
		}
		items := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			items[iter.Key().String()] = iter.Value().Interface()
		}
		return normalizeValue(items, path, dropped)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, true
		}
		return normalizeValue(rv.Elem().Interface(), path, dropped)
	case reflect.Struct:
		encoded, err := json.Marshal(value)
		if err != nil {
			return drop()
		}
		var decoded any
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return drop()
		}
		return normalizeValue(decoded, path, dropped)
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	}
	return drop()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
