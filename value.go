package docdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Document properties are plain JSON-shaped Go values: nil, bool, float64,
// string, []any and map[string]any. Every write normalizes incoming values
// into that shape, so stored bodies, revision hashes and view keys never see
// ints, structs or typed slices.

func normalizeValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, string:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite number %v", v)
		}
		if v == 0 {
			return 0.0, nil
		}
		return v, nil
	case float32:
		return normalizeValue(float64(v))
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, err
		}
		return normalizeValue(f)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			n, err := normalizeValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = item
		}
		return out, nil
	}

	// structs, typed slices and maps, json.Marshalers
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return normalizeValue(generic)
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	n, err := normalizeValue(m)
	if err != nil {
		return nil, err
	}
	return n.(map[string]any), nil
}

// canonicalJSON encodes v with sorted object keys and no HTML escaping.
// Equal normalized values always produce equal bytes.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

func deepCopy(v any) any {
	switch v := v.(type) {
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopy(item)
		}
		return out
	case map[string]any:
		return deepCopyMap(v)
	default:
		return v
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

// Reserved properties a caller may pass in a body. Everything else starting
// with an underscore is rejected.
var allowedSpecialProps = map[string]bool{
	"_id":          true,
	"_rev":         true,
	"_deleted":     true,
	"_attachments": true,
	"_revisions":   true,
	"_conflicts":   true,
	"_local_seq":   true,
	"_removed":     true,
}

// splitProperties normalizes props and separates the stored body (user
// properties plus _attachments) from request metadata.
func splitProperties(props map[string]any) (body map[string]any, deleted bool, err error) {
	body = make(map[string]any, len(props))
	for k, v := range props {
		if strings.HasPrefix(k, "_") {
			if !allowedSpecialProps[k] {
				return nil, false, newErr(StatusBadRequest, "put", "", "", nil, "unknown special property %q", k)
			}
			switch k {
			case "_deleted":
				b, _ := v.(bool)
				deleted = b
				continue
			case "_attachments":
			default:
				continue
			}
		}
		n, err := normalizeValue(v)
		if err != nil {
			return nil, false, newErr(StatusBadJSON, "put", "", "", err, "property %s", k)
		}
		body[k] = n
	}
	if a, ok := body["_attachments"]; ok {
		if _, isMap := a.(map[string]any); !isMap && a != nil {
			return nil, false, newErr(StatusBadRequest, "put", "", "", nil, "_attachments must be an object")
		}
		if a == nil || len(a.(map[string]any)) == 0 {
			delete(body, "_attachments")
		}
	}
	return body, deleted, nil
}

// UserProperties returns the properties not starting with an underscore.
func UserProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
