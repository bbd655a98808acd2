package workflow

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Values passed between steps form a closed domain: nil, bool, int64,
// float64, string, []byte, []any, and map[string]any. Everything a step
// produces or consumes is normalized into this domain so that equality,
// hashing, and checkpoint serialization are well defined regardless of
// which decoder or handler produced the value.

// Kind identifies the runtime type of a normalized value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
	KindBytes
	KindList
	KindMap
)

// String returns the kind name used in error messages.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBytes:
		return "binary"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "invalid"
	}
}

// KindOf returns the kind of a normalized value. Values outside the
// domain report the kind they would normalize to where that is cheap to
// determine, and KindNull otherwise.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case int64, int, int32, int16, int8, uint, uint32, uint16, uint8, json.Number:
		return KindInt
	case float64, float32:
		return KindFloat
	case string:
		return KindText
	case []byte:
		return KindBytes
	case []any:
		return KindList
	case map[string]any:
		return KindMap
	default:
		return KindNull
	}
}

// binaryKey marks a binary value in the JSON encoding. A map whose only
// key is binaryKey round-trips as []byte.
const binaryKey = "$binary"

// Normalize converts arbitrary decoded data into the canonical value
// domain. Integer types widen to int64, float32 widens to float64, and
// json.Number becomes int64 when it parses exactly as one. Values outside
// the domain (structs, typed slices, typed maps) are converted through
// their JSON encoding; anything that cannot be encoded is rejected.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64, string:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		if uint64(t) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows the value domain", t)
		}
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows the value domain", t)
		}
		return int64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q is not representable", t.String())
		}
		return f, nil
	case []byte:
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := Normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			n, err := Normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	default:
		// Structs, typed slices, and typed maps from handlers take the
		// JSON round trip into the canonical domain.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("value of type %T is outside the value domain", v)
		}
		return UnmarshalValue(data)
	}
}

// NormalizeMap normalizes every entry of a string-keyed map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	n, err := Normalize(m)
	if err != nil {
		return nil, err
	}
	return n.(map[string]any), nil
}

// Equal reports structural equality of two normalized values. Kinds are
// compared strictly: an int64 never equals a float64 even when their
// numeric values coincide.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case int64:
		bv, ok := b.(int64)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bv2, ok := bv[k]
			if !ok || !Equal(v, bv2) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// HashValue returns the content hash of a normalized value in the form
// "sha256:<hex>". The hash is computed over the canonical JSON encoding
// with lexicographically sorted map keys, so structurally equal values
// always hash identically.
func HashValue(v any) string {
	h := sha256.New()
	h.Write(appendCanonical(nil, v))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// MarshalValue encodes a normalized value as canonical JSON. Binary
// values become {"$binary": "<base64>"} so they survive the round trip.
func MarshalValue(v any) ([]byte, error) {
	if _, err := Normalize(v); err != nil {
		return nil, err
	}
	return appendCanonical(nil, v), nil
}

// UnmarshalValue decodes canonical JSON into a normalized value,
// reviving {"$binary": ...} maps into []byte and integral numbers into
// int64.
func UnmarshalValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return reviveValue(raw)
}

func reviveValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if enc, ok := t[binaryKey]; ok && len(t) == 1 {
			s, ok := enc.(string)
			if !ok {
				return nil, fmt.Errorf("%s marker must carry base64 text", binaryKey)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s payload: %w", binaryKey, err)
			}
			return b, nil
		}
		out := make(map[string]any, len(t))
		for k, elem := range t {
			r, err := reviveValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			r, err := reviveValue(elem)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case json.Number:
		return Normalize(t)
	default:
		return t, nil
	}
}

// appendCanonical writes the canonical JSON encoding of v to buf.
// Map keys are sorted; floats use the shortest representation that
// round-trips; non-finite floats encode as null.
func appendCanonical(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		if t {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case int64:
		return strconv.AppendInt(buf, t, 10)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return append(buf, "null"...)
		}
		return strconv.AppendFloat(buf, t, 'g', -1, 64)
	case string:
		return appendJSONString(buf, t)
	case []byte:
		buf = append(buf, `{"`...)
		buf = append(buf, binaryKey...)
		buf = append(buf, `":"`...)
		buf = append(buf, base64.StdEncoding.EncodeToString(t)...)
		return append(buf, `"}`...)
	case []any:
		buf = append(buf, '[')
		for i, elem := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, elem)
		}
		return append(buf, ']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendJSONString(buf, k)
			buf = append(buf, ':')
			buf = appendCanonical(buf, t[k])
		}
		return append(buf, '}')
	default:
		// Unnormalized values are encoded on a best-effort basis so that
		// hashing never panics mid-run.
		data, err := json.Marshal(t)
		if err != nil {
			return append(buf, "null"...)
		}
		return append(buf, data...)
	}
}

func appendJSONString(buf []byte, s string) []byte {
	data, _ := json.Marshal(s)
	return append(buf, data...)
}
