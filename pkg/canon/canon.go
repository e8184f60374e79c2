// Copyright 2025 Certen Protocol
//
// Canon package implements NRF (Normalized Receipt Format) canonicalization:
// a deterministic, idempotent byte encoding of JSON-like values used
// everywhere a content identifier is computed.

package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// utf8BOM is the three-byte UTF-8 byte order mark stripped from the head of
// raw input before parsing, per NRF-1.1.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Canonicalize parses raw JSON bytes and returns their canonical encoding:
// map keys sorted, null-valued object entries stripped, strings and keys
// NFC-normalized, and a leading BOM stripped. Floating-point numbers are
// rejected — the only input shape NRF refuses.
//
// Canonicalize is idempotent: Canonicalize(Canonicalize(v)) == Canonicalize(v).
func Canonicalize(raw []byte) ([]byte, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canon: parse json: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("canon: trailing data after top-level value")
	}

	cv, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := encode(&buf, cv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize walks a decoded value tree, stripping nulls, NFC-normalizing
// strings and object keys, and rejecting non-integral numbers.
func normalize(v any) (any, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(vv))
		for _, k := range keys {
			if vv[k] == nil {
				continue // null-valued entries are stripped
			}
			nv, err := normalize(vv[k])
			if err != nil {
				return nil, err
			}
			out = append(out, kv{key: norm.NFC.String(k), val: nv})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
		return out, nil
	case []any:
		out := make([]any, 0, len(vv))
		for _, e := range vv {
			ne, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out = append(out, ne)
		}
		return out, nil
	case string:
		return norm.NFC.String(vv), nil
	case json.Number:
		if strings.ContainsAny(string(vv), ".eE") {
			return nil, fmt.Errorf("canon: floating-point numbers are not representable: %s", vv)
		}
		return vv, nil
	case bool:
		return vv, nil
	default:
		return nil, fmt.Errorf("canon: unsupported value type %T", v)
	}
}

// orderedMap preserves the sorted key order produced by normalize so encode
// never has to re-sort (and never relies on Go's incidental map ordering).
type orderedMap []kv

type kv struct {
	key string
	val any
}

func encode(buf *bytes.Buffer, v any) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if vv {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(string(vv))
	case string:
		b, err := json.Marshal(vv)
		if err != nil {
			return err
		}
		buf.Write(b)
	case []any:
		buf.WriteByte('[')
		for i, e := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case orderedMap:
		buf.WriteByte('{')
		for i, pair := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(pair.key)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encode(buf, pair.val); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported normalized type %T", v)
	}
	return nil
}
