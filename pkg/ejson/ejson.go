// Package ejson implements the scalar-wrapping extension to JSON that
// DDP uses for values plain JSON cannot represent: dates and binary
// blobs. See spec.md §4.2.
package ejson

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	dateKey   = "$date"
	binaryKey = "$binary"
)

// TypeCodec is the bridge between a Go type and its EJSON
// representation, used for values whose type has a registered codec
// (spec.md §4.2: "any value whose type has a registered codec is
// encoded by that codec to bytes, the bytes are parsed back to a
// document, and the document is emitted").
type TypeCodec interface {
	// EJSONEncode returns the bytes for v, or false if v's concrete
	// type is not handled by this codec.
	EJSONEncode(v interface{}) ([]byte, bool)
}

// Date wraps a millisecond-epoch timestamp, marshaled as
// {"$date": epoch-ms}.
type Date time.Time

// Binary wraps raw bytes, marshaled as {"$binary": base64}.
type Binary []byte

// ToOutgoing recursively walks v, replacing Date and Binary values
// (and, when codecs is non-nil, any value handled by a registered
// TypeCodec) with their EJSON wrapper documents. Plain JSON-compatible
// values pass through unchanged. Arrays and maps recurse element-wise.
func ToOutgoing(v interface{}, codecs []TypeCodec) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64:
		return val, nil
	case Date:
		return map[string]interface{}{dateKey: time.Time(val).UnixMilli()}, nil
	case Binary:
		return map[string]interface{}{binaryKey: base64.StdEncoding.EncodeToString(val)}, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			converted, err := ToOutgoing(elem, codecs)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			converted, err := ToOutgoing(elem, codecs)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	default:
		for _, c := range codecs {
			encoded, ok := c.EJSONEncode(val)
			if !ok {
				continue
			}
			var doc map[string]interface{}
			if err := unmarshalJSON(encoded, &doc); err != nil {
				return nil, fmt.Errorf("ejson: re-parsing codec output: %w", err)
			}
			return ToOutgoing(doc, codecs)
		}
		return val, nil
	}
}

// FromIncoming recursively walks v (the result of decoding a plain
// JSON frame), replacing {$date:...} and {$binary:...} wrapper
// documents with Date and Binary values. All other values pass
// through unchanged.
func FromIncoming(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if len(val) == 1 {
			if ms, ok := val[dateKey]; ok {
				if f, ok := asFloat(ms); ok {
					return Date(time.UnixMilli(int64(f)))
				}
			}
			if b64, ok := val[binaryKey]; ok {
				if s, ok := b64.(string); ok {
					if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
						return Binary(decoded)
					}
				}
			}
		}
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			out[k] = FromIncoming(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = FromIncoming(elem)
		}
		return out
	default:
		return val
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
