package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/fulfil/internal/ir"
)

// marshalPayload converts a run payload to canonical JSON TEXT for storage.
// A nil payload is stored as "{}".
func marshalPayload(payload ir.Object) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// unmarshalPayload parses canonical JSON TEXT back into an ir.Object.
// Numbers are decoded through json.Number so integers above 2^53 survive;
// a fractional number is rejected because the canonical form never holds one.
func unmarshalPayload(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	v, err := fromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v.(ir.Object), nil
}

func fromJSON(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, fmt.Errorf("non-integer number %s", x)
		}
		return n, nil
	case map[string]any:
		obj := make(ir.Object, len(x))
		for k, elem := range x {
			conv, err := fromJSON(elem)
			if err != nil {
				return nil, err
			}
			obj[k] = conv
		}
		return obj, nil
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			conv, err := fromJSON(elem)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("null values are not supported")
	default:
		return x, nil
	}
}

// marshalResult encodes a checkpoint result as canonical JSON TEXT. A nil
// result is stored as "".
func marshalResult(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

// unmarshalResult is the inverse of marshalResult.
func unmarshalResult(data string) (any, error) {
	if data == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	v, err := fromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return v, nil
}
