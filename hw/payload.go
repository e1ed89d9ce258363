package hw

import (
	"encoding/json"

	"devicehal-go/errcode"
)

// As asserts a payload to the concrete value type T.
// Pointers are not accepted. A nil payload is treated as the zero value of T.
func As[T any](v any) (T, errcode.Code) {
	var zero T
	if v == nil {
		return zero, ""
	}
	t, ok := v.(T)
	if !ok {
		return zero, errcode.InvalidPayload
	}
	return t, ""
}

// Decode coerces a JSON-like payload into dst. []byte and string are
// unmarshalled directly; maps, structs and numbers are round-tripped
// through encoding/json so loosely typed config reaches typed params.
func Decode[T any](src any, dst *T) error {
	if src == nil {
		return nil
	}
	if t, ok := src.(T); ok {
		*dst = t
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, dst)
	}
}
