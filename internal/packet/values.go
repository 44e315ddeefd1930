package packet

import (
	"fmt"
	"math"
	"strconv"
)

// JSON numbers decode to float64; these helpers hide that from handlers.

func GetString(data map[string]any, key, def string) string {
	value, ok := data[key]
	if !ok || value == nil {
		return def
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

func GetInt64(data map[string]any, key string) (int64, error) {
	value, ok := data[key]
	if !ok || value == nil {
		return 0, fmt.Errorf("missing field %q", key)
	}
	switch v := value.(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("field %q is not an integer: %v", key, v)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("field %q is not an integer: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("field %q has unsupported type %T", key, value)
	}
}

func GetBool(data map[string]any, key string, def bool) bool {
	switch v := data[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}
