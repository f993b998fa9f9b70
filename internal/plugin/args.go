package plugin

import "fmt"

// Arg helpers read typed values out of a plugin's raw argument map. Numeric
// values arrive as float64 through JSON/YAML decoding, so the integer helpers
// accept both forms.

// ArgString returns args[key] as a string, or def when absent.
func ArgString(args map[string]interface{}, key, def string) (string, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("arg %q: expected string, got %T", key, v)
	}
	return s, nil
}

// ArgBool returns args[key] as a bool, or def when absent.
func ArgBool(args map[string]interface{}, key string, def bool) (bool, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("arg %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// ArgInt returns args[key] as an int, or def when absent.
func ArgInt(args map[string]interface{}, key string, def int) (int, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("arg %q: expected integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("arg %q: expected integer, got %T", key, v)
	}
}

// ArgFloat returns args[key] as a float64, or def when absent.
func ArgFloat(args map[string]interface{}, key string, def float64) (float64, error) {
	v, ok := args[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("arg %q: expected number, got %T", key, v)
	}
}
