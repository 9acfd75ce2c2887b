// Package attrs reads values back out of slog-style key/value slices
// ([key1, value1, key2, value2, ...]).
package attrs

// Extract returns the value for key. A trailing key without a value is ignored.
func Extract(attrs []any, key string) (any, bool) {
	for i := 0; i < len(attrs)-1; i += 2 {
		if k, ok := attrs[i].(string); ok && k == key {
			return attrs[i+1], true
		}
	}
	return nil, false
}

// ExtractString returns the string value for key, or "" if the key is missing
// or holds something else.
func ExtractString(attrs []any, key string) string {
	v, _ := Extract(attrs, key)
	s, _ := v.(string)
	return s
}

// ExtractInt returns the int value for key and whether it was present as an int.
func ExtractInt(attrs []any, key string) (int, bool) {
	v, _ := Extract(attrs, key)
	n, ok := v.(int)
	return n, ok
}
