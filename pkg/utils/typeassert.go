package utils

// MapField returns m[key] when it is present and holds a T.
func MapField[T any](m map[string]any, key string) (T, bool) {
	v, ok := m[key].(T)
	return v, ok
}

// GetMapFieldOr returns m[key] as a T, or def when the key is missing or
// holds another type.
func GetMapFieldOr[T any](m map[string]any, key string, def T) T {
	if v, ok := MapField[T](m, key); ok {
		return v
	}
	return def
}
