// Package optional resolves a value from an ordered list of optional sources.
package optional

// First returns the first non-nil value in vals.
func First[T any](vals ...*T) (T, bool) {
	for _, v := range vals {
		if v != nil {
			return *v, true
		}
	}
	var zero T
	return zero, false
}

// Or returns the first non-nil value in vals, or def when none is present.
func Or[T any](def T, vals ...*T) T {
	if v, ok := First(vals...); ok {
		return v
	}
	return def
}

// NonEmpty returns the first string that is not empty, or "".
// The S3 SDK reports absent string headers as either nil or "", and both
// mean "not present" for metadata defaults.
func NonEmpty(vals ...*string) string {
	for _, v := range vals {
		if v != nil && *v != "" {
			return *v
		}
	}
	return ""
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
