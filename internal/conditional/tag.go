package conditional

import "strings"

// EntityTag is an opaque validator string as it appears on the wire, either
// plain-quoted (`"abc"`) or carrying the weak marker (`W/"abc"`).
type EntityTag string

const weakMarker = "W/"

// IsWeak reports whether the tag carries the two-character weak marker.
func (t EntityTag) IsWeak() bool {
	return strings.HasPrefix(string(t), weakMarker)
}

// Opaque strips the weak marker, leaving the quoted opaque value.
func (t EntityTag) Opaque() string {
	return strings.TrimPrefix(string(t), weakMarker)
}

// StrongMatch reports whether candidate matches the tag under strong
// comparison: both values identical and the tag itself not weak. A weak tag
// never satisfies a strong match, which is what If-Match requires.
func (t EntityTag) StrongMatch(candidate string) bool {
	if t == "" || t.IsWeak() {
		return false
	}
	return candidate == string(t)
}

// WeakMatch reports whether candidate matches the tag ignoring weak markers
// on either side. If-None-Match and If-Range use this comparison.
func (t EntityTag) WeakMatch(candidate string) bool {
	if t == "" {
		return false
	}
	return strings.TrimPrefix(candidate, weakMarker) == t.Opaque()
}
