package conditional

import (
	"strings"
	"time"
)

// imfDateLayout is the preferred IMF-fixdate format senders must generate.
const imfDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// ParseHTTPDate parses an HTTP-date field value. Recipients must accept the
// IMF-fixdate format plus the two obsolete forms (RFC 850 and ANSI C
// asctime). Comparison against case-insensitive senders is tolerated by
// normalizing before parsing.
func ParseHTTPDate(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{imfDateLayout, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// FormatHTTPDate renders a timestamp in IMF-fixdate form, the only format a
// sender may generate.
func FormatHTTPDate(t time.Time) string {
	return t.UTC().Format(imfDateLayout)
}
