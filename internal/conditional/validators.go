package conditional

import (
	"strings"
	"time"
)

// HeaderSource is the narrow read surface the evaluator needs from an inbound
// request's header set. http.Header satisfies it directly.
type HeaderSource interface {
	Values(name string) []string
}

// ValidatorSink is the narrow write surface for publishing the decided status
// code and validator headers onto an outbound response.
type ValidatorSink interface {
	SetStatus(code int)
	SetHeader(name, value string)
}

// RequestValidators is an immutable snapshot of the cache-validation headers
// carried by one inbound request. Nil slices and nil timestamps mean the
// corresponding header is absent.
type RequestValidators struct {
	Method            string
	IfMatch           []string
	IfNoneMatch       []string
	IfModifiedSince   *time.Time
	IfUnmodifiedSince *time.Time
	IfRange           string
	RangePresent      bool
}

// FromHeaders builds a request snapshot from an already-parsed header set.
// Unparseable timestamps are treated as absent headers, matching the
// robustness requirement for HTTP-date recipients.
func FromHeaders(method string, h HeaderSource) RequestValidators {
	rv := RequestValidators{
		Method:      strings.ToUpper(strings.TrimSpace(method)),
		IfMatch:     tagList(h.Values("If-Match")),
		IfNoneMatch: tagList(h.Values("If-None-Match")),
	}
	if t, ok := ParseHTTPDate(first(h.Values("If-Modified-Since"))); ok {
		rv.IfModifiedSince = &t
	}
	if t, ok := ParseHTTPDate(first(h.Values("If-Unmodified-Since"))); ok {
		rv.IfUnmodifiedSince = &t
	}
	rv.IfRange = strings.TrimSpace(first(h.Values("If-Range")))
	rv.RangePresent = first(h.Values("Range")) != ""
	return rv
}

// ResponseValidators is the mutable validator view of the outbound response.
// Status 0 means "not yet decided". The evaluator owns mutation for the
// duration of one Evaluate call; the caller owns the value otherwise.
type ResponseValidators struct {
	Status       int
	ETag         EntityTag
	LastModified *time.Time
	Expires      *time.Time
}

// Apply publishes the established validators and any decided status onto the
// sink. Headers are only written for values that are actually present.
func (rv *ResponseValidators) Apply(sink ValidatorSink) {
	if rv.ETag != "" {
		sink.SetHeader("ETag", string(rv.ETag))
	}
	if rv.LastModified != nil {
		sink.SetHeader("Last-Modified", FormatHTTPDate(*rv.LastModified))
	}
	if rv.Expires != nil {
		sink.SetHeader("Expires", FormatHTTPDate(*rv.Expires))
	}
	if rv.Status != 0 {
		sink.SetStatus(rv.Status)
	}
}

// tagList splits one or more entity-tag header lines into their elements.
// Tag content may legally contain commas, so only commas outside the quoted
// portion separate list elements. A nil return distinguishes an absent header
// from an empty one.
func tagList(lines []string) []string {
	if len(lines) == 0 {
		return nil
	}
	var tags []string
	for _, line := range lines {
		for _, field := range splitTagLine(line) {
			if trimmed := strings.TrimSpace(field); trimmed != "" {
				tags = append(tags, trimmed)
			}
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

// splitTagLine breaks a header line on list-separating commas. Tag content
// cannot contain a double quote, so tracking an open/closed quote state is
// enough to keep quoted commas intact.
func splitTagLine(line string) []string {
	var (
		parts  []string
		start  int
		quoted bool
	)
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, line[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, line[start:])
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
