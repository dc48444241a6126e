// Package conditional implements HTTP/1.1 conditional-request semantics: it
// decides whether generating a response body can be preempted by answering
// directly from validator comparison (304, 412) and establishes the ETag,
// Last-Modified, and Expires validators the response should carry. The
// package is framework-free; hosts adapt their request/response objects via
// HeaderSource and ValidatorSink.
package conditional

import "time"

// Status codes produced by evaluation. The numeric values are what matters
// for wire compatibility.
const (
	StatusOK                 = 200
	StatusPartialContent     = 206
	StatusNotModified        = 304
	StatusPreconditionFailed = 412
)

// SynthesizeTag writes a generated entity tag onto the response when the
// response does not already carry one and synthesis is not suppressed. The
// configured generator's verdict is final: an ok=false return leaves the
// response untagged. No other response field is touched.
func SynthesizeTag(ctx Context, opts Options) {
	if opts.NoETag || ctx.Response == nil || ctx.Response.ETag != "" {
		return
	}
	gen := opts.Generator
	if gen == nil {
		gen = HexMtimeGenerator{}
	}
	if tag, ok := gen.Generate(ctx, opts); ok && tag != "" {
		ctx.Response.ETag = tag
	}
}

// Evaluate applies the precedence-ordered conditional-header checks to one
// request/response pair. It returns true when the caller must still generate
// the entity and false when the response is ready to send as-is (a 304 or
// 412 preemption, or HEAD suppression).
//
// The precedence is fixed by the HTTP specification: If-Match, then
// If-Unmodified-Since, then If-None-Match, then If-Modified-Since, then
// If-Range. Only the first applicable header is evaluated. Note the
// deliberate asymmetries: If-Match requires a strong comparison while
// If-None-Match accepts a weak one, and If-Unmodified-Since uses a strict
// less-than while If-Modified-Since uses greater-or-equal.
func Evaluate(req RequestValidators, resp *ResponseValidators, opts Options, now func() time.Time) bool {
	if now == nil {
		now = time.Now
	}
	current := now().UTC().Truncate(time.Second)

	// Establish the working Last-Modified. Once set it is fixed for the
	// remainder of the call.
	if !opts.NoLastModified && resp.LastModified == nil {
		lm := current
		resp.LastModified = &lm
	}
	lastModified := resp.LastModified

	SynthesizeTag(Context{Request: req, Response: resp, Now: current}, opts)
	weak := resp.ETag.IsWeak()

	// A response already flagged as an error skips condition evaluation;
	// validator headers are still established above.
	checkConditionals := resp.Status == 0 || (resp.Status >= 200 && resp.Status < 300)

	if checkConditionals {
		switch {
		case req.IfMatch != nil:
			if !tagInList(req.IfMatch, resp.ETag.StrongMatch) {
				resp.Status = StatusPreconditionFailed
				return false
			}
			// Precondition held; no further conditional applies.

		case req.IfUnmodifiedSince != nil && lastModified != nil && req.IfUnmodifiedSince.Before(*lastModified):
			resp.Status = StatusPreconditionFailed
			return false

		case req.IfNoneMatch != nil:
			if tagInList(req.IfNoneMatch, resp.ETag.WeakMatch) {
				if req.Method == "GET" || req.Method == "HEAD" {
					resp.Status = StatusNotModified
					return false
				}
				if !weak {
					resp.Status = StatusPreconditionFailed
					return false
				}
				// A weak tag cannot fail the precondition for state-changing
				// methods; evaluation continues.
			}

		case req.IfModifiedSince != nil && lastModified != nil && !req.IfModifiedSince.Before(*lastModified):
			if !req.RangePresent {
				resp.Status = StatusNotModified
				return false
			}
			// With a Range header the controller owns partial-content
			// semantics; no verdict from this rule.

		case opts.CheckIfRange && req.IfRange != "" && req.RangePresent:
			// Never preempts: the status merely tells the controller whether
			// the stored selected representation is still valid for a range.
			if ifRangeMatches(req.IfRange, resp.ETag, lastModified) {
				resp.Status = StatusPartialContent
			} else {
				resp.Status = StatusOK
			}
		}
	}

	// The entity will be (re)generated from here on; mark its expiry.
	if !opts.NoExpires && resp.Expires == nil {
		exp := current
		resp.Expires = &exp
	}

	if req.Method == "HEAD" {
		return opts.NoPreemptHead
	}
	return true
}

// tagInList reports whether any list element is the wildcard or satisfies
// the supplied comparison against the current tag.
func tagInList(list []string, match func(string) bool) bool {
	for _, candidate := range list {
		if candidate == "*" || match(candidate) {
			return true
		}
	}
	return false
}

// ifRangeMatches decides the If-Range branch against the header's own value:
// a timestamp at or after last-modified, the wildcard, or the current tag.
func ifRangeMatches(value string, tag EntityTag, lastModified *time.Time) bool {
	if t, ok := ParseHTTPDate(value); ok {
		return lastModified != nil && !t.Before(*lastModified)
	}
	if value == "*" {
		return true
	}
	return tag != "" && value == string(tag)
}
