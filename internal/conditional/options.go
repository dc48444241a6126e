package conditional

import (
	"fmt"
	"time"
)

// Options configures one evaluation. The zero value carries the documented
// defaults: validators are synthesized, HEAD requests preempt, generated
// tags are weak, and the If-Range branch is disabled.
type Options struct {
	NoPreemptHead  bool
	NoETag         bool
	NoLastModified bool
	NoExpires      bool
	Strong         bool
	CheckIfRange   bool

	// Generator overrides default tag synthesis. Nil selects
	// HexMtimeGenerator.
	Generator TagGenerator
}

// Overrides is the call-site layer of the two-layer configuration merge.
// Nil fields inherit the process-wide value; set fields win.
type Overrides struct {
	NoPreemptHead  *bool
	NoETag         *bool
	NoLastModified *bool
	NoExpires      *bool
	Strong         *bool
	CheckIfRange   *bool
	Generator      TagGenerator
}

// Merge layers call-site overrides on top of the receiver and returns the
// effective per-call options.
func (o Options) Merge(ov Overrides) Options {
	merged := o
	if ov.NoPreemptHead != nil {
		merged.NoPreemptHead = *ov.NoPreemptHead
	}
	if ov.NoETag != nil {
		merged.NoETag = *ov.NoETag
	}
	if ov.NoLastModified != nil {
		merged.NoLastModified = *ov.NoLastModified
	}
	if ov.NoExpires != nil {
		merged.NoExpires = *ov.NoExpires
	}
	if ov.Strong != nil {
		merged.Strong = *ov.Strong
	}
	if ov.CheckIfRange != nil {
		merged.CheckIfRange = *ov.CheckIfRange
	}
	if ov.Generator != nil {
		merged.Generator = ov.Generator
	}
	return merged
}

// Context is the snapshot handed to tag generators.
type Context struct {
	Request  RequestValidators
	Response *ResponseValidators
	Now      time.Time
}

// TagGenerator synthesizes an entity tag for a response that lacks one.
// Returning ok=false means "set no tag"; the synthesizer must not fall back
// to another generator in that case. A panicking generator is a caller
// configuration bug and is deliberately not recovered.
type TagGenerator interface {
	Generate(ctx Context, opts Options) (EntityTag, bool)
}

// HexMtimeGenerator is the default generator: the last-modified timestamp
// (or the current time when absent) rendered as a lowercase hexadecimal
// integer, quoted, and weak-marked unless Strong is set.
type HexMtimeGenerator struct{}

func (HexMtimeGenerator) Generate(ctx Context, opts Options) (EntityTag, bool) {
	base := ctx.Now
	if ctx.Response != nil && ctx.Response.LastModified != nil {
		base = *ctx.Response.LastModified
	}
	tag := fmt.Sprintf("%q", fmt.Sprintf("%x", base.Unix()))
	if !opts.Strong {
		tag = weakMarker + tag
	}
	return EntityTag(tag), true
}

// GeneratorFunc adapts a plain function to the TagGenerator interface.
type GeneratorFunc func(ctx Context, opts Options) (EntityTag, bool)

func (f GeneratorFunc) Generate(ctx Context, opts Options) (EntityTag, bool) {
	return f(ctx, opts)
}
