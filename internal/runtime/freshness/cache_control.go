// Package freshness decides how long cached validators stay authoritative
// before the gate revalidates against the origin.
package freshness

import (
	"strconv"
	"strings"
	"time"
)

// Directive represents parsed Cache-Control header directives from an origin
// response.
type Directive struct {
	MaxAge  *int // max-age value in seconds
	SMaxAge *int // s-maxage value in seconds (shared cache preference)
	NoCache bool
	NoStore bool
	Private bool
}

// ParseCacheControl parses a Cache-Control header string and returns the
// directives relevant to validator lifetime decisions. Unknown directives are
// silently ignored.
func ParseCacheControl(header string) Directive {
	directive := Directive{}

	if header == "" {
		return directive
	}

	parts := strings.Split(header, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			key := strings.TrimSpace(strings.ToLower(kv[0]))
			value := strings.TrimSpace(kv[1])

			switch key {
			case "max-age":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.MaxAge = &seconds
				}
			case "s-maxage":
				if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
					directive.SMaxAge = &seconds
				}
			}
		} else {
			switch strings.ToLower(part) {
			case "no-cache":
				directive.NoCache = true
			case "no-store":
				directive.NoStore = true
			case "private":
				directive.Private = true
			}
		}
	}

	return directive
}

// TTL derives the validator lifetime from the directive.
//
// Precedence (highest to lowest):
//  1. Don't-cache directives (no-cache, no-store, private) yield 0 seconds
//  2. s-maxage (shared cache directive)
//  3. max-age
//  4. No directive yields nil so the caller falls back to configured TTLs
func (d Directive) TTL() *time.Duration {
	if d.NoCache || d.NoStore || d.Private {
		zero := time.Duration(0)
		return &zero
	}

	if d.SMaxAge != nil {
		ttl := time.Duration(*d.SMaxAge) * time.Second
		return &ttl
	}

	if d.MaxAge != nil {
		ttl := time.Duration(*d.MaxAge) * time.Second
		return &ttl
	}

	return nil
}
