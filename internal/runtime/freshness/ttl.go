package freshness

import "time"

// Policy collects the knobs that bound how long one route's validator entries
// live.
type Policy struct {
	// FollowCacheControl honors origin Cache-Control directives when present.
	FollowCacheControl bool
	// DefaultTTL applies when the origin supplies no usable directive.
	DefaultTTL time.Duration
	// MaxTTL caps any lifetime, origin-supplied or configured. Zero means
	// uncapped.
	MaxTTL time.Duration
	// ServerTTL is the process-wide fallback when the route sets no default.
	ServerTTL time.Duration
}

// EffectiveTTL computes the lifetime for a validator entry derived from an
// origin response with the given headers (lowercase keys). A zero return
// means the entry must not be stored.
func (p Policy) EffectiveTTL(originHeaders map[string]string) time.Duration {
	if p.FollowCacheControl {
		if header, ok := originHeaders["cache-control"]; ok {
			directive := ParseCacheControl(header)
			if originTTL := directive.TTL(); originTTL != nil {
				// Origin said don't cache; respect it immediately.
				if *originTTL == 0 {
					return 0
				}
				return p.cap(*originTTL)
			}
		}
	}

	ttl := p.DefaultTTL
	if ttl == 0 {
		ttl = p.ServerTTL
	}
	if ttl <= 0 {
		return 0
	}
	return p.cap(ttl)
}

func (p Policy) cap(ttl time.Duration) time.Duration {
	if p.MaxTTL > 0 && p.MaxTTL < ttl {
		return p.MaxTTL
	}
	return ttl
}
