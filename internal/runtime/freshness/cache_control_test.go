package freshness

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestParseCacheControl(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   Directive
	}{
		{name: "empty header", header: "", want: Directive{}},
		{name: "max-age", header: "max-age=300", want: Directive{MaxAge: intPtr(300)}},
		{name: "s-maxage", header: "s-maxage=600", want: Directive{SMaxAge: intPtr(600)}},
		{
			name:   "both ages",
			header: "max-age=300, s-maxage=600",
			want:   Directive{MaxAge: intPtr(300), SMaxAge: intPtr(600)},
		},
		{name: "no-store", header: "no-store", want: Directive{NoStore: true}},
		{name: "no-cache", header: "no-cache", want: Directive{NoCache: true}},
		{name: "private", header: "private", want: Directive{Private: true}},
		{
			name:   "mixed with unknown directives",
			header: "public, max-age=60, immutable",
			want:   Directive{MaxAge: intPtr(60)},
		},
		{name: "negative max-age ignored", header: "max-age=-5", want: Directive{}},
		{name: "garbage value ignored", header: "max-age=soon", want: Directive{}},
		{
			name:   "case insensitive",
			header: "Max-Age=120, NO-STORE",
			want:   Directive{MaxAge: intPtr(120), NoStore: true},
		},
		{
			name:   "whitespace tolerated",
			header: "  max-age = 30 ,  private ",
			want:   Directive{MaxAge: intPtr(30), Private: true},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := ParseCacheControl(tc.header)
			if !directivesEqual(got, tc.want) {
				t.Fatalf("ParseCacheControl(%q) = %+v, want %+v", tc.header, got, tc.want)
			}
		})
	}
}

func TestDirectiveTTL(t *testing.T) {
	tests := []struct {
		name      string
		directive Directive
		want      *time.Duration
	}{
		{name: "no directive falls back", directive: Directive{}, want: nil},
		{name: "max-age", directive: Directive{MaxAge: intPtr(300)}, want: durPtr(300 * time.Second)},
		{
			name:      "s-maxage wins over max-age",
			directive: Directive{MaxAge: intPtr(300), SMaxAge: intPtr(600)},
			want:      durPtr(600 * time.Second),
		},
		{name: "no-store forces zero", directive: Directive{NoStore: true, MaxAge: intPtr(300)}, want: durPtr(0)},
		{name: "no-cache forces zero", directive: Directive{NoCache: true}, want: durPtr(0)},
		{name: "private forces zero", directive: Directive{Private: true, SMaxAge: intPtr(600)}, want: durPtr(0)},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := tc.directive.TTL()
			if (got == nil) != (tc.want == nil) {
				t.Fatalf("TTL() = %v, want %v", got, tc.want)
			}
			if got != nil && *got != *tc.want {
				t.Fatalf("TTL() = %v, want %v", *got, *tc.want)
			}
		})
	}
}

func directivesEqual(a, b Directive) bool {
	if a.NoCache != b.NoCache || a.NoStore != b.NoStore || a.Private != b.Private {
		return false
	}
	if (a.MaxAge == nil) != (b.MaxAge == nil) || (a.SMaxAge == nil) != (b.SMaxAge == nil) {
		return false
	}
	if a.MaxAge != nil && *a.MaxAge != *b.MaxAge {
		return false
	}
	if a.SMaxAge != nil && *a.SMaxAge != *b.SMaxAge {
		return false
	}
	return true
}

func durPtr(d time.Duration) *time.Duration { return &d }
