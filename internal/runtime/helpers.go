package runtime

import (
	"strings"

	"github.com/condgate/condgate/internal/config"
)

// matchesPrefix reports whether path sits under prefix on a path-segment
// boundary, so /api does not claim /apiary.
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// normalizeRoutePrefix canonicalizes a configured route prefix for dispatch:
// trailing slashes are dropped and an empty prefix mounts at the root.
func normalizeRoutePrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "/"
	}
	if trimmed != "/" {
		trimmed = strings.TrimSuffix(trimmed, "/")
	}
	return trimmed
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func appendUniqueStrings(values []string, extra ...string) []string {
	merged := make([]string, 0, len(values)+len(extra))
	merged = append(merged, values...)
	merged = append(merged, extra...)

	seen := make(map[string]struct{}, len(merged))
	out := make([]string, 0, len(merged))
	for _, value := range merged {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		cloned := config.DefinitionSkip{
			Kind:   skip.Kind,
			Name:   skip.Name,
			Reason: skip.Reason,
		}
		if len(skip.Sources) > 0 {
			cloned.Sources = make([]string, len(skip.Sources))
			copy(cloned.Sources, skip.Sources)
		}
		out[i] = cloned
	}
	return out
}
