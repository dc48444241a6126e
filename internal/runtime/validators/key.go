package validators

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Descriptor identifies the selected representation a validator entry belongs
// to. Query parameters participate because origins routinely vary the
// representation on them.
type Descriptor struct {
	Route string
	Path  string
	Query map[string]string
	Salt  string
}

// Key computes the deterministic store key for the descriptor using FNV-1a.
// The route name stays in clear text so prefix invalidation can target one
// route; everything else is collapsed into the hash.
func (d Descriptor) Key() string {
	h := fnv.New64a()

	_, _ = h.Write([]byte(d.Salt))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(d.Path))
	_, _ = h.Write([]byte("|"))

	if len(d.Query) > 0 {
		keys := make([]string, 0, len(d.Query))
		for k := range d.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%s", k, d.Query[k]))
		}
		_, _ = h.Write([]byte(strings.Join(parts, "&")))
	}

	return fmt.Sprintf("%s:%016x", d.Route, h.Sum64())
}

// RoutePrefix returns the key prefix covering every entry for the route.
func RoutePrefix(route string) string {
	return route + ":"
}
