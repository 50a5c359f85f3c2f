package nanoquery

import "github.com/nanoquery-dev/nanoquery/internal/pattern"

// Selector identifies a subset of canonical keys for invalidateKeys and
// mutateCache: an exact key or wildcard pattern (string), a fixed key list
// ([]string), or a predicate (func(string) bool).
type Selector = any

var selectorPatterns = pattern.New()

// resolveSelector resolves selector against the set of keys present in the
// cache or with active subscribers, per §4.6.
func resolveSelector(ctx *Context, selector Selector) []string {
	candidates := ctx.candidateKeys()

	switch v := selector.(type) {
	case string:
		if pattern.IsWildcard(v) {
			return selectorPatterns.Match(v, candidates)
		}
		for _, k := range candidates {
			if k == v {
				return []string{k}
			}
		}
		return nil
	case []string:
		want := make(map[string]struct{}, len(v))
		for _, k := range v {
			want[k] = struct{}{}
		}
		var out []string
		for _, k := range candidates {
			if _, ok := want[k]; ok {
				out = append(out, k)
			}
		}
		return out
	case func(string) bool:
		var out []string
		for _, k := range candidates {
			if v(k) {
				out = append(out, k)
			}
		}
		return out
	default:
		return nil
	}
}
