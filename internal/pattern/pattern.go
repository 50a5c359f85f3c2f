// Package pattern provides wildcard key matching for cache selectors.
//
// Adapted from the distributed caching system's invalidation pattern
// matcher: exact, prefix, suffix, contains and regex forms, with regex
// compilation cached per pattern. Selector predicates and explicit key
// lists bypass this package entirely (handled by the caller); this is
// only for the "wildcard string" selector form.
package pattern

import (
	"regexp"
	"strings"
	"sync"
)

// Matcher matches cache keys against wildcard patterns, caching compiled
// regexes for patterns that need them.
type Matcher struct {
	regexCache sync.Map // map[string]*regexp.Regexp
}

// New creates a Matcher.
func New() *Matcher {
	return &Matcher{}
}

// IsWildcard reports whether pattern contains a '*' wildcard.
func IsWildcard(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// Match returns the subset of keys matching pattern.
func (m *Matcher) Match(pattern string, keys []string) []string {
	if pattern == "" {
		return nil
	}

	if !IsWildcard(pattern) {
		for _, key := range keys {
			if key == pattern {
				return []string{key}
			}
		}
		return nil
	}

	if pattern == "*" {
		return keys
	}

	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1:
		substr := strings.Trim(pattern, "*")
		return filter(keys, func(k string) bool { return strings.Contains(k, substr) })
	case strings.HasPrefix(pattern, "*"):
		suffix := strings.TrimPrefix(pattern, "*")
		return filter(keys, func(k string) bool { return strings.HasSuffix(k, suffix) })
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return filter(keys, func(k string) bool { return strings.HasPrefix(k, prefix) })
	default:
		return m.matchRegex(wildcardToRegex(pattern), keys)
	}
}

func (m *Matcher) matchRegex(regexPattern string, keys []string) []string {
	var re *regexp.Regexp
	if cached, ok := m.regexCache.Load(regexPattern); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(regexPattern)
		if err != nil {
			return nil
		}
		m.regexCache.Store(regexPattern, compiled)
		re = compiled
	}

	return filter(keys, re.MatchString)
}

func wildcardToRegex(pattern string) string {
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, "\\*", ".*")
	return "^" + escaped + "$"
}

func filter(keys []string, keep func(string) bool) []string {
	matches := make([]string, 0, len(keys))
	for _, k := range keys {
		if keep(k) {
			matches = append(matches, k)
		}
	}
	return matches
}
