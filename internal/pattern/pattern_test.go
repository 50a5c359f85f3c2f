package pattern

import (
	"reflect"
	"sort"
	"testing"
)

func TestIsWildcard(t *testing.T) {
	cases := map[string]bool{
		"user:123":  false,
		"user:*":    true,
		"*":         true,
		"*:profile": true,
		"a*b*c":     true,
		"":          false,
	}
	for pat, want := range cases {
		if got := IsWildcard(pat); got != want {
			t.Errorf("IsWildcard(%q) = %v, want %v", pat, got, want)
		}
	}
}

func TestMatch_Exact(t *testing.T) {
	m := New()
	keys := []string{"user:1", "user:2", "post:1"}
	got := m.Match("user:1", keys)
	if !reflect.DeepEqual(got, []string{"user:1"}) {
		t.Fatalf("exact match = %v", got)
	}
}

func TestMatch_PrefixWildcard(t *testing.T) {
	m := New()
	keys := []string{"user:1", "user:2", "post:1"}
	got := m.Match("user:*", keys)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"user:1", "user:2"}) {
		t.Fatalf("prefix match = %v", got)
	}
}

func TestMatch_SuffixWildcard(t *testing.T) {
	m := New()
	keys := []string{"user:1:profile", "user:2:profile", "user:1:settings"}
	got := m.Match("*:profile", keys)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"user:1:profile", "user:2:profile"}) {
		t.Fatalf("suffix match = %v", got)
	}
}

func TestMatch_ContainsWildcard(t *testing.T) {
	m := New()
	keys := []string{"a-user-b", "a-post-b", "other"}
	got := m.Match("*user*", keys)
	if !reflect.DeepEqual(got, []string{"a-user-b"}) {
		t.Fatalf("contains match = %v", got)
	}
}

func TestMatch_MidWildcardUsesRegexFallback(t *testing.T) {
	m := New()
	keys := []string{"user:1:profile", "user:2:profile", "user:1:settings"}
	got := m.Match("user:*:profile", keys)
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"user:1:profile", "user:2:profile"}) {
		t.Fatalf("mid-wildcard match = %v", got)
	}
}

func TestMatch_Star(t *testing.T) {
	m := New()
	keys := []string{"a", "b", "c"}
	got := m.Match("*", keys)
	if len(got) != 3 {
		t.Fatalf("expected \"*\" to match everything, got %v", got)
	}
}

func TestMatch_EmptyPattern(t *testing.T) {
	m := New()
	if got := m.Match("", []string{"a", "b"}); got != nil {
		t.Fatalf("expected nil for empty pattern, got %v", got)
	}
}

func TestMatch_RegexCacheReused(t *testing.T) {
	m := New()
	keys := []string{"x:1:y", "x:2:y"}
	first := m.Match("x:*:y", keys)
	second := m.Match("x:*:y", keys)
	sort.Strings(first)
	sort.Strings(second)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("expected repeated match to be stable across the regex cache: %v vs %v", first, second)
	}
}
