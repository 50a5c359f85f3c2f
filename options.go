package nanoquery

import "time"

// FetchFunc is the user-supplied async fetch function, invoked with the
// resolved key parts as positional arguments.
type FetchFunc func(ctx any, parts []any) (any, error)

// MutationFunc is the user-supplied mutation function invoked by mutate().
type MutationFunc func(ctx *MutationContext, arg any) (any, error)

// RetryInfo is passed to OnErrorRetry to decide whether (and when) to
// retry a failed fetch.
type RetryInfo struct {
	RetryCount int
	Err        error
	Key        string
}

// OnErrorRetryFunc returns the delay before the next retry attempt, or a
// value <= 0 to stop retrying.
type OnErrorRetryFunc func(info RetryInfo) time.Duration

// Options configures a nanoquery instance or a single fetcher/mutator
// store. Every field is a pointer/func so "unset" is distinguishable from
// "explicitly zero" during merge(): global defaults ← per-store overrides
// ← test override hook, the three-layer resolution §4.3 specifies.
type Options struct {
	Fetcher               FetchFunc
	DedupeTime            *time.Duration
	CacheLifetime         *time.Duration
	RevalidateInterval    *time.Duration
	RevalidateOnFocus     *bool
	RevalidateOnReconnect *bool
	OnError               func(err error, key string)
	OnErrorRetry          OnErrorRetryFunc

	// ThrottleCalls governs mutator stores only: when true (the default),
	// a mutate() call while one is already in flight returns the in-flight
	// promise instead of invoking the mutation function again.
	ThrottleCalls *bool
}

// resolved is the fully-merged, non-optional configuration used by the
// engine at decision time.
type resolved struct {
	Fetcher               FetchFunc
	DedupeTime            time.Duration
	CacheLifetime         time.Duration
	RevalidateInterval    time.Duration
	RevalidateOnFocus     bool
	RevalidateOnReconnect bool
	OnError               func(err error, key string)
	OnErrorRetry          OnErrorRetryFunc
	ThrottleCalls         bool
}

// defaultOptions mirrors the teacher's DefaultConfig() pattern: sensible
// hardcoded values, every one of them overridable.
func defaultOptions() Options {
	dedupe := 2 * time.Second
	lifetime := 4 * time.Second
	throttle := true
	return Options{
		DedupeTime:    &dedupe,
		CacheLifetime: &lifetime,
		ThrottleCalls: &throttle,
	}
}

// merge layers override on top of base, field by field, returning a new
// Options. Non-nil fields in override win.
func merge(base, override Options) Options {
	out := base
	if override.Fetcher != nil {
		out.Fetcher = override.Fetcher
	}
	if override.DedupeTime != nil {
		out.DedupeTime = override.DedupeTime
	}
	if override.CacheLifetime != nil {
		out.CacheLifetime = override.CacheLifetime
	}
	if override.RevalidateInterval != nil {
		out.RevalidateInterval = override.RevalidateInterval
	}
	if override.RevalidateOnFocus != nil {
		out.RevalidateOnFocus = override.RevalidateOnFocus
	}
	if override.RevalidateOnReconnect != nil {
		out.RevalidateOnReconnect = override.RevalidateOnReconnect
	}
	if override.OnError != nil {
		out.OnError = override.OnError
	}
	if override.OnErrorRetry != nil {
		out.OnErrorRetry = override.OnErrorRetry
	}
	if override.ThrottleCalls != nil {
		out.ThrottleCalls = override.ThrottleCalls
	}
	return out
}

func (o Options) toResolved() resolved {
	r := resolved{Fetcher: o.Fetcher, OnError: o.OnError, OnErrorRetry: o.OnErrorRetry}
	if o.DedupeTime != nil {
		r.DedupeTime = *o.DedupeTime
	}
	if o.CacheLifetime != nil {
		r.CacheLifetime = *o.CacheLifetime
	}
	if o.RevalidateInterval != nil {
		r.RevalidateInterval = *o.RevalidateInterval
	}
	if o.RevalidateOnFocus != nil {
		r.RevalidateOnFocus = *o.RevalidateOnFocus
	}
	if o.RevalidateOnReconnect != nil {
		r.RevalidateOnReconnect = *o.RevalidateOnReconnect
	}
	if o.ThrottleCalls != nil {
		r.ThrottleCalls = *o.ThrottleCalls
	}
	return r
}
