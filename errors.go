package nanoquery

import "errors"

// Error taxonomy per the fetch/mutation error handling design: these are
// sentinels for programmer misuse, never for ordinary fetch/mutation
// failures (those are carried as data in StoreValue.Error, not returned).
var (
	// ErrNoFetcher is published as a fetcher store's StoreValue.Error when
	// a fetch would start but no fetch function is configured anywhere in
	// the options chain.
	ErrNoFetcher = errors.New("nanoquery: no fetcher configured")

	// ErrNoMutation is published as a mutator store's MutatorValue.Error
	// (and returned by MutationHandle.Wait) when Mutate runs on a store
	// made without a mutation function.
	ErrNoMutation = errors.New("nanoquery: no mutation function configured")

	// ErrUnknownKey is not returned by any function in this package:
	// GetCacheUpdater's setter writes the cache entry even for a key that
	// no active fetcher store currently owns, and reports nothing. The
	// sentinel is declared for callers that want a name for that case.
	ErrUnknownKey = errors.New("nanoquery: no active store for key")
)
