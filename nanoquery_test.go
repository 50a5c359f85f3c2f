package nanoquery

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// fakeEnv is a controllable EnvironmentSignals for visibility-gating tests.
type fakeEnv struct {
	mu      sync.Mutex
	visible bool
	focus   []func()
	online  []func()
}

func newFakeEnv() *fakeEnv { return &fakeEnv{visible: true} }

func (f *fakeEnv) Visible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

func (f *fakeEnv) setVisible(v bool) {
	f.mu.Lock()
	f.visible = v
	f.mu.Unlock()
}

func (f *fakeEnv) OnFocus(fn func()) func() {
	f.mu.Lock()
	f.focus = append(f.focus, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeEnv) OnOnline(fn func()) func() {
	f.mu.Lock()
	f.online = append(f.online, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeEnv) triggerFocus() {
	f.mu.Lock()
	fns := append([]func(){}, f.focus...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeEnv) triggerOnline() {
	f.mu.Lock()
	fns := append([]func(){}, f.online...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TestSharedFetch covers S1: three synchronous subscribers to the same key
// must trigger exactly one fetch invocation.
func TestSharedFetch(t *testing.T) {
	var calls atomic.Int32
	makeFetcher, _, _ := New(Config{})

	store := makeFetcher([]any{"/api", "/key"}, Options{
		Fetcher: func(ctx any, args []any) (any, error) {
			calls.Add(1)
			if args[0] != "/api" || args[1] != "/key" {
				t.Errorf("unexpected args: %v", args)
			}
			return "result", nil
		},
	})

	var seen [3]StoreValue
	var mu sync.Mutex
	unsubs := make([]func(), 3)
	for i := 0; i < 3; i++ {
		i := i
		unsubs[i] = store.Subscribe(func(v StoreValue) {
			mu.Lock()
			seen[i] = v
			mu.Unlock()
		})
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range seen {
			if v.Loading || v.Data != "result" {
				return false
			}
		}
		return true
	})

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
}

// TestNullableKeyDisables covers S2: a nil key part disables the store
// until set, at which point exactly one fetch fires with the resolved args.
func TestNullableKeyDisables(t *testing.T) {
	var calls atomic.Int32
	var lastArgs []any
	var mu sync.Mutex

	id := NewAtom(nil)
	makeFetcher, _, _ := New(Config{})
	store := makeFetcher([]any{"/api", "/key/", id}, Options{
		Fetcher: func(ctx any, args []any) (any, error) {
			calls.Add(1)
			mu.Lock()
			lastArgs = append([]any{}, args...)
			mu.Unlock()
			return "ok", nil
		},
	})

	var current StoreValue
	unsub := store.Subscribe(func(v StoreValue) {
		mu.Lock()
		current = v
		mu.Unlock()
	})
	defer unsub()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	disabledVal := current
	mu.Unlock()
	if disabledVal.Loading || disabledVal.Data != nil {
		t.Fatalf("expected neutral disabled state, got %+v", disabledVal)
	}
	if calls.Load() != 0 {
		t.Fatalf("fetcher should not be called while disabled")
	}

	id.Set("x")

	waitUntil(t, time.Second, func() bool { return calls.Load() == 1 })
	mu.Lock()
	args := lastArgs
	mu.Unlock()
	if len(args) != 3 || args[2] != "x" {
		t.Fatalf("expected resolved args to include \"x\", got %v", args)
	}
}

// TestDedupeWindow covers invariant 2: a new subscription within the
// dedupe window serves the cached state without invoking the fetcher.
func TestDedupeWindow(t *testing.T) {
	var calls atomic.Int32
	dedupe := 200 * time.Millisecond
	makeFetcher, _, _ := New(Config{})
	store := makeFetcher([]any{"k"}, Options{
		DedupeTime: &dedupe,
		Fetcher: func(ctx any, args []any) (any, error) {
			calls.Add(1)
			return calls.Load(), nil
		},
	})

	unsub := store.Subscribe(func(StoreValue) {})
	waitUntil(t, time.Second, func() bool { return calls.Load() == 1 })
	unsub()

	unsub2 := store.Subscribe(func(StoreValue) {})
	defer unsub2()
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected dedupe window to suppress refetch, got %d calls", got)
	}
}

// TestRetrySequence covers S4's shape: two consecutive failures pass retry
// counts 1 then 2 to OnErrorRetry, and the store settles on the value of
// the first successful retry.
func TestRetrySequence(t *testing.T) {
	var attempt atomic.Int32
	var seenRetryCounts []int
	var mu sync.Mutex

	makeFetcher, _, _ := New(Config{})
	dedupe := time.Duration(0)
	store := makeFetcher([]any{"k"}, Options{
		DedupeTime: &dedupe,
		Fetcher: func(ctx any, args []any) (any, error) {
			n := attempt.Add(1)
			if n <= 2 {
				return nil, fmt.Errorf("boom %d", n)
			}
			return "recovered", nil
		},
		OnErrorRetry: func(info RetryInfo) time.Duration {
			mu.Lock()
			seenRetryCounts = append(seenRetryCounts, info.RetryCount)
			mu.Unlock()
			return 10 * time.Millisecond
		},
	})

	var final StoreValue
	unsub := store.Subscribe(func(v StoreValue) {
		mu.Lock()
		final = v
		mu.Unlock()
	})
	defer unsub()

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !final.Loading && final.Data == "recovered"
	})

	mu.Lock()
	defer mu.Unlock()
	if len(seenRetryCounts) != 2 || seenRetryCounts[0] != 1 || seenRetryCounts[1] != 2 {
		t.Fatalf("expected retry counts [1 2], got %v", seenRetryCounts)
	}
}

// TestIdentityPreservation covers invariant 4 directly against publish:
// an identical successive value must not re-notify subscribers.
func TestIdentityPreservation(t *testing.T) {
	makeFetcher, _, _ := New(Config{})
	store := makeFetcher([]any{"k"}, Options{
		Fetcher: func(ctx any, args []any) (any, error) { return "v", nil },
	})

	var notifications atomic.Int32
	var current StoreValue
	var mu sync.Mutex
	unsub := store.Subscribe(func(v StoreValue) {
		notifications.Add(1)
		mu.Lock()
		current = v
		mu.Unlock()
	})
	defer unsub()

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !current.Loading && current.Data == "v"
	})

	before := notifications.Load()
	store.publish(StoreValue{Loading: false, Data: "v"})
	store.publish(StoreValue{Loading: false, Data: "v"})
	if got := notifications.Load() - before; got != 0 {
		t.Fatalf("expected no additional notifications for an unchanged value, got %d", got)
	}

	store.publish(StoreValue{Loading: false, Data: "v2"})
	if got := notifications.Load() - before; got != 1 {
		t.Fatalf("expected exactly 1 notification for a genuine change, got %d", got)
	}
}

// TestDependentStoreKey covers invariant 5: a fetcher store used as a key
// part contributes its upstream canonical key, and the dependent refetches
// when that key changes.
func TestDependentStoreKey(t *testing.T) {
	id := NewAtom("1")
	makeFetcher, _, _ := New(Config{})

	upstream := makeFetcher([]any{"/users/", id}, Options{
		Fetcher: func(ctx any, args []any) (any, error) { return "user-data", nil },
	})
	var dependentCalls atomic.Int32
	var lastArg string
	var mu sync.Mutex
	dependent := makeFetcher([]any{"/posts-for/", upstream}, Options{
		Fetcher: func(ctx any, args []any) (any, error) {
			dependentCalls.Add(1)
			mu.Lock()
			lastArg = args[1].(string)
			mu.Unlock()
			return "posts", nil
		},
	})

	unsubUp := upstream.Subscribe(func(StoreValue) {})
	unsubDep := dependent.Subscribe(func(StoreValue) {})
	defer unsubUp()
	defer unsubDep()

	waitUntil(t, time.Second, func() bool { return dependentCalls.Load() >= 1 })
	mu.Lock()
	firstArg := lastArg
	mu.Unlock()
	if firstArg != "/users/1" {
		t.Fatalf("expected dependent key part to be upstream key \"/users/1\", got %q", firstArg)
	}

	id.Set("2")
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lastArg == "/users/2"
	})
	if dependentCalls.Load() < 2 {
		t.Fatalf("expected dependent to refetch after upstream key changed")
	}
}

// TestOptimisticMutation covers S5: getCacheUpdater publishes optimistic
// data immediately, then auto-invalidation refetches after settle.
func TestOptimisticMutation(t *testing.T) {
	var fetchCount atomic.Int32
	makeFetcher, makeMutator, _ := New(Config{})

	fetcher := makeFetcher([]any{"/api/key"}, Options{
		Fetcher: func(ctx any, args []any) (any, error) {
			n := fetchCount.Add(1)
			if n == 1 {
				return 0, nil
			}
			return 1, nil
		},
	})

	var current StoreValue
	var mu sync.Mutex
	unsub := fetcher.Subscribe(func(v StoreValue) {
		mu.Lock()
		current = v
		mu.Unlock()
	})
	defer unsub()

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !current.Loading && current.Data == 0
	})

	mutator := makeMutator(func(mc *MutationContext, arg any) (any, error) {
		setter, _ := mc.GetCacheUpdater("/api/key", true)
		setter("hey")
		return "mutated", nil
	})
	handle := mutator.Mutate(nil)

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return current.Loading && current.Data == "hey"
	})

	if _, err := handle.Wait(); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !current.Loading && current.Data == 1
	})
}

// TestVisibilityGatedInterval covers invariant 6 / S6: interval ticks do
// not fire while hidden, and resume once visible again.
func TestVisibilityGatedInterval(t *testing.T) {
	env := newFakeEnv()
	var calls atomic.Int32
	interval := 15 * time.Millisecond
	dedupe := time.Duration(0)

	makeFetcher, _, _ := New(Config{Env: env})
	store := makeFetcher([]any{"k"}, Options{
		DedupeTime:         &dedupe,
		RevalidateInterval: &interval,
		Fetcher: func(ctx any, args []any) (any, error) {
			calls.Add(1)
			return "v", nil
		},
	})

	unsub := store.Subscribe(func(StoreValue) {})
	defer unsub()

	waitUntil(t, time.Second, func() bool { return calls.Load() >= 2 })

	env.setVisible(false)
	time.Sleep(40 * time.Millisecond)
	hiddenCount := calls.Load()
	time.Sleep(40 * time.Millisecond)
	if calls.Load() != hiddenCount {
		t.Fatalf("expected no ticks while hidden, went from %d to %d", hiddenCount, calls.Load())
	}

	env.setVisible(true)
	waitUntil(t, time.Second, func() bool { return calls.Load() > hiddenCount })
}

// TestErrorPublishedOnFetchFailure covers the fetch-error taxonomy in §7:
// an error is recorded on the store and onError is invoked.
func TestErrorPublishedOnFetchFailure(t *testing.T) {
	boom := errors.New("boom")
	var onErrorCalls atomic.Int32
	makeFetcher, _, _ := New(Config{})
	store := makeFetcher([]any{"k"}, Options{
		Fetcher: func(ctx any, args []any) (any, error) { return nil, boom },
		OnError: func(err error, key string) { onErrorCalls.Add(1) },
	})

	var current StoreValue
	var mu sync.Mutex
	unsub := store.Subscribe(func(v StoreValue) {
		mu.Lock()
		current = v
		mu.Unlock()
	})
	defer unsub()

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !current.Loading && current.Error != nil
	})
	if onErrorCalls.Load() != 1 {
		t.Fatalf("expected onError to fire once, got %d", onErrorCalls.Load())
	}
}

// TestInvalidateKeysSelector covers context-level invalidation by pattern.
func TestInvalidateKeysSelector(t *testing.T) {
	var calls atomic.Int32
	makeFetcher, _, ctx := New(Config{})
	store := makeFetcher([]any{"users:1"}, Options{
		Fetcher: func(ctx any, args []any) (any, error) {
			calls.Add(1)
			return "data", nil
		},
	})
	unsub := store.Subscribe(func(StoreValue) {})
	defer unsub()

	waitUntil(t, time.Second, func() bool { return calls.Load() == 1 })

	ctx.InvalidateKeys("users:*")
	waitUntil(t, time.Second, func() bool { return calls.Load() == 2 })
}
