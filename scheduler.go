package nanoquery

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// scheduler is the Refresh Scheduler component: a per-store interval timer
// gated by document visibility, plus process-wide focus/online listeners
// installed lazily on first use, fanning out revalidation to every active
// store whose corresponding flag is enabled. Mass fan-out (many stores
// revalidating off one focus/online event) is throttled by a shared rate
// limiter, the same golang.org/x/time/rate primitive the distributed
// caching system uses for origin-fetch throttling.
type scheduler struct {
	ctx     *Context
	limiter *rate.Limiter

	mu          sync.Mutex
	active      map[*FetcherStore]struct{}
	intervals   map[*FetcherStore]chan struct{}
	envHooked   bool
	focusUnsub  func()
	onlineUnsub func()
}

func newScheduler(ctx *Context, maxRevalidateRPS float64) *scheduler {
	sch := &scheduler{
		ctx:       ctx,
		active:    make(map[*FetcherStore]struct{}),
		intervals: make(map[*FetcherStore]chan struct{}),
	}
	if maxRevalidateRPS > 0 {
		burst := int(maxRevalidateRPS)
		if burst < 1 {
			burst = 1
		}
		sch.limiter = rate.NewLimiter(rate.Limit(maxRevalidateRPS), burst)
	}
	return sch
}

func (sch *scheduler) allow() bool {
	if sch.limiter == nil {
		return true
	}
	return sch.limiter.Allow()
}

// onStoreActivated registers s as eligible for focus/online fan-out, and
// if it has a positive revalidate interval, starts its interval ticker.
func (sch *scheduler) onStoreActivated(s *FetcherStore) {
	sch.ensureEnvHooks()

	sch.mu.Lock()
	sch.active[s] = struct{}{}
	_, hasTimer := sch.intervals[s]
	interval := s.opts.RevalidateInterval
	if interval <= 0 || hasTimer {
		sch.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	sch.intervals[s] = stop
	sch.mu.Unlock()

	go sch.runInterval(s, interval, stop)
}

// onStoreDeactivated stops s's interval timer (if any) and drops it from
// focus/online fan-out.
func (sch *scheduler) onStoreDeactivated(s *FetcherStore) {
	sch.mu.Lock()
	delete(sch.active, s)
	stop, hasTimer := sch.intervals[s]
	if hasTimer {
		delete(sch.intervals, s)
	}
	sch.mu.Unlock()

	if hasTimer {
		close(stop)
	}
}

func (sch *scheduler) runInterval(s *FetcherStore, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !sch.ctx.env.Visible() {
				continue
			}
			if !sch.allow() {
				continue
			}
			s.scheduledRevalidate()
		case <-stop:
			return
		}
	}
}

// ensureEnvHooks installs the process-wide focus/online listeners exactly
// once, on first store activation — never eagerly at Context construction,
// matching §5's "installed lazily on first use."
func (sch *scheduler) ensureEnvHooks() {
	sch.mu.Lock()
	if sch.envHooked {
		sch.mu.Unlock()
		return
	}
	sch.envHooked = true
	sch.mu.Unlock()

	sch.focusUnsub = sch.ctx.env.OnFocus(func() {
		sch.broadcast(func(o resolved) bool { return o.RevalidateOnFocus })
	})
	sch.onlineUnsub = sch.ctx.env.OnOnline(func() {
		sch.broadcast(func(o resolved) bool { return o.RevalidateOnReconnect })
	})
}

func (sch *scheduler) broadcast(enabled func(resolved) bool) {
	sch.mu.Lock()
	stores := make([]*FetcherStore, 0, len(sch.active))
	for s := range sch.active {
		stores = append(stores, s)
	}
	sch.mu.Unlock()

	for _, s := range stores {
		if !enabled(s.opts) {
			continue
		}
		if !sch.allow() {
			continue
		}
		s.scheduledRevalidate()
	}
}

// Shutdown stops every interval timer and removes the env hooks. Called
// when the owning Context is torn down.
func (sch *scheduler) Shutdown() {
	sch.mu.Lock()
	stops := make([]chan struct{}, 0, len(sch.intervals))
	for _, stop := range sch.intervals {
		stops = append(stops, stop)
	}
	sch.intervals = make(map[*FetcherStore]chan struct{})
	sch.active = make(map[*FetcherStore]struct{})
	focusUnsub, onlineUnsub := sch.focusUnsub, sch.onlineUnsub
	sch.mu.Unlock()

	for _, stop := range stops {
		close(stop)
	}
	if focusUnsub != nil {
		focusUnsub()
	}
	if onlineUnsub != nil {
		onlineUnsub()
	}
}
