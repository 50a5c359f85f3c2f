package distnode

import (
	"context"
	"time"

	"encore.dev/cron"
)

// The sweep job below sits alongside a node's own per-store
// revalidateInterval: it catches keys whose owning store has no interval
// configured (or whose node has been offline) by revalidating any key that
// is still registered with an active store but whose cache entry (written
// by any settled fetch, successful or failed, or by a cache mutation) has
// not been rewritten in a while.
// Generalized from the distributed caching system's DailyWarmup/
// HourlyRefresh cron jobs, which warm predicted hot keys on a fixed
// schedule rather than sweeping live registrations.
var _ = cron.NewJob("nanoquery-sweep-revalidate", cron.JobConfig{
	Title:    "Nanoquery Sweep Revalidation",
	Schedule: "*/15 * * * *",
	Endpoint: SweepRevalidate,
})

// SweepStaleAfter is how old a registered key's cache entry must be before
// the sweep revalidates it.
const SweepStaleAfter = 10 * time.Minute

//encore:api private
func SweepRevalidate(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	return svc.sweepRevalidate(ctx)
}

func (s *Service) sweepRevalidate(ctx context.Context) error {
	keys := s.ctx.InvalidateKeysOlderThan(SweepStaleAfter)
	for _, key := range keys {
		event := &RefreshEvent{
			Version:     EventVersion1,
			Node:        s.nodeID,
			Key:         key,
			TriggeredAt: time.Now(),
		}
		if _, err := RefreshTopic.Publish(ctx, event); err != nil {
			return err
		}
		s.metrics.incRefSent()
	}
	return nil
}
