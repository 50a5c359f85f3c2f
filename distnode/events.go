// Package distnode is the optional distributed companion to the core
// nanoquery engine: it runs one nanoquery.Context behind an Encore service
// so a fleet of instances can share invalidation, mutation-confirmation and
// audit trail over Pub/Sub and Postgres, the way the distributed caching
// system coordinates its own cache-manager/invalidation/warming services.
// Nothing in package nanoquery depends on this package; it is purely
// additive surface for teams deploying nanoquery as a shared tier.
package distnode

import (
	"errors"
	"fmt"
	"time"

	"encore.dev/pubsub"
)

// EventVersion1 is the current event schema version. Future versions only
// add fields; consumers branch on Version rather than assuming the latest
// shape.
const EventVersion1 = 1

// InvalidateEvent is broadcast whenever a node invalidates keys locally, so
// every other node's nanoquery.Context invalidates the same keys.
type InvalidateEvent struct {
	Version     int       `json:"version"`
	Node        string    `json:"node"`
	Keys        []string  `json:"keys,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	TriggeredAt time.Time `json:"triggered_at"`
	RequestID   string    `json:"request_id"`
}

func (e *InvalidateEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("distnode: unsupported event version %d", e.Version)
	}
	if len(e.Keys) == 0 && e.Pattern == "" {
		return errors.New("distnode: at least one of keys or pattern must be set")
	}
	if e.RequestID == "" {
		return errors.New("distnode: request_id is required for tracing")
	}
	return nil
}

// RefreshEvent asks every other node to refresh a key, used by the sweep
// cron job and by nodes that want to push a fresh value out ahead of its
// consumers' next read. A receiving node applies it through
// Context.InvalidateKeys, so its active stores on the key refetch with data
// cleared and a key with no active store loses its cache entry.
type RefreshEvent struct {
	Version     int       `json:"version"`
	Node        string    `json:"node"`
	Key         string    `json:"key"`
	TriggeredAt time.Time `json:"triggered_at"`
	RequestID   string    `json:"request_id"`
}

func (e *RefreshEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("distnode: unsupported event version %d", e.Version)
	}
	if e.Key == "" {
		return errors.New("distnode: key is required")
	}
	return nil
}

// MutationCompletedEvent is broadcast after a mutation settles, so other
// nodes can react (e.g. by revalidating keys the mutation's
// autoInvalidate already queued locally).
type MutationCompletedEvent struct {
	Version     int       `json:"version"`
	Node        string    `json:"node"`
	Keys        []string  `json:"keys,omitempty"`
	Succeeded   bool      `json:"succeeded"`
	TriggeredAt time.Time `json:"triggered_at"`
	RequestID   string    `json:"request_id"`
}

func (e *MutationCompletedEvent) Validate() error {
	if e.Version != EventVersion1 {
		return fmt.Errorf("distnode: unsupported event version %d", e.Version)
	}
	if e.RequestID == "" {
		return errors.New("distnode: request_id is required for tracing")
	}
	return nil
}

// InvalidateTopic, RefreshTopic and MutationCompletedTopic coordinate
// nanoquery state across instances, mirroring how the distributed caching
// system's cache-manager/invalidation services use at-least-once Pub/Sub
// to keep every node's local cache eventually consistent.
var (
	InvalidateTopic = pubsub.NewTopic[*InvalidateEvent](
		"nanoquery-invalidate",
		pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
	)

	RefreshTopic = pubsub.NewTopic[*RefreshEvent](
		"nanoquery-refresh",
		pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
	)

	MutationCompletedTopic = pubsub.NewTopic[*MutationCompletedEvent](
		"nanoquery-mutation-completed",
		pubsub.TopicConfig{DeliveryGuarantee: pubsub.AtLeastOnce},
	)
)

// subscribe invalidation/refresh events from other nodes into this node's
// context. Handlers are no-ops on the node that originated the event (it
// has already applied the change locally).
var _ = pubsub.NewSubscription(
	InvalidateTopic,
	"distnode-apply-invalidate",
	pubsub.SubscriptionConfig[*InvalidateEvent]{
		Handler: handleInvalidateEvent,
	},
)

var _ = pubsub.NewSubscription(
	RefreshTopic,
	"distnode-apply-refresh",
	pubsub.SubscriptionConfig[*RefreshEvent]{
		Handler: handleRefreshEvent,
	},
)
